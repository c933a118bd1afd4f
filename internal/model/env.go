package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables overriding the config file,
// engine.ports.low becomes REPORTD_ENGINE_PORTS_LOW.
const EnvPrefix = "REPORTD"

// NewEnv returns a viper instance resolving config keys from the environment.
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// ApplyEnv overrides cfg with values set in the environment of v and
// validates the result.
func ApplyEnv(cfg Config, v *viper.Viper) (Config, error) {
	strs := map[string]*string{
		"engine.path":      &cfg.Engine.Path,
		"engine.namespace": &cfg.Engine.Namespace,
		"engine.language":  &cfg.Engine.Language,
		"engine.log_dir":   &cfg.Engine.LogDir,
		"service.listen":   &cfg.Service.Listen,
	}
	ints := map[string]*int{
		"engine.timeout":       &cfg.Engine.Timeout,
		"engine.startup_grace": &cfg.Engine.StartupGrace,
		"engine.ports.low":     &cfg.Engine.Ports.Low,
		"engine.ports.high":    &cfg.Engine.Ports.High,
	}

	for key, p := range strs {
		if err := v.BindEnv(key); err != nil {
			return cfg, err
		}
		if v.IsSet(key) {
			*p = v.GetString(key)
		}
	}
	for key, p := range ints {
		if err := v.BindEnv(key); err != nil {
			return cfg, err
		}
		if !v.IsSet(key) {
			continue
		}
		raw := strings.TrimSpace(v.GetString(key))
		n, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("%s: expected a number, got %q", key, raw)
		}
		*p = n
	}
	if err := v.BindEnv("service.verbose"); err != nil {
		return cfg, err
	}
	if v.IsSet("service.verbose") {
		cfg.Service.Verbose = v.GetBool("service.verbose")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

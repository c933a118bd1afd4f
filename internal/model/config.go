package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultEngineBinary = "reqtify"
	DefaultLanguage     = "eng"
	DefaultNamespace    = "jenkins"
	DefaultListen       = "127.0.0.1:8085"

	DefaultPortLow  = 4000
	DefaultPortHigh = 8000

	DefaultTimeout      = 60
	DefaultStartupGrace = 10
)

//go:embed config.cue
var cueSource []byte

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Engine  Engine  `json:"engine" yaml:"engine"`
	Service Service `json:"service" yaml:"service"`
}

// Engine describes how report engine instances are spawned.
type Engine struct {
	Path         string            `json:"path" yaml:"path"`
	Namespace    string            `json:"namespace" yaml:"namespace"`
	Language     string            `json:"language" yaml:"language"` // used when a request names none
	LogDir       string            `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	Timeout      int               `json:"timeout" yaml:"timeout"`             // seconds
	StartupGrace int               `json:"startup_grace" yaml:"startup_grace"` // seconds
	Ports        PortRange         `json:"ports" yaml:"ports"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// PortRange is a half-open [Low, High) range of TCP ports.
type PortRange struct {
	Low  int `json:"low" yaml:"low"`
	High int `json:"high" yaml:"high"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Listen  string `json:"listen" yaml:"listen"`
}

// DefaultConfig returns configuration used when no config file exists.
// The engine executable is looked up in PATH.
func DefaultConfig(ctx context.Context) Config {
	path := DefaultEngineBinary
	if found, err := exec.LookPath(DefaultEngineBinary); err == nil {
		path = found
	} else {
		slog.DebugContext(ctx, "engine binary not found in PATH", "binary", DefaultEngineBinary, "error", err)
	}
	return Config{
		Version: 0,
		Engine: Engine{
			Path:         path,
			Namespace:    DefaultNamespace,
			Language:     DefaultLanguage,
			Timeout:      DefaultTimeout,
			StartupGrace: DefaultStartupGrace,
			Ports: PortRange{
				Low:  DefaultPortLow,
				High: DefaultPortHigh,
			},
		},
		Service: Service{
			Listen: DefaultListen,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Validate checks constraints the schema does not express.
// Validate repeats the schema constraints, so values coming from the
// environment are held to the same rules as the config file.
func (c Config) Validate() error {
	e := c.Engine
	if e.Path == "" {
		return ErrEngineNotConfigured
	}
	if !namespacePattern.MatchString(e.Namespace) {
		return fmt.Errorf("engine.namespace: %q must match %s", e.Namespace, namespacePattern)
	}
	if e.Language == "" {
		return errors.New("engine.language: must not be empty")
	}
	if e.Timeout <= 0 {
		return fmt.Errorf("engine.timeout: %d must be positive", e.Timeout)
	}
	if e.StartupGrace < 0 {
		return fmt.Errorf("engine.startup_grace: %d must not be negative", e.StartupGrace)
	}
	if e.Ports.Low < 1 || e.Ports.Low > 65535 {
		return fmt.Errorf("engine.ports.low: %d out of range 1-65535", e.Ports.Low)
	}
	if e.Ports.High < 2 || e.Ports.High > 65536 {
		return fmt.Errorf("engine.ports.high: %d out of range 2-65536", e.Ports.High)
	}
	if e.Ports.Low >= e.Ports.High {
		return fmt.Errorf("engine.ports: low %d must be lower than high %d", e.Ports.Low, e.Ports.High)
	}
	if c.Service.Listen != "" {
		if _, err := net.ResolveTCPAddr("tcp", c.Service.Listen); err != nil {
			return fmt.Errorf("service.listen: %w", err)
		}
	}
	return nil
}

func (e Engine) TimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

func (e Engine) StartupGraceDuration() time.Duration {
	return time.Duration(e.StartupGrace) * time.Second
}

// LogDirectory returns the directory where engines write their logs,
// falling back to the OS temp dir.
func (e Engine) LogDirectory() string {
	if e.LogDir == "" {
		return os.TempDir()
	}
	return os.ExpandEnv(e.LogDir)
}

// Environ returns the process environment extended with the configured
// variables. Values starting with $ are expanded.
func (e Engine) Environ() []string {
	env := os.Environ()
	for k, v := range e.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

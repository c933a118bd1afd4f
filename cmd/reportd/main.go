package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/reportd/internal/log"
	"github.com/CZERTAINLY/reportd/internal/model"
)

var (
	userConfigPath string // /default/config/path/reportd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "reportd")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is reportd.yaml in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initReportd

	listFlags(modelsCmd)
	listFlags(templatesCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("reportd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "reportd",
	Short:        "Supervisor of report engines listing report models and templates",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a reportd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("reportd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("reportd: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initReportd(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("REPORTDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "reportd.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	if configPath == "" {
		config, configPath, err = storeDefaultConfig(cmd.Context())
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	config, err = model.ApplyEnv(config, model.NewEnv())
	if err != nil {
		return fmt.Errorf("applying %s_* environment: %w", model.EnvPrefix, err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose))
	slog.Debug("reportd run", "configPath", configPath)
	slog.Debug("reportd run", "config", config)
	return nil
}

func storeDefaultConfig(ctx context.Context) (model.Config, string, error) {
	cfg := model.DefaultConfig(ctx)
	path := filepath.Join(userConfigPath, "reportd.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cfg, path, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, path, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := yaml.NewEncoder(f).Encode(cfg); err != nil {
		return cfg, path, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, path, nil
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid config", d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

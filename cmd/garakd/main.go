package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/garakd/internal/log"
	"github.com/CZERTAINLY/garakd/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configName = "garakd.yaml"

var (
	userConfigPath string // /default/config/path/garakd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "garakd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initGarakd
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("garakd failed", "err", err)
		_ = closeLog()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "garakd",
	Short:        "Server running garak LLM vulnerability scans",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a garakd",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "garakd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Fprintf(out, "config: %s\n", configPath)
		}
		fmt.Fprintf(out, "garakd: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:  %s\n", s.Value)
			}
		}
		fmt.Fprintln(out)
	},
}

func initGarakd(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("GARAKDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, configName)
		config, err = storeDefault(cmd.Context(), configPath)
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		if config.Service == nil {
			config.Service = &model.Service{}
		}
		verbose := true
		config.Service.Verbose = &verbose
	}

	logger, closer, err := log.New(config.Service)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(logger)

	slog.Debug("garakd run", "configPath", configPath)
	slog.Debug("garakd run", "config", config)
	return nil
}

func storeDefault(ctx context.Context, path string) (model.Config, error) {
	cfg := model.DefaultConfig(ctx)
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return cfg, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return cfg, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, enc.Close()
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
		return model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/okian/rollcall/internal/config"
	"github.com/okian/rollcall/pkg/logger"
)

var (
	configPath string
	addrFlag   string
	levelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Face-recognition attendance service",
	Long: `Rollcall samples frames from capture sessions, recognizes enrolled faces and
records at most one attendance event per person per day, classified as on time
or late against a configurable cutoff.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides "+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "HTTP listen address")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "log level: debug, info, warn, error")
}

func initConfig() {
	// .env is optional
	_ = godotenv.Load()
}

// loadConfig layers flags over the loaded configuration and sets up logging.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}
	if levelFlag != "" {
		cfg.LogLevel = levelFlag
	}
	if err := logger.InitWith(os.Stderr, cfg.LogFormat); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, nil
}

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/workbench/internal/cli"
	"github.com/aretw0/workbench/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "workbench",
	Short: "Workbench is a notebook engine backed by a Jupyter server",
	Long: `Workbench keeps notebooks of code and markdown cells, binds each notebook to a
kernel session on a Jupyter-compatible server and streams execution output into cells.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file (default ./"+config.DefaultPath+")")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("backend", "", "Backend kind: jupyter or memory")
	rootCmd.PersistentFlags().String("base-url", "", "Base URL of the Jupyter server")
	rootCmd.PersistentFlags().String("token", "", "Access token for the Jupyter server")
}

// loadConfig reads the configuration file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("backend") {
		cfg.Backend.Kind, _ = flags.GetString("backend")
	}
	if flags.Changed("base-url") {
		cfg.Backend.BaseURL, _ = flags.GetString("base-url")
	}
	if flags.Changed("token") {
		cfg.Backend.Token, _ = flags.GetString("token")
	}
	return cfg, cfg.Validate()
}

// newApp loads configuration and assembles the application. Logs go to stderr
// so stdout stays free for notebook output and stdio transports.
func newApp(cmd *cobra.Command) (*cli.App, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cli.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	app, err := cli.NewApp(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return app, logger, nil
}

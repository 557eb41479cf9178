// Package cmd contains the command-line interface logic for blindscan.
// It uses the Cobra library to create a powerful and flexible CLI.
package cmd

import (
	"fmt"
	"os"

	"blindscan/internal/config"
	"blindscan/internal/logger"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var (
	configFile string
	outputDir  string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "blindscan",
		Short: "blindscan detects blind SQL injection in web application parameters.",
		Long: `A blind SQL injection scanner. Every parameter of a target request is
probed with boolean true/false statements and, failing that, with
time delay payloads. Confirmed injections are stored in a knowledge base
and written to JSON and TXT reports.`,
		Version:      Version,
		SilenceUsage: true,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the configuration file (default is ./blindscan.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "Directory to save reports (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// loadSettings reads the configuration and applies the persistent flag
// overrides, then sets up logging. The returned function closes the log file.
func loadSettings() (*config.Settings, func() error, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	if outputDir != "" {
		cfg.Reporting.Path = outputDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	closeLog, err := logger.Setup(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		JSONFormat: cfg.Log.JSONFormat,
	}, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, closeLog, nil
}

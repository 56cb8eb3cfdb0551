package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mpro775/kleem/internal/config"
	"github.com/spf13/cobra"
)

var (
	envFile string
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "kleem",
	Short: "Realtime support chat server for merchant storefronts",
	Long: `Serves the realtime hub that routes customer, bot and agent messages
between storefront widgets and merchant dashboards, together with the
message history REST API.

Configuration is read from the environment (and an optional .env file);
see the README for the variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to an env file to load before the environment")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// loadConfig reads the configuration and installs the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("insecure-admin") {
		cfg.InsecureAdmin, _ = flags.GetBool("insecure-admin")
	}

	slog.SetDefault(config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

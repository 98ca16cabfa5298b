package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sanonone/graphwire/pkg/client"
	"github.com/sanonone/graphwire/pkg/config"
)

var (
	configPath string
	envFile    string
	endpoint   string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "graphwire",
	Short:         "Graph traversal client and reference server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if err := config.ApplyEnv(&cfg, envFile); err != nil {
			return err
		}
		if endpoint != "" {
			cfg.Endpoint = endpoint
		}
		level, err := config.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with GRAPHWIRE_* overrides")
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "", "graph endpoint, overrides the configuration")

	rootCmd.AddCommand(demoCmd, queryCmd, serveCmd)
}

// connect dials cfg.Endpoint behind a spinner.
func connect(ctx context.Context) (*client.Client, error) {
	spinner, _ := pterm.DefaultSpinner.Start("Connecting to " + cfg.Endpoint)
	c, err := client.FromConfig(ctx, cfg, slog.Default())
	if err != nil {
		spinner.Fail(fmt.Sprintf("Connection failed: %v", err))
		return nil, err
	}
	spinner.Success("Connected to " + cfg.Endpoint)
	return c, nil
}

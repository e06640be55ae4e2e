package cmd

import (
	"context"
	"fmt"
	"os"

	"simplyscript/core/logger"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// options are read from the environment; flags override them.
type options struct {
	ConfigFile string `env:"SIMPLYSCRIPT_CONFIG"`
	LogLevel   string `env:"SIMPLYSCRIPT_LOG_LEVEL" envDefault:"info"`
}

var opts options

var rootCmd = &cobra.Command{
	Use:           "simplyscript",
	Short:         "SimplyScript CLI",
	Long:          "SimplyScript CLI for dispatching Module.method actions and managing script modules.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadOptions(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: search for simplyscript.yaml; env SIMPLYSCRIPT_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (env SIMPLYSCRIPT_LOG_LEVEL)")
}

func loadOptions(cmd *cobra.Command) error {
	if err := env.Parse(&opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		opts.ConfigFile = f.Value.String()
	}
	if f := cmd.Flag("log-level"); f != nil && f.Changed {
		opts.LogLevel = f.Value.String()
	}
	return logger.SetLevel(opts.LogLevel)
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

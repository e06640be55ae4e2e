package cmd

import (
	"fmt"
	"os"

	"simplyscript/core/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configOutputFlag string
	configForceFlag  bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configGenerateCmd)

	configGenerateCmd.Flags().StringVarP(&configOutputFlag, "output", "o", "simplyscript.yaml", "file to write")
	configGenerateCmd.Flags().BoolVar(&configForceFlag, "force", false, "overwrite an existing file")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a minimal configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configOutputFlag); err == nil && !configForceFlag {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configOutputFlag)
		}
		if err := config.SaveGeneratedConfig(config.GenerateMinimalConfig(), configOutputFlag); err != nil {
			return fmt.Errorf("failed to save minimal config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Minimal configuration written to %s\n", configOutputFlag)
		return nil
	},
}

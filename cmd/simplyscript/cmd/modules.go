package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(modulesCmd)
	modulesCmd.AddCommand(modulesCheckCmd)
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Inspect module access control",
}

var modulesCheckCmd = &cobra.Command{
	Use:   "check <name>...",
	Short: "Report whether module names pass the allow/deny lists and what they map to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k, err := newKernel(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, name := range args {
			allowed, resource := k.CheckModule(name)
			if !allowed {
				fmt.Fprintf(out, "%s: denied\n", name)
				continue
			}
			fmt.Fprintf(out, "%s: allowed -> %s\n", name, resource)
		}
		return nil
	},
}

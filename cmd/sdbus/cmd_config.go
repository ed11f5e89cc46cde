package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/sdbus/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the resolved configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := cfg.ToMap()
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		values := config.MaskSecrets(config.Flatten(m))

		out := cmd.OutOrStdout()
		if path := cfg.Path(); path != "" {
			fmt.Fprintf(out, "# %s\n", path)
		}
		for _, k := range config.SortedKeys(values) {
			fmt.Fprintf(out, "%s = %v\n", k, values[k])
		}
		return nil
	},
}

//go:build linux

package cmd

import (
	"fmt"

	"eventd/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults and EVENTD_* overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if outputJSON {
				return outputAsJSON(w, cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal YAML: %w", err)
			}
			_, err = w.Write(data)
			return err
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration loads and validates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if _, err := config.LoadConfig(configFile); err != nil {
				errorColor.Fprintln(w, "✗ Configuration invalid")
				return err
			}
			source := viper.ConfigFileUsed()
			if source == "" {
				source = "defaults and environment"
			}
			successColor.Fprintf(w, "✓ Configuration valid (%s)\n", source)
			return nil
		},
	})

	return configCmd
}

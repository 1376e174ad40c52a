package cmd

import (
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
)

// newConfigCmd creates the `config` command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return showConfig(cmd.OutOrStdout(), cfg)
		},
	})
	return configCmd
}

// showConfig writes cfg as YAML with the database password redacted.
func showConfig(w io.Writer, cfg *config.Config) error {
	redacted := *cfg
	if raw := cfg.DatabaseCfg.URL; raw != "" {
		if u, err := url.Parse(raw); err == nil {
			redacted.DatabaseCfg.URL = u.Redacted()
		} else {
			redacted.DatabaseCfg.URL = "<invalid>"
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

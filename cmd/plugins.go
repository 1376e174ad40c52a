package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/plugins"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// newPluginsCmd creates the `plugins` command.
func newPluginsCmd() *cobra.Command {
	var verbose bool

	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "List the available plugins in run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return listPlugins(cmd.OutOrStdout(), cfg, verbose)
		},
	}
	pluginsCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Include long descriptions and option help")
	return pluginsCmd
}

// listPlugins prints every registered plugin in dependency order with its
// effective option values.
func listPlugins(w io.Writer, cfg config.Interface, verbose bool) error {
	registry := plugins.NewRegistry(observability.GetLogger())
	if err := registry.Configure(cfg.Plugins().Options); err != nil {
		return err
	}
	ordered, err := registry.Order(nil)
	if err != nil {
		return err
	}

	for i, p := range ordered {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s [%s]\n", p.Name(), strings.ToLower(string(p.Type())))
		fmt.Fprintf(w, "  %s\n", p.Description())
		if deps := p.Dependencies(); len(deps) > 0 {
			fmt.Fprintf(w, "  depends on: %s\n", strings.Join(deps, ", "))
		}
		if verbose && p.LongDescription() != "" {
			for _, line := range strings.Split(strings.TrimSpace(p.LongDescription()), "\n") {
				fmt.Fprintf(w, "  | %s\n", strings.TrimSpace(line))
			}
		}
		writeOptions(w, p.Options(), verbose)
	}
	return nil
}

func writeOptions(w io.Writer, options *core.OptionList, verbose bool) {
	if options == nil || options.Len() == 0 {
		return
	}
	fmt.Fprintln(w, "  options:")
	for _, o := range options.All() {
		fmt.Fprintf(w, "    %s (%s) = %s: %s\n", o.Name, o.Type, o.String(), o.Description)
		if verbose && o.Help != "" {
			fmt.Fprintf(w, "      %s\n", o.Help)
		}
	}
}

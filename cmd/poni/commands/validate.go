package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poni-dev/poni/internal/config"
)

func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the project configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			p, err := findProject()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Validating %s...\n\n", p.ConfigPath)

			cfg, err := config.Load(p)
			if err != nil {
				if !config.IsConfigError(err) {
					return err
				}
				fmt.Fprintf(out, "%s %v\n", color.New(color.FgRed).Sprint("✗"), err)
				return exitWith(1)
			}

			fmt.Fprintf(out, "%s Configuration is valid\n\n", color.New(color.FgGreen).Sprint("✓"))
			if len(cfg.MCPs) > 0 {
				fmt.Fprintf(out, "  MCPs: %s\n", joinKeys(cfg.MCPs))
			}
			if len(cfg.CLI) > 0 {
				fmt.Fprintf(out, "  CLI wrappers: %s\n", joinKeys(cfg.CLI))
			}
			if len(cfg.Tools) > 0 {
				fmt.Fprintf(out, "  Custom tools: %s\n", joinKeys(cfg.Tools))
			}
			if n := len(cfg.Enforcement.Rules); n > 0 {
				fmt.Fprintf(out, "  Enforcement rules: %d\n", n)
			}
			if n := len(cfg.Lifecycle.Hooks); n > 0 {
				fmt.Fprintf(out, "  Lifecycle hooks: %d\n", n)
			}
			if keys := cfg.SecretKeys(); len(keys) > 0 {
				fmt.Fprintf(out, "  Secrets: %s\n", strings.Join(keys, ", "))
			}
			return nil
		},
	}
}

func joinKeys[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

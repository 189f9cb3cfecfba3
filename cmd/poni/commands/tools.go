package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/poni-dev/poni/internal/config"
)

type toolEntry struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description,omitempty"`
	Command     string `yaml:"command"`
	Confirm     bool   `yaml:"confirm,omitempty"`
}

func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect configured tools",
	}
	cmd.AddCommand(newToolsListCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured tool servers, CLI wrappers and custom tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			entries := toolEntries(a.cfg)
			out := cmd.OutOrStdout()

			switch output {
			case "yaml":
				return writeYAML(out, entries)
			case "", "text":
				if len(entries) == 0 {
					fmt.Fprintln(out, "No tools configured.")
					return nil
				}
				for _, e := range entries {
					desc := e.Description
					if desc == "" {
						desc = "-"
					}
					fmt.Fprintf(out, "%-28s %-7s %s\n", e.Name, e.Kind, desc)
				}
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want text or yaml)", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or yaml")
	return cmd
}

func toolEntries(cfg *config.Config) []toolEntry {
	var out []toolEntry
	for name, mc := range cfg.MCPs {
		out = append(out, toolEntry{
			Name:    name + ".*",
			Kind:    "mcp",
			Command: strings.TrimSpace(mc.Command + " " + strings.Join(mc.Args, " ")),
		})
	}
	for name, cc := range cfg.CLI {
		out = append(out, toolEntry{Name: cliPrefix + name, Kind: "cli", Description: cc.Description, Command: cc.Command})
	}
	for name, tc := range cfg.Tools {
		out = append(out, toolEntry{
			Name:        toolPrefix + name,
			Kind:        "script",
			Description: tc.Description,
			Command:     tc.Command,
			Confirm:     tc.Confirm,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

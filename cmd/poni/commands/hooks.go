package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poni-dev/poni/internal/enforcement"
)

func NewHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage the git hook shims",
	}
	cmd.AddCommand(newHooksInstallCmd(), newHooksUninstallCmd(), newHooksStatusCmd())
	return cmd
}

func newHooksInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install pre-commit and pre-push shims that run poni enforce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := findProject()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			for _, sys := range enforcement.ExistingHookSystems(p.Root) {
				fmt.Fprintf(out, "%s %s detected (%s); its hooks may conflict with poni's\n",
					color.New(color.FgYellow).Sprint("!"), sys.Name, sys.Path)
			}

			installed, err := enforcement.InstallHooks(p.HooksDir())
			if err != nil {
				return err
			}
			for _, h := range installed {
				fmt.Fprintf(out, "%s installed %s\n", color.New(color.FgGreen).Sprint("✓"), h)
			}
			return nil
		},
	}
}

func newHooksUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove poni's shims and restore any backed-up hooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := findProject()
			if err != nil {
				return err
			}
			removed, err := enforcement.UninstallHooks(p.HooksDir())
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No poni hooks installed.")
			}
			for _, h := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", h)
			}
			return nil
		},
	}
}

func newHooksStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which git hooks are managed by poni",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := findProject()
			if err != nil {
				return err
			}
			printHookStatus(cmd, p.HooksDir())
			return nil
		},
	}
}

func printHookStatus(cmd *cobra.Command, hooksDir string) {
	status := enforcement.HookStatus(hooksDir)
	for _, h := range enforcement.GitHooks {
		mark := color.New(color.FgRed).Sprint("✗")
		state := "not installed"
		if status[h] {
			mark = color.New(color.FgGreen).Sprint("✓")
			state = "installed"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %s %s: %s\n", mark, h, state)
	}
}

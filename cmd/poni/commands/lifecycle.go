package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/lifecycle"
)

func NewLifecycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: "Fire, inspect and reset agent lifecycle hooks",
	}
	cmd.AddCommand(newLifecycleFireCmd(), newLifecycleStatusCmd(), newLifecycleResetCmd())
	return cmd
}

// openCoordinator builds a coordinator whose executions persist in the
// state directory, so attempts accumulate across invocations.
func openCoordinator() (*app, *lifecycle.Coordinator, error) {
	a, err := loadApp()
	if err != nil {
		return nil, nil, err
	}
	c, err := a.coordinator(a.executor(nil), lifecycle.NewFileStore(a.project.StateDir()))
	if err != nil {
		return nil, nil, err
	}
	return a, c, nil
}

func newLifecycleFireCmd() *cobra.Command {
	var (
		trigger string
		tool    string
		files   []string
	)

	cmd := &cobra.Command{
		Use:   "fire",
		Short: "Fire a lifecycle event and run its hooks",
		Long: `Fire one event. Exit status is 0 when the workflow may continue, 2 when a
blocking hook failed with attempts left and 1 once a hook is exhausted.`,
		Example: `  poni lifecycle fire --trigger after_tool:write_file --file src/app.ts
  poni lifecycle fire --trigger before_response`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tool != "" {
				trigger = string(lifecycle.KindAfterTool) + ":" + tool
			}
			ev, err := lifecycle.ParseEvent(trigger, files)
			if err != nil {
				return err
			}

			_, c, err := openCoordinator()
			if err != nil {
				return err
			}
			report, err := c.Fire(cmd.Context(), ev)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(report.Results) == 0 {
				fmt.Fprintf(out, "No hooks matched %s.\n", ev)
				return nil
			}
			for _, res := range report.Results {
				fmt.Fprintf(out, "  %s %s (%s)\n", outcomeMark(res.Outcome), res.Hook, res.Outcome)
			}
			if diag := report.Diagnostic(); diag != "" {
				fmt.Fprintf(out, "\n%s\n", diag)
			}

			switch {
			case report.Exhausted():
				return exitWith(1)
			case report.Blocked():
				return exitWith(2)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&trigger, "trigger", "", "Event trigger: after_tool:<name>, before_response or on_file_change")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name for an after_tool event")
	cmd.Flags().StringArrayVar(&files, "file", nil, "File touched by the event (repeatable)")
	return cmd
}

func newLifecycleStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured hooks and unfinished executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, c, err := openCoordinator()
			if err != nil {
				return err
			}
			execs, err := c.Executions()
			if err != nil {
				return err
			}
			printLifecycleStatus(cmd, a.cfg.Lifecycle.Enabled, c.Hooks(), execs)
			return nil
		},
	}
}

func newLifecycleResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [hook]",
		Short: "Clear the attempts of one hook, or of every hook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			_, c, err := openCoordinator()
			if err != nil {
				return err
			}
			cleared, err := c.Reset(name)
			if err != nil {
				return err
			}
			if len(cleared) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to reset.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", strings.Join(cleared, ", "))
			return nil
		},
	}
}

func printLifecycleStatus(cmd *cobra.Command, enabled bool, hooks []config.HookConfig, execs []lifecycle.Execution) {
	out := cmd.OutOrStdout()
	if !enabled {
		fmt.Fprintln(out, "Lifecycle hooks are disabled.")
	}
	if len(hooks) == 0 {
		fmt.Fprintln(out, "No lifecycle hooks configured.")
		return
	}

	byHook := make(map[string]lifecycle.Execution, len(execs))
	for _, e := range execs {
		byHook[e.Hook] = e
	}
	for _, h := range hooks {
		line := fmt.Sprintf("%s [%s]", h.Name, h.Trigger)
		if h.BlockUntilPass {
			line += " blocking"
		}
		e, ok := byHook[h.Name]
		switch {
		case !ok:
			fmt.Fprintf(out, "  %s %s\n", color.New(color.FgGreen).Sprint("✓"), line)
		case e.State == lifecycle.StateExhausted:
			fmt.Fprintf(out, "  %s %s: exhausted after %d attempts\n", color.New(color.FgRed).Sprint("✗"), line, e.Attempt)
		default:
			fmt.Fprintf(out, "  %s %s: %s (attempt %d/%d)\n", color.New(color.FgYellow).Sprint("!"), line, e.State, e.Attempt, e.MaxRetries)
		}
	}
}

func outcomeMark(o lifecycle.Outcome) string {
	switch o {
	case lifecycle.OutcomePassed:
		return color.New(color.FgGreen).Sprint("✓")
	case lifecycle.OutcomeFailed:
		return color.New(color.FgYellow).Sprint("!")
	default:
		return color.New(color.FgRed).Sprint("✗")
	}
}

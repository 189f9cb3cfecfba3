package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/enforcement"
)

func NewEnforceCmd() *cobra.Command {
	var (
		hook    string
		fix     bool
		staged  bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "enforce [files...]",
		Short: "Run enforcement checks",
		Long: `Run the enforcement rules of a git trigger. Git hook shims call this with
--hook; run by hand it checks every pre-commit rule against the whole tree.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch hook {
			case "", config.TriggerPreCommit, config.TriggerPrePush:
			default:
				return fmt.Errorf("invalid --hook %q (want %s or %s)", hook, config.TriggerPreCommit, config.TriggerPrePush)
			}

			a, err := loadApp()
			if err != nil {
				return err
			}

			runner, err := enforcement.NewRunner(a.cfg.Enforcement, enforcement.Deps{
				Root:   a.project.Root,
				Git:    a.git(),
				Exec:   a.executor(nil),
				Subst:  a.substituter(),
				Logger: a.logger,
			})
			if err != nil {
				return err
			}

			report, err := runner.Run(cmd.Context(), hook, enforcement.Options{
				Files:  args,
				Staged: staged,
				Fix:    fix,
			})
			if err != nil {
				return err
			}

			enforcement.Render(cmd.OutOrStdout(), report, verbose)
			if !report.Passed() {
				return exitWith(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&hook, "hook", "", "Hook type: pre-commit or pre-push")
	cmd.Flags().BoolVar(&fix, "fix", false, "Auto-fix issues where possible")
	cmd.Flags().BoolVar(&staged, "staged", false, "Only check staged files")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")
	return cmd
}

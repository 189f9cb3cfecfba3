package commands

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/confirm"
	"github.com/poni-dev/poni/internal/router"
)

const (
	cliPrefix  = "poni.cli."
	toolPrefix = "poni.tools."
)

func NewRunCmd() *cobra.Command {
	var (
		yes   bool
		token string
	)

	cmd := &cobra.Command{
		Use:   "run <tool> [args...]",
		Short: "Run a CLI wrapper or custom tool through policy",
		Long: `Run one configured tool the way the agent would, through policy and the
executor. Custom tools take --option value pairs; CLI wrappers receive the
remaining arguments verbatim.

A call that needs confirmation prints a token; repeat the call with
--confirm <token>, or pass --yes to confirm up front.`,
		Example: `  poni run deploy --env staging
  poni run --yes kubectl get pods`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}

			name, callArgs := toolCall(a.cfg, args[0], args[1:])
			if token != "" {
				callArgs[router.ConfirmTokenArg] = token
			}

			// tokens outlive this process so a second invocation can redeem them
			r, err := a.router(a.executor(confirm.NewFileStore(a.project.StateDir())))
			if err != nil {
				return err
			}
			defer r.Close()

			resp, err := r.Call(cmd.Context(), router.ToolCallRequest{Name: name, Args: callArgs, Approved: yes})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch resp.Outcome {
			case router.OutcomeOK:
				fmt.Fprintln(out, resp.Text)
				return nil
			case router.OutcomeConfirmationPending:
				fmt.Fprintln(out, resp.Text)
				if resp.ConfirmToken != "" {
					fmt.Fprintf(out, "\nRe-run with --confirm %s, or with --yes.\n", resp.ConfirmToken)
				}
				return exitWith(2)
			default:
				fmt.Fprintln(cmd.ErrOrStderr(), resp.Text)
				return exitWith(1)
			}
		},
	}

	// flags after the tool name belong to the tool
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm calls that require confirmation")
	cmd.Flags().StringVar(&token, "confirm", "", "Confirmation token from a previous run")
	return cmd
}

// toolCall maps a short tool name to its qualified name and builds the call
// arguments for its provider kind.
func toolCall(cfg *config.Config, name string, rest []string) (string, map[string]any) {
	short := strings.TrimPrefix(strings.TrimPrefix(name, toolPrefix), cliPrefix)
	if _, ok := cfg.Tools[short]; ok && !strings.HasPrefix(name, cliPrefix) {
		return toolPrefix + short, optionArgs(rest)
	}
	if _, ok := cfg.CLI[short]; ok {
		return cliPrefix + short, map[string]any{"args": shellquote.Join(rest...)}
	}
	// a child server tool; options map onto its arguments
	return name, optionArgs(rest)
}

// optionArgs parses "--key value" pairs. A flag with no value is true.
func optionArgs(rest []string) map[string]any {
	out := map[string]any{}
	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		key, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		key = strings.ReplaceAll(key, "-", "_")
		if hasValue {
			out[key] = value
			continue
		}
		if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "--") {
			out[key] = rest[i+1]
			i++
			continue
		}
		out[key] = true
	}
	return out
}

package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/poni-dev/poni/internal/config"
)

var (
	configPath       string
	logLevelOverride string
)

// exitError carries a process exit code. Its message, if any, has already
// been printed.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitWith(code int) error { return &exitError{code: code} }

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poni",
		Short: "Poni - governance control plane for AI coding agents",
		Long: `Poni sits between an AI coding agent and the tools it calls. It applies
per-tool policies, runs commands under resource limits, masks secrets in
output, and gates commits, pushes and agent turns on the project's checks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogger(config.DefaultConfig(), logLevelOverride, "")
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to .poni/config.toml (default: search upward from the working directory)")
	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewEnforceCmd(),
		NewServeCmd(),
		NewValidateCmd(),
		NewRunCmd(),
		NewConfirmCmd(),
		NewToolsCmd(),
		NewHooksCmd(),
		NewLifecycleCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
	)

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

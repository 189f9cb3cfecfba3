package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/poni-dev/poni/internal/audit"
	"github.com/poni-dev/poni/internal/confirm"
	"github.com/poni-dev/poni/internal/gateway"
	"github.com/poni-dev/poni/internal/lifecycle"
	"github.com/poni-dev/poni/internal/mcp"
	"github.com/poni-dev/poni/internal/version"
)

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the governed tool surface to an agent over stdio",
		Long: `Start the MCP server on stdin/stdout. Every configured provider is
started, and each tool call passes through policy, the executor and the
lifecycle hooks. Logs never go to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ex := a.executor(confirm.NewMemoryStore())
			r, err := a.router(ex)
			if err != nil {
				return err
			}
			defer r.Close()
			a.startRouter(ctx, r)

			hooks, err := a.coordinator(ex, lifecycle.NewMemoryStore())
			if err != nil {
				return err
			}

			handler := gateway.NewHandler(r, hooks, audit.NewWriter(a.project.StateDir()), a.logger)
			server := mcp.NewServer("poni", version.Version, handler, a.logger)

			a.logger.Info("serving", "root", a.project.Root, "tools", len(r.Tools()))
			err = server.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/poni-dev/poni/internal/confirm"
)

func NewConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Inspect and reject confirmation tokens issued by poni run",
	}
	cmd.AddCommand(newConfirmListCmd(), newConfirmRejectCmd())
	return cmd
}

func openConfirmations() (*confirm.Service, error) {
	p, err := findProject()
	if err != nil {
		return nil, err
	}
	return confirm.NewService(confirm.NewFileStore(p.StateDir())), nil
}

func newConfirmListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending confirmations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openConfirmations()
			if err != nil {
				return err
			}
			if _, err := svc.ExpirePending(); err != nil {
				return err
			}
			query := confirm.Query{Status: confirm.StatusPending}
			if all {
				query = confirm.Query{}
			}
			requests, err := svc.List(query)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(requests) == 0 {
				fmt.Fprintln(out, "No pending confirmations.")
				return nil
			}
			for _, r := range requests {
				fmt.Fprintf(out, "%s  %-9s %s  expires %s\n", r.Token, r.Status, r.Target, r.ExpiresAt.Local().Format(time.Kitchen))
				if r.Prompt != "" {
					fmt.Fprintf(out, "    %s\n", r.Prompt)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include redeemed, rejected and expired confirmations")
	return cmd
}

func newConfirmRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <token>",
		Short: "Reject a pending confirmation so it can never be redeemed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openConfirmations()
			if err != nil {
				return err
			}
			r, err := svc.Reject(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s (%s)\n", r.Token, r.Target)
			return nil
		},
	}
}

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/app"
)

// newRunCmd creates a long-running command for role.
func newRunCmd(use, short string, role app.Role) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, runner Runner) error {
			zap.L().Info("starting", zap.String("role", string(role)))
			return runner.Run(cmd.Context(), role)
		}),
	}
}

// newSweepCmd republishes stale pending jobs once and exits.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Republish stale pending jobs once and exit",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, runner Runner) error {
			n, err := runner.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("republished %d pending jobs\n", n)
			return nil
		}),
	}
}

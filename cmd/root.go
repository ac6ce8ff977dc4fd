// Package cmd defines the CLI for the crawl orchestrator.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/app"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/logging"
)

// Runner is the part of the application the commands drive. Tests inject a
// fake through newApp.
type Runner interface {
	Run(ctx context.Context, role app.Role) error
	SweepOnce(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

type runnerKeyType string

const runnerKey runnerKeyType = "runner"

// newApp is the application factory; a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.Build(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "crawl-orchestrator",
		Short: "Accepts crawl jobs over HTTP and executes them on a worker pool.",
		Long: `crawl-orchestrator queues single-page crawl jobs on a durable broker,
executes them with a pool of workers and keeps results in an expiring store.
Run the API and workers together with "all", or scale them separately.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			runner, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runnerKey, runner))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newRunCmd("serve", "Serve the HTTP API and the reconciliation sweeper", app.RoleAPI),
		newRunCmd("worker", "Consume crawl jobs from the broker", app.RoleWorker),
		newRunCmd("all", "Run the API, the sweeper and the workers in one process", app.RoleAll),
		newSweepCmd(),
	)
	return cmd
}

// withRunner resolves the Runner stored by PersistentPreRunE, calls fn and
// always closes the Runner afterwards.
func withRunner(fn func(cmd *cobra.Command, runner Runner) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		runner, ok := cmd.Context().Value(runnerKey).(Runner)
		if !ok || runner == nil {
			return fmt.Errorf("application not initialized")
		}
		runErr := fn(cmd, runner)
		closeErr := runner.Close(context.WithoutCancel(cmd.Context()))
		zap.L().Info("shutdown complete")
		_ = zap.L().Sync()
		return errors.Join(runErr, closeErr)
	}
}

// Execute runs the root command until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

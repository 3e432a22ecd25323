package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the 'serve' subcommand, which runs the consumer until
// interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts consuming task lifecycle events",
		RunE:  runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appInstance, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer appInstance.Close()

	if err := appInstance.Run(ctx); err != nil {
		rt.logger.Error("consumer exited with error", zap.Error(err))
		return err
	}
	rt.logger.Info("consumer exited")
	return nil
}

// newCheckConfigCmd validates the configuration and prints the resolved topics.
func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validates configuration and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			t := rt.cfg.Broker.Topics
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: broker=%s publisher=%s store=%s topics=[create=%q complete=%q error=%q]\n",
				rt.cfg.Broker.Backend, rt.cfg.Publisher.Backend, rt.cfg.Store.Backend, t.Create, t.Complete, t.Error)
			return nil
		},
	}
}


package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/ports"
)

func newWorkerCmd() *cobra.Command {
	var (
		ordinal     int
		concurrency int
		name        string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a pool of capture supervisors",
		Long: `Runs --concurrency supervisors. Each claims pending captures one at a
time and drives the capture tool through its own proxy port, derived from the
worker ordinal and the supervisor's index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}
			if ordinal <= 0 {
				ordinal = cfg.Worker.Ordinal
			}
			if name == "" {
				name, _ = os.Hostname()
			}
			resolved := ports.ResolveOrdinal(ordinal, name)

			app, err := buildApp(cmd.Context(), cfg, rt.logger, "worker")
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(cmd.Context()))

			rt.logger.Info("starting worker", zap.String("name", name), zap.Int("ordinal", resolved))
			if err := app.Pool(resolved).Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run worker pool: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&ordinal, "ordinal", 0, "worker ordinal (default: $"+ports.OrdinalEnv+", then the w<N>@ name, then 1)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of supervisors (default: worker.concurrency)")
	cmd.Flags().StringVar(&name, "name", "", "worker name used to infer the ordinal (default: hostname)")
	return cmd
}

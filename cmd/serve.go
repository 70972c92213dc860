package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serves capture submission, status, URL validation, and artifact
retrieval, plus /healthz and /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), rt.cfg, rt.logger, "serve")
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(cmd.Context()))
			return app.Serve(cmd.Context())
		},
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Fail stale captures and delete expired ones",
		Long: `Marks captures stuck in started past cleanup.stale_started_after as failed,
deletes captures (and mirrored artifacts) older than
cleanup.temporary_storage_expiration, and removes expired working directories.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), rt.cfg, rt.logger, "cleanup")
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(cmd.Context()))

			report, err := app.Janitor().Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}
}

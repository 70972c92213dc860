package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/capture-service/internal/probe"
	"github.com/JakeFAU/capture-service/internal/useragent"
)

type validateOutput struct {
	URL           string `json:"url"`
	Valid         bool   `json:"valid"`
	Outcome       string `json:"outcome"`
	Message       string `json:"message,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	ContentLength *int64 `json:"content_length,omitempty"`
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <url>",
		Short: "Probe a URL the same way capture submission does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			prober, err := probe.New(rt.cfg.Validation, useragent.NewMatcher(rt.cfg.CustomUserAgents), rt.logger)
			if err != nil {
				return fmt.Errorf("prober init failed: %w", err)
			}
			out := prober.Probe(cmd.Context(), args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(validateOutput{
				URL:           args[0],
				Valid:         out.OK(),
				Outcome:       string(out.Kind),
				Message:       out.Message(),
				StatusCode:    out.StatusCode,
				ContentLength: out.ContentLength,
			}); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		},
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newScrapeCmd() *cobra.Command {
	var modelID int64

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Runs one scrape job and prints its final status",
		Long: `Runs a scrape job in the foreground against every enabled source and
prints the final job as JSON. With --model-id only that model is scraped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := appInstance.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
					err = errors.Join(err, fmt.Errorf("close: %w", cerr))
				}
			}()

			var target *int64
			if cmd.Flags().Changed("model-id") {
				if modelID <= 0 {
					return fmt.Errorf("--model-id must be positive, got %d", modelID)
				}
				target = &modelID
			}

			job, err := appInstance.Scrape(cmd.Context(), target)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(job); err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&modelID, "model-id", 0, "scrape a single tracked model")
	return cmd
}

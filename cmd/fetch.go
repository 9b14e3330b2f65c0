package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/input"
)

// newFetchCmd creates the 'fetch' subcommand, which processes an input file
// of records end to end.
func newFetchCmd() *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "fetch [--input refs.json]",
		Short: "Fetches every reference URL in an input file",
		Long: `Reads a JSON array of {"cve_id" | "record_id", "urls"} objects, deduplicates
the URLs by canonical form and fetches each one through the tier chain.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) == 1 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return errors.New("an input file is required (--input or positional)")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			records, err := input.LoadFile(inputPath)
			if err != nil {
				return fmt.Errorf("load input: %w", err)
			}
			summary, err := appInstance.Fetch(cmd.Context(), records)
			if err != nil {
				return err
			}
			return reportSummary(cmd.OutOrStdout(), appInstance.Logger(), summary)
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "path to the JSON input file")
	return cmd
}

// newBackfillCmd creates the 'backfill' subcommand, which retries stored failures.
func newBackfillCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reprocesses URLs whose stored outcome is failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Backfill(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return reportSummary(cmd.OutOrStdout(), appInstance.Logger(), summary)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of failures to retry (0 = all)")
	return cmd
}

func reportSummary(w io.Writer, logger *zap.Logger, summary crawler.RunSummary) error {
	logger.Info("run summary",
		zap.String("run_id", summary.RunID),
		zap.Int("targets", summary.Targets),
		zap.Int("failed", summary.Failures()),
		zap.Int("store_errors", summary.StoreErrors),
		zap.Duration("elapsed", summary.Finished.Sub(summary.Started)),
	)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

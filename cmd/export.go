package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newExportFailedCmd creates the 'export-failed' subcommand.
func newExportFailedCmd() *cobra.Command {
	var (
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "export-failed --out failed.json",
		Short: "Writes failed URLs with their errors and record ids to a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.ExportFailed(cmd.Context(), out, limit)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "exported %d failed urls to %s\n", n, out)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "destination file")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of rows to export (0 = all)")
	return cmd
}

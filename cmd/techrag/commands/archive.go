package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/v3ct0r/techrag-go/internal/research"
)

// NewArchiveCmd constructs the `techrag archive` command, which retires a
// research document from search and analytics.
func NewArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive [technique-id] [platform]",
		Short: "Archive a stored research document",
		Long: `Archive the research document for one technique/platform pair.

Archived documents no longer appear in search results or analytics, but the
row is preserved. Re-researching the pair unarchives it.

Examples:
  techrag archive T1055 windows
  techrag archive t1547.001 linux`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			defer st.Close()

			if err := st.Archive(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			fmt.Printf("archived %s/%s\n",
				research.NormalizeTechnique(args[0]), research.NormalizePlatform(args[1]))
			return nil
		},
	}
}

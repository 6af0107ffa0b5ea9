package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewExportCmd constructs the `techrag export` command, which dumps the task
// queue as a JSON document.
func NewExportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the task queue as JSON",
		Long: `Write every task in the queue as a single indented JSON array, oldest first.
Useful for backups, migrations, and offline inspection.

Examples:
  techrag export
  techrag export --out tasks.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			q, err := openQueue()
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			defer q.Close()

			w := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("export: %w", err)
				}
				defer f.Close()
				w = f
			}

			if err := q.Export(ctx, w); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if out != "" {
				fmt.Printf("wrote %s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to this file instead of stdout")

	return cmd
}

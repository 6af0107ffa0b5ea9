package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/v3ct0r/techrag-go/internal/report"
)

// NewShowCmd constructs the `techrag show` command, which renders one stored
// research document.
func NewShowCmd() *cobra.Command {
	var format string
	var out string

	cmd := &cobra.Command{
		Use:   "show [technique-id] [platform]",
		Short: "Render a stored research document",
		Long: `Render the research document for one technique/platform pair.

By default the document is written to stdout as Markdown. --format selects
markdown, html, or json; --out writes to a file instead of stdout. When
--out names a directory, the file name is derived from the technique and
platform.

Examples:
  techrag show T1055 windows
  techrag show T1055 windows --format html --out report.html
  techrag show t1547.001 linux --format json
  techrag show T1134 windows --out ./reports/`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("show: %w", err)
			}
			defer st.Close()

			output, err := st.Get(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("show: %w", err)
			}

			if out == "" {
				return report.Write(os.Stdout, output, format)
			}

			path := out
			if info, err := os.Stat(out); err == nil && info.IsDir() {
				path = filepath.Join(out, report.Filename(output, format))
			}
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("show: %w", err)
			}
			defer f.Close()

			if err := report.Write(f, output, format); err != nil {
				return fmt.Errorf("show: %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "Output format: markdown, html, json")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to this file or directory instead of stdout")

	return cmd
}

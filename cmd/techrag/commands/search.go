package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/v3ct0r/techrag-go/internal/research"
	"github.com/v3ct0r/techrag-go/internal/store"
)

// NewSearchCmd constructs the `techrag search` command, which queries the
// research output store.
func NewSearchCmd() *cobra.Command {
	var platform string
	var tag string
	var section string
	var minQuality float64
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search stored research documents",
		Long: `Full-text search over stored research documents.

The query matches technique ids, names, and section bodies. Filters narrow
the results by platform, tag, minimum quality score, or the presence of a
named section. An empty query lists documents subject to the filters alone.

Examples:
  techrag search "process injection"
  techrag search credential --platform windows --min-quality 0.7
  techrag search --tag persistence --section playbook --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer st.Close()

			var query string
			if len(args) > 0 {
				query = args[0]
			}

			results, err := st.Search(ctx, query, store.SearchFilters{
				Platform:   platform,
				Tag:        tag,
				MinQuality: minQuality,
				HasSection: research.Section(section),
				Limit:      limit,
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			if len(results) == 0 {
				fmt.Println("no matching documents")
				return nil
			}

			fmt.Printf("%-12s %-10s %-8s %-9s %-11s %s\n",
				"TECHNIQUE", "PLATFORM", "QUALITY", "COMPLETE", "UPDATED", "TAGS")
			for _, o := range results {
				updated := "-"
				if !o.UpdatedAt.IsZero() {
					updated = o.UpdatedAt.UTC().Format("2006-01-02")
				}
				fmt.Printf("%-12s %-10s %-8.2f %-9.0f %-11s %s\n",
					o.TechniqueID, o.Platform, o.Quality, o.Completeness*100,
					updated, strings.Join(o.Tags, ","))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "", "Filter by platform")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Filter by tag")
	cmd.Flags().StringVar(&section, "section", "", "Require a non-empty section (description, detection, mitigation, playbook, references, notes)")
	cmd.Flags().Float64Var(&minQuality, "min-quality", 0, "Minimum quality score (0-1)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Maximum results (default 20, max 100)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit results as JSON")

	return cmd
}

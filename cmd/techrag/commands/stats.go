package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/v3ct0r/techrag-go/internal/queue"
	"github.com/v3ct0r/techrag-go/internal/store"
)

// NewStatsCmd constructs the `techrag stats` command, which reports queue
// depth and output store analytics.
func NewStatsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue and research store statistics",
		Long: `Show the task queue contents by status and platform, and analytics over
the stored research documents: totals, average quality and completeness,
and the platform distribution.

Examples:
  techrag stats
  techrag stats --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			q, err := openQueue()
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			defer q.Close()

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			defer st.Close()

			qs, err := q.Stats(ctx)
			if err != nil {
				return fmt.Errorf("stats: queue: %w", err)
			}
			an, err := st.Analytics(ctx)
			if err != nil {
				return fmt.Errorf("stats: store: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Queue *queue.Stats     `json:"queue"`
					Store *store.Analytics `json:"store"`
				}{qs, an})
			}

			fmt.Printf("queue: %d tasks\n", qs.Total)
			for _, k := range sortedKeys(qs.ByStatus) {
				fmt.Printf("  %-14s %d\n", k, qs.ByStatus[k])
			}
			if len(qs.ByPlatform) > 0 {
				fmt.Println("  by platform:")
				for _, k := range sortedKeys(qs.ByPlatform) {
					fmt.Printf("  %-14s %d\n", k, qs.ByPlatform[k])
				}
			}

			fmt.Printf("\nstore: %d documents (%d archived)\n", an.TotalOutputs, an.ArchivedOutputs)
			fmt.Printf("  %-18s %.2f\n", "avg quality", an.AvgQuality)
			fmt.Printf("  %-18s %.0f%%\n", "avg completeness", an.AvgCompleteness*100)
			fmt.Printf("  %-18s %d\n", "complete", an.CompleteOutputs)
			fmt.Printf("  %-18s %d\n", "high quality", an.HighQualityOutputs)
			if len(an.Platforms) > 0 {
				fmt.Println("  by platform:")
				for _, k := range sortedKeys(an.Platforms) {
					fmt.Printf("  %-18s %d\n", k, an.Platforms[k])
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit statistics as JSON")

	return cmd
}

// sortedKeys returns the map keys in sorted order for stable output.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRetryCmd constructs the `techrag retry` command, which moves failed
// tasks back to pending.
func NewRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-queue all failed research tasks",
		Long: `Move every terminally failed task back to pending with a fresh attempt
budget. Useful after fixing the condition that caused the failures (model
outage, bad credentials, missing index).

Examples:
  techrag retry`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			q, err := openQueue()
			if err != nil {
				return fmt.Errorf("retry: %w", err)
			}
			defer q.Close()

			n, err := q.RetryFailed(ctx)
			if err != nil {
				return fmt.Errorf("retry: %w", err)
			}
			fmt.Printf("re-queued %d failed tasks\n", n)
			return nil
		},
	}
}

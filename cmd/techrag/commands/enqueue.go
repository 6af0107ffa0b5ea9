package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewEnqueueCmd constructs the `techrag enqueue` command, which queues
// research tasks for technique/platform pairs.
func NewEnqueueCmd() *cobra.Command {
	var platforms []string

	cmd := &cobra.Command{
		Use:   "enqueue [technique-ids...]",
		Short: "Queue research tasks for techniques",
		Long: `Queue a research task for every technique/platform combination.

Technique ids use MITRE ATT&CK notation (T1055, T1055.012). Enqueueing is
idempotent: a pair that is already pending or running returns the existing
task instead of creating a duplicate.

Examples:
  techrag enqueue T1055
  techrag enqueue T1055 T1134 --platform windows --platform linux
  techrag enqueue t1547.001 -p macos`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			q, err := openQueue()
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			defer q.Close()

			for _, technique := range args {
				for _, platform := range platforms {
					task, err := q.Enqueue(ctx, technique, platform)
					if err != nil {
						return fmt.Errorf("enqueue %s/%s: %w", technique, platform, err)
					}
					fmt.Printf("%s  %s/%s  %s\n", task.ID, task.TechniqueID, task.Platform, task.Status)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&platforms, "platform", "p", []string{"windows"}, "Target platform (repeatable)")

	return cmd
}

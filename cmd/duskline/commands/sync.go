package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// syncCmd runs the restore bring-up pipeline (spec §4.10): it merges the
// remote cross-device backup, hydrates DR state for every known contact,
// scans each conversation for a counter gap, and enqueues any eager gap
// fills before draining the gap queue.
func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Restore local state and fill any message gaps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}

			report := appCtx.Restore.Run(cmd.Context(), sess)
			for _, stage := range report.Stages {
				status := "ok"
				if !stage.OK {
					status = stage.ReasonCode
				}
				fmt.Printf("stage %d %-24s %s\n", stage.Stage, stage.Name, status)
			}
			if report.HaltedAtStage != 0 {
				return fmt.Errorf("sync halted at stage %d", report.HaltedAtStage)
			}

			fmt.Printf("Hydrated %d session(s)\n", report.HydratedCount)
			for _, c := range report.Conversations {
				switch {
				case c.Lazy:
					fmt.Printf("  %s: %d unread (lazy, not fetched)\n", c.ConversationID, c.OfflineUnreadCount)
				case c.Enqueued > 0:
					fmt.Printf("  %s: %d gap(s) enqueued\n", c.ConversationID, c.Enqueued)
				default:
					fmt.Printf("  %s: up to date (#%d)\n", c.ConversationID, c.LocalProcessed)
				}
			}

			if err := appCtx.GapQueue.DrainAll(cmd.Context()); err != nil {
				return fmt.Errorf("gap queue drain: %w", err)
			}
			return nil
		},
	}
}

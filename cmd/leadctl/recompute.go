package main

import (
	"fmt"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/spf13/cobra"
)

var (
	recomputeFull bool
	recomputeAll  bool
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute [segment-id]",
	Short: "Recompute segment membership",
	Long: `Recompute cached segment membership.

Examples:
  leadctl recompute seg-123          # Incremental recompute
  leadctl recompute seg-123 --full   # Rescan every entity of the segment's type
  leadctl recompute --all            # Full recompute of every active dynamic segment`,
	Args: func(cmd *cobra.Command, args []string) error {
		if recomputeAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if recomputeAll {
			if err := rt.Automation.Segments.RefreshAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("[OK] All dynamic segments recomputed")
			return nil
		}

		mode := db.RecomputeIncremental
		if recomputeFull {
			mode = db.RecomputeFull
		}
		stats, err := rt.Automation.RecomputeSegment(cmd.Context(), args[0], mode)
		if err != nil {
			return err
		}
		fmt.Printf("[OK] Segment %s: %d member(s), calculated at %s\n",
			stats.SegmentID, stats.LeadCount, stats.LastCalculated.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recomputeCmd)

	recomputeCmd.Flags().BoolVar(&recomputeFull, "full", false, "Rescan all entities instead of re-checking members")
	recomputeCmd.Flags().BoolVar(&recomputeAll, "all", false, "Recompute every active dynamic segment")
}

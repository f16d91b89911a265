package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepAt string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one rotation sweep",
	Long: `Reassign every entity whose rotation deadline has passed.

Examples:
  leadctl sweep                              # Sweep as of now
  leadctl sweep --at=2025-01-02T15:04:05Z    # Sweep as of a given instant`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		if sweepAt != "" {
			parsed, err := time.Parse(time.RFC3339, sweepAt)
			if err != nil {
				return fmt.Errorf("--at must be RFC3339: %w", err)
			}
			now = parsed
		}

		rt, err := loadRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		// Close drains the queue once the command is done
		rt.StartNotifications()
		ctx := cmd.Context()

		events, err := rt.Automation.SweepRotations(ctx, now)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("  %s: %s -> %s (%s)\n", ev.EntityID, ev.PreviousUser, ev.NewUser, ev.RotationType)
		}
		fmt.Printf("[OK] %d reassignment(s)\n", len(events))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().StringVar(&sweepAt, "at", "", "Sweep as of this RFC3339 instant (default: now)")
}

package main

import (
	"fmt"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/spf13/cobra"
)

var (
	routeEntityType string
	routeOrgID      string
	routeForce      bool
)

var routeCmd = &cobra.Command{
	Use:   "route <entity-id>",
	Short: "Route an entity through the assignment rules",
	Long: `Assign an entity under the highest priority matching rule.

Examples:
  leadctl route lead-42                  # Route an unassigned lead
  leadctl route lead-42 --force          # Reassign even if already owned
  leadctl route opp-7 --type=opportunity`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		// Close drains the queue once the command is done
		rt.StartNotifications()
		ctx := cmd.Context()

		result, err := rt.Automation.RouteEntity(ctx, db.RouteRequest{
			EntityID:   args[0],
			EntityType: routeEntityType,
			OrgID:      routeOrgID,
			Force:      routeForce,
		})
		if err != nil {
			return err
		}

		printSeparator()
		fmt.Printf("Outcome:  %s\n", result.Outcome)
		if result.Assignee != "" {
			fmt.Printf("Assignee: %s\n", result.Assignee)
		}
		if result.Queue != "" {
			fmt.Printf("Queue:    %s\n", result.Queue)
		}
		if result.RuleID != "" {
			fmt.Printf("Rule:     %s\n", result.RuleID)
		}
		if result.Deadline != nil {
			fmt.Printf("Deadline: %s\n", result.Deadline.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("Reason:   %s\n", result.Reason)
		printSeparator()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(routeCmd)

	routeCmd.Flags().StringVar(&routeEntityType, "type", db.EntityTypeLead, "Entity type")
	routeCmd.Flags().StringVar(&routeOrgID, "org", "", "Organisation (default: the entity's)")
	routeCmd.Flags().BoolVar(&routeForce, "force", false, "Reassign even if the entity already has an owner")
}

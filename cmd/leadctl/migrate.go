package main

import (
	"fmt"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/bootstrap"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/config"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/migrations"
	"github.com/spf13/cobra"
)

var dryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Apply the embedded SQL schema to the configured database.

Environment Variables Required:
  DATABASE_URL    - PostgreSQL connection string

Examples:
  leadctl migrate            # Apply all migrations
  leadctl migrate --dry-run  # List migrations without applying`,
	Run: func(cmd *cobra.Command, args []string) {
		runMigrate()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "List migrations without applying them")
}

func runMigrate() {
	printBanner("Lead Automation Migration Runner")

	names, err := migrations.Names()
	if err != nil {
		fail(fmt.Sprintf("Failed to list migrations: %v", err))
	}
	fmt.Printf("[OK] Found %d migration file(s)\n", len(names))
	printSeparator()
	for _, name := range names {
		fmt.Printf("  - %s\n", name)
	}
	printSeparator()

	if dryRun {
		fmt.Println("[DRY RUN] No migrations applied")
		return
	}

	if err := config.LoadConfig(configPath); err != nil {
		fail(fmt.Sprintf("Failed to load config: %v", err))
	}
	pg, err := bootstrap.OpenPostgres(config.App.DatabaseURL)
	if err != nil {
		fail(err.Error())
	}
	defer pg.Close()

	if err := migrations.Apply(pg); err != nil {
		fail(err.Error())
	}
	fmt.Println("[OK] All migrations applied successfully!")
}

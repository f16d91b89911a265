package main

import (
	"log"
	"os"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/bootstrap"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/config"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/migrations"
)

func main() {
	if err := config.LoadConfig(os.Getenv("LEADFLOW_CONFIG_PATH")); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pg, err := bootstrap.OpenPostgres(config.App.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pg.Close()

	log.Println("Running migrations...")
	if err := migrations.Apply(pg); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("Migrations applied successfully!")
}

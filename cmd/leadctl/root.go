package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/bootstrap"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "leadctl",
	Short: "Lead automation operator CLI",
	Long:  `Operate the lead automation core: apply migrations, run rotation sweeps, recompute segments and route entities.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LEADFLOW_CONFIG_PATH"), "Path to config file")
}

// loadRuntime loads configuration and connects to the configured backends.
func loadRuntime() (*bootstrap.Runtime, error) {
	if err := config.LoadConfig(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return bootstrap.New(config.App)
}

func printBanner(msg string) {
	line := strings.Repeat("=", 41)
	fmt.Println(line)
	fmt.Println(msg)
	fmt.Println(line)
}

func printSeparator() {
	fmt.Println(strings.Repeat("-", 40))
}

func fail(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}

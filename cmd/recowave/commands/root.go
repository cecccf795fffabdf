package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath     string
	endpoint   string
	token      string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "recowave",
		Short: "RecoWave - Multi-Wave Disaster Recovery Orchestrator",
		Long: `RecoWave orchestrates multi-wave disaster recovery drills and failovers
against an external recovery control plane.

Features:
  - Recovery plans in CUE with per-wave ordering, pauses and wait budgets
  - Launch-config pre-application with drift detection
  - Admission control across concurrent executions
  - Rego admission policies for plans
  - SQLite execution state with optimistic versioning`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "recowave.db", "execution state database path")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "control-plane endpoint URL (or RECOWAVE_ENDPOINT)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "control-plane bearer token (or RECOWAVE_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newPollCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newConfigureCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newGroupCommand())

	return rootCmd
}

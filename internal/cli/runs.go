package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"advisor-ledger/internal/app"
)

var (
	runsLimit int
	runsUser  string

	pruneOlderThan time.Duration

	reconcileLimit   int
	reconcileStale   time.Duration
	reconcileDryRun  bool
	reconcileWorkers int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Display recent pipeline runs from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Runs(cmd.Context(), app.RunsOptions{Limit: runsLimit, User: runsUser})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete journal runs older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), pruneOlderThan)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fail stalled runs and re-verify confirmed transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReconcileOptions{
			Limit:      reconcileLimit,
			StaleAfter: reconcileStale,
			DryRun:     reconcileDryRun,
			Workers:    reconcileWorkers,
		}
		return getApp().Reconcile(cmd.Context(), opts)
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to display")
	runsCmd.Flags().StringVar(&runsUser, "user", "", "Only show runs of this address")

	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Retention window")

	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 200, "Number of recent runs to inspect")
	reconcileCmd.Flags().DurationVar(&reconcileStale, "stale-after", 15*time.Minute, "Mark non-terminal runs older than this as failed")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "Report without writing to storage")
	reconcileCmd.Flags().IntVar(&reconcileWorkers, "workers", 4, "Number of concurrent chain lookups")
}

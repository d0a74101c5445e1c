package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Distributed orchestration engine",
	Long: `Maestro coordinates pools of worker agents on long-running workloads.

It runs two kinds of work against one shared worker pool:
  - Sagas: ordered multi-step workflows with compensating actions that
    unwind completed steps when a later step fails permanently.
  - Problems: computations decomposed into a dependency graph of sub-tasks,
    scheduled across capability-matched workers, with redundant solver
    results reconciled by consensus.

Workloads are described in YAML spool files; see 'maestro run --help'.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

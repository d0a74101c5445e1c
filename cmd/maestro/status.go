package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cortexius/maestro/internal/config"
	"github.com/cortexius/maestro/internal/kv"
	"github.com/cortexius/maestro/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show archived saga and problem outcomes",
	Long: `Display archived workload state from the persistent store.

Without an id, lists every archived saga run and problem. With an id, shows
the full record for that instance.

Requires the sqlite store backend (store.backend: sqlite) so state survives
the engine process.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

// problemRecord mirrors the scheduler's archived problem layout.
type problemRecord struct {
	Problem    models.Problem      `json:"problem"`
	State      models.ProblemState `json:"state"`
	FailReason string              `json:"fail_reason,omitempty"`
	Solution   *models.Solution    `json:"solution,omitempty"`
}

// openArchive opens the configured persistent store read-side.
func openArchive(cfg *config.Config) (kv.Store, error) {
	if cfg.Store.Backend != "sqlite" {
		return nil, fmt.Errorf("archived status requires the sqlite store backend; set store.backend: sqlite in %s", config.GetUserConfigPath())
	}
	path := cfg.Store.Path
	if path == "" {
		path = kv.DefaultDBPath()
	}
	return kv.OpenSQLite(path)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return showInstance(store, args[0])
	}
	return listInstances(store)
}

// showInstance prints one archived saga or problem by id.
func showInstance(store kv.Store, id string) error {
	if entry, err := store.Get("saga/" + id); err == nil {
		var run models.SagaRun
		if err := json.Unmarshal(entry.Value, &run); err != nil {
			return fmt.Errorf("decode saga %s: %w", id, err)
		}
		printSagaRun(&run)
		return nil
	}

	if entry, err := store.Get("problem/" + id); err == nil {
		var rec problemRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return fmt.Errorf("decode problem %s: %w", id, err)
		}
		printProblemRecord(&rec)
		return nil
	}

	return fmt.Errorf("no archived saga or problem with id %s", id)
}

func printSagaRun(run *models.SagaRun) {
	fmt.Printf("Saga %s (%s)\n", run.ID, run.Definition)
	fmt.Printf("  State: %s\n", colorSagaState(run.State))
	fmt.Printf("  Started: %s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Printf("  Finished: %s (%s)\n", run.FinishedAt.Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Printf("  Completed steps: %s\n", strings.Join(run.Completed, ", "))
	if run.FailedStep != "" {
		color.Red("  Failed step: %s (%s)", run.FailedStep, run.Error)
	}
	if len(run.Data) > 0 {
		fmt.Println("  Data:")
		for k, v := range run.Data {
			fmt.Printf("    %s: %v\n", k, v)
		}
	}
}

func printProblemRecord(rec *problemRecord) {
	fmt.Printf("Problem %s (%s)\n", rec.Problem.ID, rec.Problem.Type)
	fmt.Printf("  State: %s\n", colorProblemState(rec.State))
	fmt.Printf("  Submitted: %s\n", rec.Problem.SubmittedAt.Format(time.RFC3339))
	if rec.FailReason != "" {
		color.Red("  Failure: %s", rec.FailReason)
	}
	if sol := rec.Solution; sol != nil {
		fmt.Printf("  Confidence: %.2f\n", sol.Confidence)
		fmt.Printf("  Agreement: %.2f (threshold %.2f, %d rounds, %d votes)\n",
			sol.Consensus.Ratio, sol.Consensus.Threshold, sol.Consensus.Rounds, len(sol.Consensus.Votes))
		fmt.Printf("  Wall time: %s, compute time: %s, parallelism: %d\n",
			sol.Performance.WallTime.Round(time.Millisecond),
			sol.Performance.ComputeTime.Round(time.Millisecond),
			sol.Performance.Parallelism)
		if len(sol.Result) > 0 {
			fmt.Println("  Result:")
			for k, v := range sol.Result {
				fmt.Printf("    %s: %v\n", k, v)
			}
		}
	}
}

// listInstances prints a one-line summary per archived instance.
func listInstances(store kv.Store) error {
	sagas, err := store.List("saga/")
	if err != nil {
		return fmt.Errorf("list sagas: %w", err)
	}
	problems, err := store.List("problem/")
	if err != nil {
		return fmt.Errorf("list problems: %w", err)
	}

	if len(sagas)+len(problems) == 0 {
		fmt.Println("No archived workloads. Run 'maestro run <spool.yaml>' first.")
		return nil
	}

	if len(sagas) > 0 {
		fmt.Println("Sagas:")
		for _, entry := range sagas {
			var run models.SagaRun
			if err := json.Unmarshal(entry.Value, &run); err != nil {
				continue
			}
			fmt.Printf("  %s  %-24s %s\n", run.ID, run.Definition, colorSagaState(run.State))
		}
	}
	if len(problems) > 0 {
		fmt.Println("Problems:")
		for _, entry := range problems {
			var rec problemRecord
			if err := json.Unmarshal(entry.Value, &rec); err != nil {
				continue
			}
			fmt.Printf("  %s  %-24s %s\n", rec.Problem.ID, rec.Problem.Type, colorProblemState(rec.State))
		}
	}
	return nil
}

func colorSagaState(s models.SagaState) string {
	switch s {
	case models.SagaStateCompleted:
		return color.GreenString(string(s))
	case models.SagaStateCompensated, models.SagaStateCompensating:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorProblemState(s models.ProblemState) string {
	switch s {
	case models.ProblemStateSolved:
		return color.GreenString(string(s))
	case models.ProblemStateFailed:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cortexius/maestro/internal/config"
	"github.com/cortexius/maestro/pkg/models"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List the last known worker pool",
	Long: `Display the most recent snapshot of the worker pool.

The engine persists worker records through the store; this shows each
worker's status, load, success rate and capabilities as of the last
snapshot. Requires the sqlite store backend.`,
	RunE: runWorkers,
}

func runWorkers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List("worker/")
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No worker snapshots. Run 'maestro run <spool.yaml>' first.")
		return nil
	}

	workers := make([]*models.WorkerAgent, 0, len(entries))
	for _, entry := range entries {
		var w models.WorkerAgent
		if err := json.Unmarshal(entry.Value, &w); err != nil {
			continue
		}
		workers = append(workers, &w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	fmt.Printf("%-16s %-8s %-10s %-8s %-12s %s\n", "ID", "STATUS", "LOAD", "SUCCESS", "HEARTBEAT", "CAPABILITIES")
	for _, w := range workers {
		heartbeat := "never"
		if !w.LastHeartbeat.IsZero() {
			heartbeat = time.Since(w.LastHeartbeat).Round(time.Second).String() + " ago"
		}
		fmt.Printf("%-16s %-8s %-10s %-8s %-12s %s\n",
			w.ID,
			colorWorkerStatus(w.Status),
			fmt.Sprintf("%.1f/%.1f", w.CurrentLoad, w.MaxLoad),
			fmt.Sprintf("%.2f", w.SuccessRate),
			heartbeat,
			strings.Join(w.Capabilities, ","))
	}
	return nil
}

func colorWorkerStatus(s models.WorkerStatus) string {
	switch s {
	case models.WorkerStatusIdle:
		return color.GreenString(string(s))
	case models.WorkerStatusBusy:
		return color.YellowString(string(s))
	case models.WorkerStatusOffline:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"log"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/cortexius/maestro/internal/config"
	"github.com/cortexius/maestro/internal/engine"
	"github.com/cortexius/maestro/internal/events"
	"github.com/cortexius/maestro/internal/executor"
	"github.com/cortexius/maestro/internal/tui"
	"github.com/cortexius/maestro/pkg/models"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <spool.yaml>",
	Short: "Run a spool file with a live dashboard",
	Long: `Run a YAML spool file like 'maestro run', but present a live
full-screen dashboard of the event stream instead of plain log lines.

The dashboard stays open after the workloads settle so the final state can
be inspected; press q to quit.`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) (retErr error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	sp, err := loadSpool(args[0])
	if err != nil {
		return err
	}

	sim := executor.NewSimulator(sp.Rules)
	eng, err := engine.New(cfg, sim)
	if err != nil {
		return err
	}
	defer eng.Stop()

	// Suppress log output while the dashboard is active (it corrupts the display)
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in monitor: %v", r)
		}
	}()

	program := tea.NewProgram(tui.NewModel(), tea.WithAltScreen())

	ch, cancelSub := eng.Subscribe()
	defer cancelSub()
	go forwardEvents(program, ch)

	tracker := &submissionTracker{}
	if err := submitSpool(context.Background(), eng, sp, tracker); err != nil {
		program.Kill()
		return err
	}

	go func() {
		eng.Wait()
		success, message := summarize(eng, tracker)
		program.Send(tui.SessionDoneMsg{Success: success, Message: message})
	}()

	_, err = program.Run()
	return err
}

// forwardEvents converts engine events to dashboard messages.
func forwardEvents(program *tea.Program, ch <-chan events.Event) {
	for ev := range ch {
		program.Send(tui.EventMsg{Event: ev})
	}
}

// summarize condenses the terminal states of all submissions into one line.
func summarize(eng *engine.Engine, tracker *submissionTracker) (bool, string) {
	sagas, problems := tracker.snapshot()

	completed, compensated, solved, failed := 0, 0, 0, 0
	for _, id := range sagas {
		st, err := eng.SagaStatus(id)
		if err != nil {
			continue
		}
		if st.Run.State == models.SagaStateCompleted {
			completed++
		} else {
			compensated++
		}
	}
	for _, id := range problems {
		st, err := eng.ProblemStatus(id)
		if err != nil {
			continue
		}
		if st.State == models.ProblemStateSolved {
			solved++
		} else {
			failed++
		}
	}

	message := fmt.Sprintf("sagas: %d completed, %d compensated; problems: %d solved, %d failed",
		completed, compensated, solved, failed)
	return compensated == 0 && failed == 0, message
}

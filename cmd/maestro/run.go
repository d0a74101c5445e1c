package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cortexius/maestro/internal/config"
	"github.com/cortexius/maestro/internal/engine"
	"github.com/cortexius/maestro/internal/events"
	"github.com/cortexius/maestro/internal/executor"
	"github.com/cortexius/maestro/internal/saga"
	"github.com/cortexius/maestro/pkg/models"
)

var runWatch bool

var runCmd = &cobra.Command{
	Use:   "run <spool.yaml>",
	Short: "Run the sagas and problems described in a spool file",
	Long: `Run a YAML spool file against a simulated worker pool.

A spool file declares:
  workers:   the worker agents to register (id, capabilities, max_load)
  actions:   scripted behavior per action (delay, fail_times, output)
  sagas:     saga definitions with per-step compensations
  problems:  problems for decomposition and consensus validation

All sagas and problems run concurrently against the same pool; events are
streamed to stdout until every workload settles.

With --watch, the spool file's directory is watched and any new or changed
.yaml file is submitted to the running engine. Stop with Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: runSpool,
}

func init() {
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Keep running and submit new spool files dropped in the same directory")
}

var (
	eventGood = color.New(color.FgGreen)
	eventBad  = color.New(color.FgRed)
	eventWarn = color.New(color.FgYellow)
	eventInfo = color.New(color.FgCyan)
	eventDim  = color.New(color.Faint)
)

func runSpool(cmd *cobra.Command, args []string) error {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, cancelSub := eng.Subscribe()
	defer cancelSub()

	tracker := &submissionTracker{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printEvents(gctx, ch)
		return nil
	})

	if err := submitSpool(ctx, eng, sp, tracker); err != nil {
		stop()
		g.Wait()
		return err
	}

	if runWatch {
		dir := filepath.Dir(args[0])
		fmt.Printf("watching %s for spool files (Ctrl-C to stop)\n", dir)
		g.Go(func() error {
			return watchSpoolDir(gctx, dir, args[0], eng, tracker)
		})
		<-gctx.Done()
	} else {
		eng.Wait()
		stop()
	}

	g.Wait()
	printSummary(eng, tracker)
	return nil
}

// submissionTracker remembers submitted instance ids for the final summary.
type submissionTracker struct {
	mu       sync.Mutex
	sagas    []string
	problems []string
}

func (t *submissionTracker) add(sagas, problems []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sagas = append(t.sagas, sagas...)
	t.problems = append(t.problems, problems...)
}

func (t *submissionTracker) snapshot() (sagas, problems []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sagas...), append([]string(nil), t.problems...)
}

// submitSpool registers the spool's workers and submits its workloads.
func submitSpool(ctx context.Context, eng *engine.Engine, sp *spool, tracker *submissionTracker) error {
	for _, w := range sp.Workers {
		if err := eng.RegisterWorker(w); err != nil {
			return fmt.Errorf("register worker %s: %w", w.ID, err)
		}
	}

	var sagaIDs, problemIDs []string
	for _, s := range sp.Sagas {
		id, err := eng.SubmitSaga(ctx, saga.Submission{
			Definition:  s.Definition,
			InitialData: s.Data,
		})
		if err != nil {
			return fmt.Errorf("submit saga %q: %w", s.Definition.Name, err)
		}
		fmt.Printf("saga %s submitted as %s\n", s.Definition.Name, id)
		sagaIDs = append(sagaIDs, id)
	}
	for _, p := range sp.Problems {
		id, err := eng.SubmitProblem(ctx, p)
		if err != nil {
			return fmt.Errorf("submit problem %q: %w", p.Type, err)
		}
		fmt.Printf("problem %s submitted as %s\n", p.Type, id)
		problemIDs = append(problemIDs, id)
	}

	tracker.add(sagaIDs, problemIDs)
	return nil
}

// watchSpoolDir submits every new or rewritten spool file in dir. The file
// that started the run is skipped, it was already submitted.
func watchSpoolDir(ctx context.Context, dir, initial string, eng *engine.Engine, tracker *submissionTracker) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	initialAbs, _ := filepath.Abs(initial)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			ext := strings.ToLower(filepath.Ext(ev.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if abs, _ := filepath.Abs(ev.Name); abs == initialAbs {
				continue
			}

			sp, err := loadSpool(ev.Name)
			if err != nil {
				log.Printf("[run] skipping %s: %v", ev.Name, err)
				continue
			}
			if err := submitSpool(ctx, eng, sp, tracker); err != nil {
				log.Printf("[run] submitting %s: %v", ev.Name, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[run] watcher: %v", err)
		}
	}
}

// printEvents streams colored event lines until the subscription closes.
func printEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev events.Event) {
	c := eventDim
	switch ev.Type {
	case events.SagaCompleted, events.ProblemSolved, events.TaskCompleted, events.SagaStepCompleted:
		c = eventGood
	case events.SagaFailed, events.ProblemFailed, events.TaskFailed,
		events.SagaStepFailed, events.SagaCompensationFailed, events.WorkerLost, events.HealthStalled:
		c = eventBad
	case events.SagaStepCompensated, events.SagaCompensated:
		c = eventWarn
	case events.SagaStarted, events.ProblemStarted, events.TaskScheduled, events.WorkerRegistered:
		c = eventInfo
	}

	line := fmt.Sprintf("%s  %-24s %s", ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.Message)
	if ev.Err != "" {
		line += " (" + ev.Err + ")"
	}
	c.Println(line)
}

// printSummary reports the terminal state of every submitted instance.
func printSummary(eng *engine.Engine, tracker *submissionTracker) {
	sagas, problems := tracker.snapshot()
	if len(sagas)+len(problems) == 0 {
		return
	}

	fmt.Println()
	for _, id := range sagas {
		st, err := eng.SagaStatus(id)
		if err != nil {
			eventBad.Printf("saga %s: %v\n", id, err)
			continue
		}
		switch st.Run.State {
		case models.SagaStateCompleted:
			eventGood.Printf("saga %s: completed (%d steps)\n", id, len(st.Run.Completed))
		case models.SagaStateCompensated:
			eventWarn.Printf("saga %s: compensated after step %q failed: %s\n", id, st.Run.FailedStep, st.Run.Error)
		default:
			fmt.Printf("saga %s: %s\n", id, st.Run.State)
		}
	}
	for _, id := range problems {
		st, err := eng.ProblemStatus(id)
		if err != nil {
			eventBad.Printf("problem %s: %v\n", id, err)
			continue
		}
		switch st.State {
		case models.ProblemStateSolved:
			sol := st.Solution
			eventGood.Printf("problem %s: solved, confidence %.2f, agreement %.2f (%d votes, parallelism %d)\n",
				id, sol.Confidence, sol.Consensus.Ratio, len(sol.Consensus.Votes), sol.Performance.Parallelism)
			if v, ok := sol.Result["value"]; ok {
				fmt.Printf("  value: %v\n", v)
			}
		case models.ProblemStateFailed:
			eventBad.Printf("problem %s: failed: %s\n", id, st.FailReason)
		default:
			fmt.Printf("problem %s: %s\n", id, st.State)
		}
	}
}

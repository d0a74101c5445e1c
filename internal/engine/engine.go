package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cortexius/maestro/internal/config"
	"github.com/cortexius/maestro/internal/consensus"
	"github.com/cortexius/maestro/internal/events"
	"github.com/cortexius/maestro/internal/executor"
	"github.com/cortexius/maestro/internal/kv"
	"github.com/cortexius/maestro/internal/registry"
	"github.com/cortexius/maestro/internal/saga"
	"github.com/cortexius/maestro/internal/scheduler"
	"github.com/cortexius/maestro/pkg/models"
)

// HealthReport summarizes engine liveness for operators.
type HealthReport struct {
	// Healthy is false when any instance has stalled or no worker is online.
	Healthy bool
	// Workers is the number of registered workers, online or not.
	Workers int
	// OnlineWorkers counts workers not marked offline.
	OnlineWorkers int
	// StalledSagas lists saga runs without progress inside the stall window.
	StalledSagas []string
	// StalledProblems lists problems without progress inside the stall window.
	StalledProblems []string
	// DroppedEvents is the bus's cumulative dropped-event count.
	DroppedEvents uint64
}

// Engine owns one registry, one saga coordinator, one task scheduler and
// their shared event bus and store. Everything submitted through it shares
// the same worker pool.
type Engine struct {
	cfg    *config.Config
	logger *DebugLogger

	bus         *events.Bus
	store       kv.Store
	registry    *registry.Registry
	coordinator *saga.Coordinator
	scheduler   *scheduler.Scheduler

	stopOnce sync.Once
	stopCh   chan struct{}
	reaperWg sync.WaitGroup
}

// New assembles an engine from configuration. The dispatcher is the seam to
// actual worker transports; tests inject fakes through it.
func New(cfg *config.Config, dispatcher executor.Dispatcher) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger, err := NewDebugLogger(cfg.Engine.DebugLogPath)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		logger.Close()
		return nil, err
	}

	bus := events.NewBus(cfg.Events.Buffer)

	reg := registry.New(bus)
	reg.SetDebugLog(logger.Log)

	coordinator := saga.NewCoordinator(reg, dispatcher, bus, store, saga.Config{
		RetryInitialInterval: cfg.Saga.RetryInitialInterval,
		RetryMaxInterval:     cfg.Saga.RetryMaxInterval,
		MatchRetryInterval:   cfg.Saga.MatchRetryInterval,
		DefaultStepTimeout:   cfg.Saga.DefaultStepTimeout,
		HistoryLimit:         cfg.Saga.HistoryLimit,
	})
	coordinator.SetDebugLog(logger.Log)

	validator := &consensus.Validator{MaxExtraRounds: cfg.Consensus.MaxExtraRounds}
	sched := scheduler.New(reg, dispatcher, bus, store, validator, scheduler.NewStrategies(), scheduler.Config{
		MaxTaskAttempts: cfg.Scheduler.MaxTaskAttempts,
		TaskTimeout:     cfg.Scheduler.TaskTimeout,
		PollInterval:    cfg.Scheduler.PollInterval,
		HistoryLimit:    cfg.Scheduler.HistoryLimit,
	})
	sched.SetDebugLog(logger.Log)

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		store:       store,
		registry:    reg,
		coordinator: coordinator,
		scheduler:   sched,
		stopCh:      make(chan struct{}),
	}

	e.reaperWg.Add(1)
	go e.reapLoop()

	return e, nil
}

// openStore builds the configured persistence backend.
func openStore(cfg config.StoreConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return kv.NewMemoryStore(), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = kv.DefaultDBPath()
		}
		return kv.OpenSQLite(path)
	default:
		return nil, fmt.Errorf("engine: unknown store backend %q", cfg.Backend)
	}
}

// reapLoop periodically marks workers offline when their heartbeats lapse.
func (e *Engine) reapLoop() {
	defer e.reaperWg.Done()

	ticker := time.NewTicker(e.cfg.Registry.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			reaped := e.registry.ReapStale(e.cfg.Registry.HeartbeatMissWindow)
			if len(reaped) > 0 {
				e.logger.Log("[engine] reaped %d stale workers: %v", len(reaped), reaped)
			}
			e.snapshotWorkers()
		}
	}
}

// snapshotWorkers persists current worker records through the kv boundary
// so status tooling can inspect the pool after the process exits.
func (e *Engine) snapshotWorkers() {
	for _, w := range e.registry.List() {
		raw, err := json.Marshal(w)
		if err != nil {
			continue
		}
		if _, err := e.store.Set("worker/"+w.ID, raw); err != nil {
			e.logger.Log("[engine] snapshot worker %s: %v", w.ID, err)
		}
	}
}

// RegisterWorker adds or refreshes a worker in the shared pool.
func (e *Engine) RegisterWorker(w *models.WorkerAgent) error {
	if err := e.registry.Register(w); err != nil {
		return err
	}
	e.snapshotWorkers()
	return nil
}

// Heartbeat refreshes a worker's liveness timestamp.
func (e *Engine) Heartbeat(workerID string) {
	e.registry.Heartbeat(workerID)
}

// Workers returns snapshots of all registered workers.
func (e *Engine) Workers() []*models.WorkerAgent {
	return e.registry.List()
}

// SubmitSaga starts a saga run and returns its id.
func (e *Engine) SubmitSaga(ctx context.Context, sub saga.Submission) (string, error) {
	return e.coordinator.Submit(ctx, sub)
}

// SagaStatus reports the current state of a saga run.
func (e *Engine) SagaStatus(runID string) (*saga.Status, error) {
	return e.coordinator.Status(runID)
}

// CancelSaga cancels a running saga; completed steps are compensated.
func (e *Engine) CancelSaga(runID string) error {
	return e.coordinator.Cancel(runID)
}

// SubmitProblem decomposes and schedules a problem, returning its id.
func (e *Engine) SubmitProblem(ctx context.Context, p *models.Problem) (string, error) {
	return e.scheduler.Submit(ctx, p)
}

// ProblemStatus reports the current state of a problem.
func (e *Engine) ProblemStatus(problemID string) (*scheduler.Status, error) {
	return e.scheduler.Status(problemID)
}

// CancelProblem cancels a running problem and its in-flight tasks.
func (e *Engine) CancelProblem(problemID string) error {
	return e.scheduler.Cancel(problemID)
}

// Strategies exposes the decomposition registry for custom problem types.
func (e *Engine) Strategies() *scheduler.Strategies {
	return e.scheduler.Strategies()
}

// Subscribe attaches a listener to the engine's event stream. The returned
// cancel function detaches it.
func (e *Engine) Subscribe() (<-chan events.Event, func()) {
	return e.bus.Subscribe()
}

// Health inspects worker liveness and instance progress. Each stalled
// instance is also published on the event bus.
func (e *Engine) Health() HealthReport {
	report := HealthReport{
		StalledSagas:    e.coordinator.Stalled(e.cfg.Engine.StallWindow),
		StalledProblems: e.scheduler.Stalled(e.cfg.Engine.StallWindow),
		DroppedEvents:   e.bus.Dropped(),
	}

	for _, w := range e.registry.List() {
		report.Workers++
		if w.Status != models.WorkerStatusOffline {
			report.OnlineWorkers++
		}
	}

	for _, id := range report.StalledSagas {
		e.bus.Publish(events.Event{
			Type:    events.HealthStalled,
			RunID:   id,
			Message: fmt.Sprintf("saga %s has made no progress in %s", id, e.cfg.Engine.StallWindow),
		})
	}
	for _, id := range report.StalledProblems {
		e.bus.Publish(events.Event{
			Type:    events.HealthStalled,
			RunID:   id,
			Message: fmt.Sprintf("problem %s has made no progress in %s", id, e.cfg.Engine.StallWindow),
		})
	}

	report.Healthy = len(report.StalledSagas) == 0 &&
		len(report.StalledProblems) == 0 &&
		(report.Workers == 0 || report.OnlineWorkers > 0)
	return report
}

// Wait blocks until every submitted saga and problem has settled.
func (e *Engine) Wait() {
	e.coordinator.Wait()
	e.scheduler.Wait()
}

// Stop shuts down background loops and releases the store and bus. Running
// instances are not cancelled; call Wait first for a clean drain.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.reaperWg.Wait()
		e.snapshotWorkers()
		e.bus.Close()
		if cerr := e.store.Close(); cerr != nil {
			log.Printf("[engine] closing store: %v", cerr)
			err = cerr
		}
		e.logger.Close()
	})
	return err
}

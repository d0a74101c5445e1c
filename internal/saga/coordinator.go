// Package saga executes ordered multi-step operations against workers with
// automatic compensation on failure. Each run walks its definition's steps
// in order; a step that exhausts its retry budget flips the run into
// compensation, which unwinds completed steps in strict reverse order.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cortexius/maestro/internal/events"
	"github.com/cortexius/maestro/internal/executor"
	"github.com/cortexius/maestro/internal/kv"
	"github.com/cortexius/maestro/internal/registry"
	"github.com/cortexius/maestro/pkg/models"
)

// ErrActionFailed indicates a dispatched forward action returned an error
// or timed out. Each occurrence consumes one retry attempt.
var ErrActionFailed = errors.New("saga: action failed")

// ErrCompensationFailed indicates a compensating action errored during the
// unwind. The unwind continues regardless; the error is surfaced on the
// event stream.
var ErrCompensationFailed = errors.New("saga: compensation failed")

// ErrRunNotFound indicates an unknown run id.
var ErrRunNotFound = errors.New("saga: run not found")

// ErrCancelled indicates the run was cancelled by the caller.
var ErrCancelled = errors.New("saga: run cancelled")

// InputFunc derives a step's input from the run's accumulated data. It must
// be a pure function of prior outputs.
type InputFunc func(data map[string]any) map[string]any

// Submission describes one saga execution request.
type Submission struct {
	// Definition is the ordered step list. Immutable once the run begins.
	Definition *models.SagaDefinition
	// InitialData seeds the run's accumulated data.
	InitialData map[string]any
	// StepInput optionally overrides input derivation per step name.
	// Steps without an entry receive the full accumulated data.
	StepInput map[string]InputFunc
	// OnSuccess fires exactly once when the run completes.
	OnSuccess func(run *models.SagaRun)
	// OnFailure fires exactly once when the run ends compensated.
	OnFailure func(run *models.SagaRun)
}

// Config tunes retry and timeout behavior. Zero values take defaults; tests
// shrink the intervals to keep runs fast.
type Config struct {
	// RetryInitialInterval is the first step-retry delay. Default 1s.
	// Subsequent delays double (2^(attempt-1)) up to RetryMaxInterval.
	RetryInitialInterval time.Duration
	// RetryMaxInterval caps the step-retry delay. Default 30s.
	RetryMaxInterval time.Duration
	// MatchRetryInterval is the base for the jittered re-poll when no
	// worker is available. Default 500ms.
	MatchRetryInterval time.Duration
	// DefaultStepTimeout applies to steps that declare no timeout.
	// Default 60s.
	DefaultStepTimeout time.Duration
	// HistoryLimit bounds the per-run event history. Default 64.
	HistoryLimit int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RetryInitialInterval <= 0 {
		out.RetryInitialInterval = time.Second
	}
	if out.RetryMaxInterval <= 0 {
		out.RetryMaxInterval = 30 * time.Second
	}
	if out.MatchRetryInterval <= 0 {
		out.MatchRetryInterval = 500 * time.Millisecond
	}
	if out.DefaultStepTimeout <= 0 {
		out.DefaultStepTimeout = 60 * time.Second
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = 64
	}
	return out
}

// Status is a point-in-time snapshot of a run.
type Status struct {
	// Run is a copy of the run record.
	Run models.SagaRun
	// TotalSteps is the definition's step count.
	TotalSteps int
	// PercentComplete is the fraction of steps finished.
	PercentComplete float64
	// History holds the run's recent lifecycle events, oldest first.
	History []events.Event
}

// runState is the mutable aggregate for one execution. All fields are
// guarded by mu; the run goroutine is the only writer of run fields but
// Status and Cancel read/flag concurrently.
type runState struct {
	mu         sync.Mutex
	run        *models.SagaRun
	definition *models.SagaDefinition
	history    []events.Event
	cancel     context.CancelFunc
	cancelled  bool
	progressAt time.Time
}

// Coordinator owns saga runs. Many runs execute concurrently, each on its
// own goroutine; a given run's state is only mutated under its own lock.
type Coordinator struct {
	registry   *registry.Registry
	dispatcher executor.Dispatcher
	bus        *events.Bus
	store      kv.Store
	cfg        Config

	mu   sync.RWMutex
	runs map[string]*runState
	wg   sync.WaitGroup

	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// NewCoordinator creates a Coordinator. The store is used to archive
// terminal runs and may be nil to disable archival.
func NewCoordinator(reg *registry.Registry, dispatcher executor.Dispatcher, bus *events.Bus, store kv.Store, cfg Config) *Coordinator {
	return &Coordinator{
		registry:   reg,
		dispatcher: dispatcher,
		bus:        bus,
		store:      store,
		cfg:        cfg.withDefaults(),
		runs:       make(map[string]*runState),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (c *Coordinator) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		c.debugLog = fn
	}
}

// Submit starts a new run and returns its id. The call is non-blocking;
// completion is observed via the event stream, Status, or the submission's
// terminal callbacks.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.Definition == nil || len(sub.Definition.Steps) == 0 {
		return "", errors.New("saga: definition with at least one step required")
	}

	data := make(map[string]any, len(sub.InitialData))
	for k, v := range sub.InitialData {
		data[k] = v
	}

	runID := uuid.New().String()[:8]
	run := &models.SagaRun{
		ID:         runID,
		Definition: sub.Definition.Name,
		State:      models.SagaStateRunning,
		Data:       data,
		StartedAt:  time.Now(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	st := &runState{
		run:        run,
		definition: sub.Definition,
		cancel:     cancel,
		progressAt: time.Now(),
	}

	c.mu.Lock()
	c.runs[runID] = st
	c.mu.Unlock()

	c.emit(st, events.Event{
		Type:    events.SagaStarted,
		RunID:   runID,
		Message: fmt.Sprintf("saga %s started (%d steps)", sub.Definition.Name, len(sub.Definition.Steps)),
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.execute(runCtx, st, sub)
	}()

	return runID, nil
}

// Status returns a snapshot of the run, or ErrRunNotFound.
func (c *Coordinator) Status(runID string) (*Status, error) {
	c.mu.RLock()
	st, ok := c.runs[runID]
	c.mu.RUnlock()
	if !ok {
		return c.archivedStatus(runID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	runCopy := *st.run
	runCopy.Completed = append([]string(nil), st.run.Completed...)
	history := append([]events.Event(nil), st.history...)
	total := len(st.definition.Steps)

	return &Status{
		Run:             runCopy,
		TotalSteps:      total,
		PercentComplete: runCopy.PercentComplete(total),
		History:         history,
	}, nil
}

// archivedStatus reads a terminal run back from the kv store.
func (c *Coordinator) archivedStatus(runID string) (*Status, error) {
	if c.store == nil {
		return nil, ErrRunNotFound
	}
	entry, err := c.store.Get("saga/" + runID)
	if err != nil {
		return nil, ErrRunNotFound
	}
	var run models.SagaRun
	if err := json.Unmarshal(entry.Value, &run); err != nil {
		return nil, fmt.Errorf("saga: decode archived run %s: %w", runID, err)
	}
	return &Status{Run: run, PercentComplete: 1}, nil
}

// Cancel flags the run and cancels its in-flight dispatch. The run unwinds
// its completed steps before reaching the compensated state.
func (c *Coordinator) Cancel(runID string) error {
	c.mu.RLock()
	st, ok := c.runs[runID]
	c.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}

	st.mu.Lock()
	st.cancelled = true
	cancel := st.cancel
	st.mu.Unlock()

	cancel()
	return nil
}

// Stalled returns the ids of non-terminal runs without progress since the
// given window. Used by the engine's health check.
func (c *Coordinator) Stalled(window time.Duration) []string {
	cutoff := time.Now().Add(-window)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for id, st := range c.runs {
		st.mu.Lock()
		if !st.run.State.Terminal() && st.progressAt.Before(cutoff) {
			out = append(out, id)
		}
		st.mu.Unlock()
	}
	return out
}

// Wait blocks until all submitted runs have reached a terminal state.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// execute drives one run through its steps and, on failure, through
// compensation. Terminal callbacks fire exactly once.
func (c *Coordinator) execute(ctx context.Context, st *runState, sub Submission) {
	def := sub.Definition
	runID := st.run.ID

	for i := range def.Steps {
		step := &def.Steps[i]

		output, err := c.runStep(ctx, st, step, sub.StepInput[step.Name])
		if err != nil {
			st.mu.Lock()
			st.run.FailedStep = step.Name
			st.run.Error = err.Error()
			st.transitionLocked(models.SagaStateCompensating)
			st.mu.Unlock()

			c.emit(st, events.Event{
				Type:    events.SagaStepFailed,
				RunID:   runID,
				Step:    step.Name,
				Err:     err.Error(),
				Message: fmt.Sprintf("step %s failed permanently", step.Name),
			})

			c.compensate(st)
			c.finish(st, sub)
			return
		}

		st.mu.Lock()
		for k, v := range output {
			st.run.Data[k] = v
		}
		st.run.Completed = append(st.run.Completed, step.Name)
		st.progressAt = time.Now()
		st.mu.Unlock()

		c.emit(st, events.Event{
			Type:    events.SagaStepCompleted,
			RunID:   runID,
			Step:    step.Name,
			Message: fmt.Sprintf("step %s completed", step.Name),
		})
	}

	st.mu.Lock()
	st.transitionLocked(models.SagaStateCompleted)
	st.mu.Unlock()

	c.emit(st, events.Event{
		Type:    events.SagaCompleted,
		RunID:   runID,
		Message: "saga completed",
	})
	c.finish(st, sub)
}

// runStep executes one forward action, retrying per the step's budget with
// exponential backoff. A missing worker does not consume an attempt; the
// coordinator re-polls with jittered delay until one appears or the run is
// cancelled.
func (c *Coordinator) runStep(ctx context.Context, st *runState, step *models.SagaStep, inputFn InputFunc) (map[string]any, error) {
	retryDelay := c.newRetryBackoff()
	matchDelay := c.newMatchBackoff()
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}

		worker, err := c.registry.FindMatch([]string{step.Capability})
		if err != nil {
			// Backpressure: re-poll with jitter, attempt budget untouched.
			c.debugLog("[saga %s] no worker for step %s (capability %s), re-polling", st.run.ID, step.Name, step.Capability)
			if !c.sleep(ctx, matchDelay.NextBackOff()) {
				return nil, ErrCancelled
			}
			continue
		}
		matchDelay.Reset()

		attempts++
		c.debugLog("[saga %s] step %s attempt %d/%d on worker %s", st.run.ID, step.Name, attempts, step.MaxAttempts(), worker.ID)

		c.registry.Reserve(worker.ID, 1)
		output, err := c.dispatch(ctx, worker.ID, step.Action, c.stepInput(st, inputFn), step.Timeout)
		c.registry.RecordOutcome(worker.ID, err == nil, -1)

		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}

		log.Printf("[saga] run %s step %s attempt %d failed: %v", st.run.ID, step.Name, attempts, err)
		if attempts >= step.MaxAttempts() {
			return nil, fmt.Errorf("%w: step %s after %d attempts: %v", ErrActionFailed, step.Name, attempts, err)
		}
		if !c.sleep(ctx, retryDelay.NextBackOff()) {
			return nil, ErrCancelled
		}
	}
}

// compensate unwinds completed steps in strict reverse order. Every
// compensation is attempted exactly once; failures are logged and never
// halt the pass.
func (c *Coordinator) compensate(st *runState) {
	st.mu.Lock()
	completed := append([]string(nil), st.run.Completed...)
	def := st.definition
	data := st.run.Data
	st.mu.Unlock()

	// Cancellation must not abort the unwind; compensations run on a
	// background context bounded per step.
	ctx := context.Background()

	for i := len(completed) - 1; i >= 0; i-- {
		name := completed[i]
		step := def.Step(name)
		if step == nil || step.Compensation == "" {
			continue
		}

		err := c.compensateStep(ctx, st, step, data)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrCompensationFailed, err)
			log.Printf("[saga] run %s compensation %s for step %s failed: %v", st.run.ID, step.Compensation, name, err)
			c.emit(st, events.Event{
				Type:    events.SagaCompensationFailed,
				RunID:   st.run.ID,
				Step:    name,
				Err:     err.Error(),
				Message: fmt.Sprintf("compensation for step %s failed", name),
			})
			continue
		}

		c.emit(st, events.Event{
			Type:    events.SagaStepCompensated,
			RunID:   st.run.ID,
			Step:    name,
			Message: fmt.Sprintf("step %s compensated", name),
		})
	}

	st.mu.Lock()
	st.transitionLocked(models.SagaStateCompensated)
	st.mu.Unlock()

	c.emit(st, events.Event{
		Type:    events.SagaCompensated,
		RunID:   st.run.ID,
		Message: "saga compensated",
	})
}

// compensateStep dispatches one compensating action, never retrying. A
// missing worker counts as a compensation failure.
func (c *Coordinator) compensateStep(ctx context.Context, st *runState, step *models.SagaStep, data map[string]any) error {
	worker, err := c.registry.FindMatch([]string{step.Capability})
	if err != nil {
		return fmt.Errorf("no worker for compensation: %w", err)
	}

	c.registry.Reserve(worker.ID, 1)
	_, err = c.dispatch(ctx, worker.ID, step.Compensation, data, step.Timeout)
	c.registry.RecordOutcome(worker.ID, err == nil, -1)
	return err
}

// dispatch invokes the worker protocol with the step timeout applied.
func (c *Coordinator) dispatch(ctx context.Context, workerID, action string, input map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.dispatcher.ExecuteAction(stepCtx, workerID, action, input)
}

// stepInput derives the forward action's input from the accumulated data.
func (c *Coordinator) stepInput(st *runState, fn InputFunc) map[string]any {
	st.mu.Lock()
	snapshot := make(map[string]any, len(st.run.Data))
	for k, v := range st.run.Data {
		snapshot[k] = v
	}
	st.mu.Unlock()

	if fn == nil {
		return snapshot
	}
	return fn(snapshot)
}

// finish fires the terminal callback exactly once, archives the run, and
// emits saga:failed for compensated runs.
func (c *Coordinator) finish(st *runState, sub Submission) {
	st.mu.Lock()
	now := time.Now()
	st.run.FinishedAt = &now
	runCopy := *st.run
	runCopy.Completed = append([]string(nil), st.run.Completed...)
	st.mu.Unlock()

	if runCopy.State == models.SagaStateCompleted {
		if sub.OnSuccess != nil {
			sub.OnSuccess(&runCopy)
		}
	} else {
		c.emit(st, events.Event{
			Type:    events.SagaFailed,
			RunID:   runCopy.ID,
			Step:    runCopy.FailedStep,
			Err:     runCopy.Error,
			Message: "saga failed and was compensated",
		})
		if sub.OnFailure != nil {
			sub.OnFailure(&runCopy)
		}
	}

	c.archive(&runCopy)
}

// archive writes a terminal run through the kv boundary, best effort.
func (c *Coordinator) archive(run *models.SagaRun) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(run)
	if err != nil {
		log.Printf("[saga] archive run %s: %v", run.ID, err)
		return
	}
	if _, err := c.store.Set("saga/"+run.ID, raw); err != nil {
		log.Printf("[saga] archive run %s: %v", run.ID, err)
	}
}

// emit publishes to the bus and appends to the run's bounded history.
func (c *Coordinator) emit(st *runState, e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	st.mu.Lock()
	st.history = append(st.history, e)
	if len(st.history) > c.cfg.HistoryLimit {
		st.history = st.history[len(st.history)-c.cfg.HistoryLimit:]
	}
	st.mu.Unlock()

	c.bus.Publish(e)
}

// sleep waits for d or until ctx is done. Returns false on cancellation.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// newRetryBackoff builds the 2^(attempt-1) step-retry schedule.
func (c *Coordinator) newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// newMatchBackoff builds the jittered no-worker re-poll schedule.
func (c *Coordinator) newMatchBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MatchRetryInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 1.5
	b.MaxInterval = 10 * c.cfg.MatchRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// transitionLocked moves the run to next, asserting the state machine.
// Caller must hold st.mu.
func (st *runState) transitionLocked(next models.SagaState) {
	if !st.run.State.CanTransition(next) {
		log.Printf("[saga] run %s: illegal transition %s -> %s ignored", st.run.ID, st.run.State, next)
		return
	}
	st.run.State = next
}

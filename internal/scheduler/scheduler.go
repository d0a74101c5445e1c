// Package scheduler decomposes problems into dependency graphs of
// sub-tasks, distributes ready tasks across capability-matched workers,
// reassigns on worker failure, and hands completed results to the
// consensus validator.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexius/maestro/internal/consensus"
	"github.com/cortexius/maestro/internal/events"
	"github.com/cortexius/maestro/internal/executor"
	"github.com/cortexius/maestro/internal/kv"
	"github.com/cortexius/maestro/internal/registry"
	"github.com/cortexius/maestro/pkg/models"
)

// ErrProblemNotFound indicates an unknown problem id.
var ErrProblemNotFound = errors.New("scheduler: problem not found")

// ErrDependencyUnsatisfiable indicates a sub-task can never be scheduled
// because a dependency failed permanently.
var ErrDependencyUnsatisfiable = errors.New("scheduler: dependency unsatisfiable")

// Config tunes scheduling behavior. Zero values take defaults.
type Config struct {
	// MaxTaskAttempts is the per-task retry ceiling. Default 3.
	MaxTaskAttempts int
	// TaskTimeout bounds a single dispatch. Default 60s.
	TaskTimeout time.Duration
	// PollInterval is the base for the jittered re-poll when no worker is
	// available or nothing is ready. Default 50ms.
	PollInterval time.Duration
	// HistoryLimit bounds the per-problem event history. Default 64.
	HistoryLimit int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxTaskAttempts <= 0 {
		out.MaxTaskAttempts = 3
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = 60 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 50 * time.Millisecond
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = 64
	}
	return out
}

// Status is a point-in-time snapshot of a problem.
type Status struct {
	// Problem is a copy of the submitted problem.
	Problem models.Problem
	// State is the current lifecycle state.
	State models.ProblemState
	// PercentComplete is the fraction of sub-tasks in a terminal state.
	PercentComplete float64
	// Tasks are copies of every sub-task.
	Tasks []models.SubTask
	// Solution is set once the problem is solved.
	Solution *models.Solution
	// FailReason is set once the problem has failed.
	FailReason string
	// History holds the problem's recent lifecycle events, oldest first.
	History []events.Event
}

// taskResult is one dispatch outcome delivered back to the problem loop.
type taskResult struct {
	taskID   string
	workerID string
	attempt  int
	output   map[string]any
	err      error
	took     time.Duration
}

// problemState is the mutable aggregate for one problem. All fields are
// guarded by mu. Cross-aggregate operations lock the problem before the
// registry, never the other way around.
type problemState struct {
	mu          sync.Mutex
	problem     *models.Problem
	strategy    Strategy
	state       models.ProblemState
	graph       *TaskGraph
	history     []events.Event
	cancel      context.CancelFunc
	cancelled   bool
	progressAt  time.Time
	startedAt   time.Time
	round       int
	running     int
	maxParallel int
	computeTime time.Duration
	failReason  string
	solution    *models.Solution
	trigger     chan struct{}
	extraSeq    int
}

// wake nudges the problem loop without blocking.
func (st *problemState) wake() {
	select {
	case st.trigger <- struct{}{}:
	default:
	}
}

// Scheduler owns problem execution. Each submitted problem runs on its own
// goroutine; different problems proceed fully in parallel.
type Scheduler struct {
	registry   *registry.Registry
	dispatcher executor.Dispatcher
	bus        *events.Bus
	store      kv.Store
	validator  *consensus.Validator
	strategies *Strategies
	cfg        Config

	mu       sync.RWMutex
	problems map[string]*problemState
	wg       sync.WaitGroup

	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a Scheduler and hooks it into the registry's worker-lost
// notifications. The store archives terminal problems and may be nil.
func New(reg *registry.Registry, dispatcher executor.Dispatcher, bus *events.Bus, store kv.Store, validator *consensus.Validator, strategies *Strategies, cfg Config) *Scheduler {
	s := &Scheduler{
		registry:   reg,
		dispatcher: dispatcher,
		bus:        bus,
		store:      store,
		validator:  validator,
		strategies: strategies,
		cfg:        cfg.withDefaults(),
		problems:   make(map[string]*problemState),
		debugLog:   func(format string, args ...interface{}) {},
	}
	reg.OnWorkerLost(s.handleWorkerLost)
	return s
}

// SetDebugLog sets the debug logging function.
func (s *Scheduler) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// Strategies returns the strategy registry so callers can add problem types.
func (s *Scheduler) Strategies() *Strategies {
	return s.strategies
}

// Submit decomposes the problem and starts its scheduling loop. The call is
// non-blocking; returns the problem id.
func (s *Scheduler) Submit(ctx context.Context, p *models.Problem) (string, error) {
	strategy, err := s.strategies.Lookup(p.Type)
	if err != nil {
		return "", err
	}

	prob := *p
	if prob.ID == "" {
		prob.ID = uuid.New().String()[:8]
	}
	prob.SubmittedAt = time.Now()

	tasks, err := strategy.Decompose(&prob)
	if err != nil {
		return "", fmt.Errorf("decompose problem %s: %w", prob.ID, err)
	}
	graph := NewTaskGraph()
	if err := graph.Build(tasks); err != nil {
		return "", fmt.Errorf("build task graph for %s: %w", prob.ID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	st := &problemState{
		problem:    &prob,
		strategy:   strategy,
		state:      models.ProblemStateRunning,
		graph:      graph,
		cancel:     cancel,
		progressAt: now,
		startedAt:  now,
		round:      1,
		trigger:    make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.problems[prob.ID] = st
	s.mu.Unlock()

	s.emit(st, events.Event{
		Type:    events.ProblemStarted,
		RunID:   prob.ID,
		Message: fmt.Sprintf("problem %s decomposed into %d tasks", prob.Type, len(tasks)),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(runCtx, st)
	}()

	return prob.ID, nil
}

// Status returns a snapshot of the problem, or ErrProblemNotFound.
func (s *Scheduler) Status(problemID string) (*Status, error) {
	s.mu.RLock()
	st, ok := s.problems[problemID]
	s.mu.RUnlock()
	if !ok {
		return s.archivedStatus(problemID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	tasks := st.graph.Tasks()
	taskCopies := make([]models.SubTask, 0, len(tasks))
	terminal := 0
	for _, t := range tasks {
		taskCopies = append(taskCopies, *t)
		if t.Status.Terminal() {
			terminal++
		}
	}
	sort.Slice(taskCopies, func(i, j int) bool { return taskCopies[i].ID < taskCopies[j].ID })

	percent := 1.0
	if len(tasks) > 0 {
		percent = float64(terminal) / float64(len(tasks))
	}

	return &Status{
		Problem:         *st.problem,
		State:           st.state,
		PercentComplete: percent,
		Tasks:           taskCopies,
		Solution:        st.solution,
		FailReason:      st.failReason,
		History:         append([]events.Event(nil), st.history...),
	}, nil
}

// archivedStatus reads a terminal problem back from the kv store.
func (s *Scheduler) archivedStatus(problemID string) (*Status, error) {
	if s.store == nil {
		return nil, ErrProblemNotFound
	}
	entry, err := s.store.Get("problem/" + problemID)
	if err != nil {
		return nil, ErrProblemNotFound
	}
	var archived struct {
		Problem    models.Problem   `json:"problem"`
		State      models.ProblemState `json:"state"`
		FailReason string           `json:"fail_reason,omitempty"`
		Solution   *models.Solution `json:"solution,omitempty"`
	}
	if err := json.Unmarshal(entry.Value, &archived); err != nil {
		return nil, fmt.Errorf("scheduler: decode archived problem %s: %w", problemID, err)
	}
	return &Status{
		Problem:         archived.Problem,
		State:           archived.State,
		PercentComplete: 1,
		Solution:        archived.Solution,
		FailReason:      archived.FailReason,
	}, nil
}

// Cancel flags the problem; in-flight dispatches are cancelled and late
// results discarded.
func (s *Scheduler) Cancel(problemID string) error {
	s.mu.RLock()
	st, ok := s.problems[problemID]
	s.mu.RUnlock()
	if !ok {
		return ErrProblemNotFound
	}

	st.mu.Lock()
	st.cancelled = true
	cancel := st.cancel
	st.mu.Unlock()

	cancel()
	return nil
}

// Stalled returns the ids of non-terminal problems without progress since
// the given window. Used by the engine's health check.
func (s *Scheduler) Stalled(window time.Duration) []string {
	cutoff := time.Now().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, st := range s.problems {
		st.mu.Lock()
		if !st.state.Terminal() && st.progressAt.Before(cutoff) {
			out = append(out, id)
		}
		st.mu.Unlock()
	}
	return out
}

// Wait blocks until all submitted problems have reached a terminal state.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// run is the scheduling loop for one problem. Dispatches are fire-and-
// forget; completions arrive on resultCh and the loop keeps assigning other
// ready tasks in the interim.
func (s *Scheduler) run(ctx context.Context, st *problemState) {
	resultCh := make(chan taskResult, 64)

	for {
		st.mu.Lock()
		cancelled := st.cancelled || ctx.Err() != nil
		st.mu.Unlock()
		if cancelled {
			s.fail(st, "cancelled")
			return
		}

		s.scheduleReady(ctx, st, resultCh)

		if done := s.checkCompletion(st); done {
			return
		}

		select {
		case <-ctx.Done():
			// Handled at the top of the loop.
		case res := <-resultCh:
			s.handleResult(st, res)
			// Drain any further buffered results before rescheduling.
		drain:
			for {
				select {
				case more := <-resultCh:
					s.handleResult(st, more)
				default:
					break drain
				}
			}
		case <-st.trigger:
		case <-time.After(s.jitteredPoll()):
		}
	}
}

// jitteredPoll spreads re-poll wakeups to avoid thundering herds across
// problem loops.
func (s *Scheduler) jitteredPoll() time.Duration {
	base := s.cfg.PollInterval
	return base/2 + time.Duration(rand.Int63n(int64(base)))
}

// scheduleReady offers every ready task to the registry and dispatches on a
// match. A NoWorkerAvailable answer leaves the task pending; the loop
// re-polls with jittered delay (the registry answer is the backpressure
// signal).
func (s *Scheduler) scheduleReady(ctx context.Context, st *problemState, resultCh chan<- taskResult) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state != models.ProblemStateRunning {
		return
	}

	ready := st.graph.Ready()
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

	for _, task := range ready {
		worker, err := s.registry.FindMatch([]string{task.Capability})
		if err != nil {
			s.debugLog("[scheduler] problem %s: no worker for %s (capability %s)", st.problem.ID, task.ID, task.Capability)
			continue
		}

		task.Status = models.TaskStatusAssigned
		task.AssignedTo = worker.ID
		task.Attempts++
		s.registry.Reserve(worker.ID, task.EstimatedCost)

		st.running++
		if st.running > st.maxParallel {
			st.maxParallel = st.running
		}

		s.emitLocked(st, events.Event{
			Type:     events.TaskScheduled,
			RunID:    st.problem.ID,
			TaskID:   task.ID,
			WorkerID: worker.ID,
			Message:  fmt.Sprintf("task %s assigned to %s (attempt %d)", task.ID, worker.ID, task.Attempts),
		})

		go s.dispatch(ctx, st, task.ID, worker.ID, task.Attempts, task.Action, task.Input, task.EstimatedCost, resultCh)
	}
}

// dispatch runs one worker call and reports the outcome. The task is moved
// to running just before the call; a task reset by worker loss in the
// meantime is left alone and the eventual result discarded by attempt
// stamping.
func (s *Scheduler) dispatch(ctx context.Context, st *problemState, taskID, workerID string, attempt int, action string, input map[string]any, cost float64, resultCh chan<- taskResult) {
	st.mu.Lock()
	task := st.graph.Task(taskID)
	if task != nil && task.Status == models.TaskStatusAssigned && task.Attempts == attempt {
		task.Status = models.TaskStatusRunning
	}
	st.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	started := time.Now()
	output, err := s.dispatcher.ExecuteAction(taskCtx, workerID, action, input)

	res := taskResult{
		taskID:   taskID,
		workerID: workerID,
		attempt:  attempt,
		output:   output,
		err:      err,
		took:     time.Since(started),
	}
	select {
	case resultCh <- res:
	case <-ctx.Done():
	}
}

// handleResult applies one dispatch outcome. Late results from superseded
// attempts or reset tasks are discarded rather than applied.
func (s *Scheduler) handleResult(st *problemState, res taskResult) {
	st.mu.Lock()

	task := st.graph.Task(res.taskID)
	if task == nil || task.Attempts != res.attempt || task.Status != models.TaskStatusRunning {
		st.mu.Unlock()
		s.debugLog("[scheduler] problem %s: discarding stale result for task %s attempt %d", st.problem.ID, res.taskID, res.attempt)
		return
	}

	st.running--
	st.computeTime += res.took
	st.progressAt = time.Now()

	if res.err == nil {
		task.Status = models.TaskStatusCompleted
		task.Result = res.output
		task.AssignedTo = res.workerID
		task.Error = ""
		st.graph.MarkComplete(task.ID)

		s.emitLocked(st, events.Event{
			Type:     events.TaskCompleted,
			RunID:    st.problem.ID,
			TaskID:   task.ID,
			WorkerID: res.workerID,
			Message:  fmt.Sprintf("task %s completed in %s", task.ID, res.took.Round(time.Millisecond)),
		})
		cost := task.EstimatedCost
		st.mu.Unlock()

		// Registry after aggregate: fixed lock order, task before worker.
		s.registry.RecordOutcome(res.workerID, true, -cost)
		st.wake()
		return
	}

	task.Error = res.err.Error()

	if task.Attempts < s.cfg.MaxTaskAttempts {
		task.Status = models.TaskStatusPending
		task.AssignedTo = ""
		s.emitLocked(st, events.Event{
			Type:     events.TaskFailed,
			RunID:    st.problem.ID,
			TaskID:   task.ID,
			WorkerID: res.workerID,
			Err:      res.err.Error(),
			Message:  fmt.Sprintf("task %s attempt %d failed, retrying", task.ID, res.attempt),
		})
		cost := task.EstimatedCost
		st.mu.Unlock()

		s.registry.RecordOutcome(res.workerID, false, -cost)
		st.wake()
		return
	}

	// Retry ceiling reached: the task fails permanently, which fails the
	// owning problem and cancels its remaining work.
	task.Status = models.TaskStatusFailed
	reason := fmt.Sprintf("task %s failed permanently after %d attempts: %v", task.ID, task.Attempts, res.err)
	s.emitLocked(st, events.Event{
		Type:     events.TaskFailed,
		RunID:    st.problem.ID,
		TaskID:   task.ID,
		WorkerID: res.workerID,
		Err:      res.err.Error(),
		Message:  reason,
	})
	cost := task.EstimatedCost
	st.mu.Unlock()

	s.registry.RecordOutcome(res.workerID, false, -cost)
	s.fail(st, reason)
}

// checkCompletion finalizes the problem when every task is terminal. A
// validation round that falls short of agreement spawns one extra solver
// round while the budget lasts.
func (s *Scheduler) checkCompletion(st *problemState) bool {
	st.mu.Lock()

	if st.state.Terminal() {
		st.mu.Unlock()
		return true
	}

	tasks := st.graph.Tasks()
	for _, t := range tasks {
		if !t.Status.Terminal() {
			st.mu.Unlock()
			return false
		}
		if t.Status == models.TaskStatusFailed {
			reason := t.Error
			st.mu.Unlock()
			s.fail(st, fmt.Sprintf("task %s failed: %s", t.ID, reason))
			return true
		}
	}

	st.state = models.ProblemStateValidating
	round := st.round
	policy := st.strategy.Policy()
	problem := st.problem
	startedAt := st.startedAt
	computeTime := st.computeTime
	parallelism := st.maxParallel
	st.mu.Unlock()

	verdict := s.validator.Validate(problem, tasks, policy, round, startedAt, computeTime, parallelism)

	if verdict.NeedsMoreRounds {
		s.spawnExtraRound(st, verdict.Ratio)
		return false
	}

	st.mu.Lock()
	st.state = models.ProblemStateSolved
	st.solution = verdict.Solution
	st.progressAt = time.Now()
	s.emitLocked(st, events.Event{
		Type:    events.ProblemSolved,
		RunID:   st.problem.ID,
		Message: fmt.Sprintf("solved with confidence %.2f (agreement %.2f)", verdict.Solution.Confidence, verdict.Solution.Consensus.Ratio),
	})
	st.mu.Unlock()

	s.archive(st)
	return true
}

// spawnExtraRound clones the redundant solver tasks for another attempt at
// agreement. Clones share the originals' dependencies.
func (s *Scheduler) spawnExtraRound(st *problemState, ratio float64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.round++
	st.state = models.ProblemStateRunning
	st.progressAt = time.Now()

	var clones []*models.SubTask
	for _, t := range st.graph.Tasks() {
		if !t.Redundant || t.Status != models.TaskStatusCompleted {
			continue
		}
		st.extraSeq++
		clones = append(clones, &models.SubTask{
			ID:            fmt.Sprintf("%s-r%d-%d", t.ID, st.round, st.extraSeq),
			ProblemID:     t.ProblemID,
			Capability:    t.Capability,
			Action:        t.Action,
			Input:         t.Input,
			DependsOn:     append([]string(nil), t.DependsOn...),
			EstimatedCost: t.EstimatedCost,
			Redundant:     true,
			Status:        models.TaskStatusPending,
		})
	}

	if err := st.graph.Add(clones); err != nil {
		log.Printf("[scheduler] problem %s: adding round %d solvers: %v", st.problem.ID, st.round, err)
		return
	}

	s.debugLog("[scheduler] problem %s: agreement %.2f too low, spawned %d extra solvers (round %d)", st.problem.ID, ratio, len(clones), st.round)
	st.wake()
}

// fail moves the problem to its failed terminal state exactly once and
// cancels remaining in-flight work.
func (s *Scheduler) fail(st *problemState, reason string) {
	st.mu.Lock()
	if st.state.Terminal() {
		st.mu.Unlock()
		return
	}
	st.state = models.ProblemStateFailed
	st.failReason = reason
	st.progressAt = time.Now()
	cancel := st.cancel

	// Return the reservations held by in-flight tasks. Their dispatches are
	// cancelled below and any late results discarded by the status check in
	// handleResult.
	type reservation struct {
		workerID string
		cost     float64
	}
	var held []reservation
	for _, t := range st.graph.Tasks() {
		if t.Status != models.TaskStatusAssigned && t.Status != models.TaskStatusRunning {
			continue
		}
		held = append(held, reservation{t.AssignedTo, t.EstimatedCost})
		t.Status = models.TaskStatusPending
		t.AssignedTo = ""
		st.running--
	}

	s.emitLocked(st, events.Event{
		Type:    events.ProblemFailed,
		RunID:   st.problem.ID,
		Err:     reason,
		Message: "problem failed",
	})
	st.mu.Unlock()

	cancel()
	for _, res := range held {
		s.registry.Release(res.workerID, res.cost)
	}
	s.archive(st)
}

// handleWorkerLost resets every task assigned to the lost worker back to
// pending for reassignment. A task whose capability no other live worker
// covers fails immediately, failing its problem deterministically.
func (s *Scheduler) handleWorkerLost(workerID string) {
	s.mu.RLock()
	states := make([]*problemState, 0, len(s.problems))
	for _, st := range s.problems {
		states = append(states, st)
	}
	s.mu.RUnlock()

	for _, st := range states {
		var failReason string

		st.mu.Lock()
		if st.state.Terminal() {
			st.mu.Unlock()
			continue
		}
		for _, task := range st.graph.Tasks() {
			if task.AssignedTo != workerID {
				continue
			}
			if task.Status != models.TaskStatusAssigned && task.Status != models.TaskStatusRunning {
				continue
			}

			if !s.capabilityCovered(task.Capability) {
				st.running--
				task.Status = models.TaskStatusFailed
				task.Error = fmt.Sprintf("worker %s lost and no replacement covers capability %s", workerID, task.Capability)
				failReason = task.Error
				continue
			}

			log.Printf("[scheduler] problem %s: reassigning task %s after loss of worker %s", st.problem.ID, task.ID, workerID)
			st.running--
			task.Status = models.TaskStatusPending
			task.AssignedTo = ""
			task.Attempts++
		}
		st.mu.Unlock()

		if failReason != "" {
			s.fail(st, failReason)
		} else {
			st.wake()
		}
	}
}

// capabilityCovered reports whether any non-offline worker declares the
// capability, regardless of current load.
func (s *Scheduler) capabilityCovered(capability string) bool {
	for _, w := range s.registry.List() {
		if w.Status != models.WorkerStatusOffline && w.HasCapabilities([]string{capability}) {
			return true
		}
	}
	return false
}

// archive writes a terminal problem through the kv boundary, best effort.
func (s *Scheduler) archive(st *problemState) {
	if s.store == nil {
		return
	}

	st.mu.Lock()
	record := struct {
		Problem    models.Problem      `json:"problem"`
		State      models.ProblemState `json:"state"`
		FailReason string              `json:"fail_reason,omitempty"`
		Solution   *models.Solution    `json:"solution,omitempty"`
	}{
		Problem:    *st.problem,
		State:      st.state,
		FailReason: st.failReason,
		Solution:   st.solution,
	}
	id := st.problem.ID
	st.mu.Unlock()

	raw, err := json.Marshal(record)
	if err != nil {
		log.Printf("[scheduler] archive problem %s: %v", id, err)
		return
	}
	if _, err := s.store.Set("problem/"+id, raw); err != nil {
		log.Printf("[scheduler] archive problem %s: %v", id, err)
	}
}

// emit publishes to the bus and appends to the problem's bounded history.
func (s *Scheduler) emit(st *problemState, e events.Event) {
	st.mu.Lock()
	s.emitLocked(st, e)
	st.mu.Unlock()
}

// emitLocked is emit for callers already holding st.mu.
func (s *Scheduler) emitLocked(st *problemState, e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	st.history = append(st.history, e)
	if len(st.history) > s.cfg.HistoryLimit {
		st.history = st.history[len(st.history)-s.cfg.HistoryLimit:]
	}
	s.bus.Publish(e)
}

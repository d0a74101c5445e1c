package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cortexius/maestro/internal/consensus"
	"github.com/cortexius/maestro/internal/events"
	"github.com/cortexius/maestro/internal/executor"
	"github.com/cortexius/maestro/internal/kv"
	"github.com/cortexius/maestro/internal/registry"
	"github.com/cortexius/maestro/pkg/models"
)

// fakeDispatcher simulates worker action execution. Calls are recorded as
// "worker/action"; a worker named in blockWorker or an action named in
// blockAction hangs until its context is cancelled.
type fakeDispatcher struct {
	mu          sync.Mutex
	calls       []string
	fail        map[string]int // action -> remaining failures
	optValues   []float64      // successive "optimize" return values
	optCalls    int
	blockWorker string
	blockAction string
}

func (f *fakeDispatcher) ExecuteAction(ctx context.Context, workerID, action string, input map[string]any) (map[string]any, error) {
	f.mu.Lock()
	block := workerID == f.blockWorker || (f.blockAction != "" && action == f.blockAction)
	if !block {
		f.calls = append(f.calls, workerID+"/"+action)
		if f.fail[action] > 0 {
			f.fail[action]--
			f.mu.Unlock()
			return nil, errors.New("simulated action failure")
		}
	}
	var value float64
	if action == "optimize" {
		idx := f.optCalls
		if idx >= len(f.optValues) {
			idx = len(f.optValues) - 1
		}
		if idx >= 0 {
			value = f.optValues[idx]
		}
		f.optCalls++
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	switch action {
	case "optimize":
		return map[string]any{"value": value}, nil
	case "aggregate":
		return map[string]any{"answer": "aggregated"}, nil
	default:
		return map[string]any{"ok": true}, nil
	}
}

func (f *fakeDispatcher) rawCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDispatcher) actions() []string {
	calls := f.rawCalls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c[strings.Index(c, "/")+1:]
	}
	return out
}

// chainStrategy decomposes into a strict a -> b -> c pipeline, used to
// verify dependency ordering.
type chainStrategy struct{}

func (chainStrategy) Decompose(p *models.Problem) ([]*models.SubTask, error) {
	a := &models.SubTask{ID: p.ID + "-a", ProblemID: p.ID, Capability: "chain", Action: "a", EstimatedCost: 1, Status: models.TaskStatusPending}
	b := &models.SubTask{ID: p.ID + "-b", ProblemID: p.ID, Capability: "chain", Action: "b", DependsOn: []string{a.ID}, EstimatedCost: 1, Status: models.TaskStatusPending}
	c := &models.SubTask{ID: p.ID + "-c", ProblemID: p.ID, Capability: "chain", Action: "c", DependsOn: []string{b.ID}, EstimatedCost: 1, Status: models.TaskStatusPending}
	return []*models.SubTask{a, b, c}, nil
}

func (chainStrategy) Policy() consensus.Policy { return consensus.MajorityVote{} }

// forkStrategy decomposes into two independent tasks so one can fail while
// the other is still in flight.
type forkStrategy struct{}

func (forkStrategy) Decompose(p *models.Problem) ([]*models.SubTask, error) {
	a := &models.SubTask{ID: p.ID + "-boom", ProblemID: p.ID, Capability: "fork", Action: "boom", EstimatedCost: 1, Status: models.TaskStatusPending}
	b := &models.SubTask{ID: p.ID + "-linger", ProblemID: p.ID, Capability: "fork", Action: "linger", EstimatedCost: 1, Status: models.TaskStatusPending}
	return []*models.SubTask{a, b}, nil
}

func (forkStrategy) Policy() consensus.Policy { return consensus.MajorityVote{} }

func fastSchedConfig() Config {
	return Config{
		TaskTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

func schedWorker(id string, maxLoad float64, caps ...string) *models.WorkerAgent {
	return &models.WorkerAgent{ID: id, Capabilities: caps, MaxLoad: maxLoad}
}

func schedSetup(t *testing.T, disp executor.Dispatcher, extraRounds int, workers ...*models.WorkerAgent) (*Scheduler, *registry.Registry, kv.Store) {
	t.Helper()

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	reg := registry.New(bus)
	for _, w := range workers {
		if err := reg.Register(w); err != nil {
			t.Fatalf("Register(%s) error = %v", w.ID, err)
		}
	}

	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	s := New(reg, disp, bus, store, &consensus.Validator{MaxExtraRounds: extraRounds}, NewStrategies(), fastSchedConfig())
	s.Strategies().Register("chain", chainStrategy{})
	s.Strategies().Register("fork", forkStrategy{})
	return s, reg, store
}

func waitWorkerLoad(t *testing.T, reg *registry.Registry, id string, want float64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		w := reg.Get(id)
		if w == nil {
			t.Fatalf("worker %s not registered", id)
		}
		if w.CurrentLoad == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("worker %s load = %v, want %v", id, w.CurrentLoad, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitProblem(t *testing.T, s *Scheduler, id string, want models.ProblemState) *Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			st, _ := s.Status(id)
			t.Fatalf("problem %s never reached %s, last status %+v", id, want, st)
		case <-time.After(5 * time.Millisecond):
		}
		st, err := s.Status(id)
		if err != nil {
			t.Fatalf("Status(%s) error = %v", id, err)
		}
		if st.State == want {
			return st
		}
		if st.State.Terminal() {
			t.Fatalf("problem %s settled at %s (reason %q), want %s", id, st.State, st.FailReason, want)
		}
	}
}

func TestOptimizationProblemEndToEnd(t *testing.T) {
	disp := &fakeDispatcher{optValues: []float64{10.0, 10.1, 9.9, 10.05}}
	s, _, _ := schedSetup(t, disp, 0,
		schedWorker("w1", 4, "optimize", "aggregate"),
		schedWorker("w2", 4, "optimize", "aggregate"),
		schedWorker("w3", 4, "optimize", "aggregate"),
		schedWorker("w4", 4, "optimize", "aggregate"),
	)

	id, err := s.Submit(context.Background(), &models.Problem{
		Type:       "optimization",
		Complexity: "medium",
		Payload:    map[string]any{"target": "min"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	st := waitProblem(t, s, id, models.ProblemStateSolved)

	if st.Solution == nil {
		t.Fatal("solved problem has no solution")
	}
	if !st.Solution.Consensus.Achieved {
		t.Errorf("expected consensus, got ratio %v", st.Solution.Consensus.Ratio)
	}
	if len(st.Solution.Consensus.Votes) != 4 {
		t.Errorf("expected 4 votes, got %d", len(st.Solution.Consensus.Votes))
	}
	if st.Solution.Result["answer"] != "aggregated" {
		t.Errorf("solution result missing aggregate output: %v", st.Solution.Result)
	}
	if st.Solution.Performance.Parallelism != 4 {
		t.Errorf("peak parallelism = %d, want 4 (solvers run concurrently)", st.Solution.Performance.Parallelism)
	}
	if st.PercentComplete != 1 {
		t.Errorf("PercentComplete = %v, want 1", st.PercentComplete)
	}
}

func TestDependencyOrdering(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _, _ := schedSetup(t, disp, 0, schedWorker("w1", 4, "chain"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "chain"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitProblem(t, s, id, models.ProblemStateSolved)

	want := []string{"a", "b", "c"}
	got := disp.actions()
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("actions = %v, want %v (dependencies must complete first)", got, want)
		}
	}
}

func TestTaskRetrySucceedsWithinBudget(t *testing.T) {
	disp := &fakeDispatcher{fail: map[string]int{"b": 2}}
	s, _, _ := schedSetup(t, disp, 0, schedWorker("w1", 4, "chain"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "chain"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	st := waitProblem(t, s, id, models.ProblemStateSolved)

	for _, task := range st.Tasks {
		if task.Action == "b" && task.Attempts != 3 {
			t.Errorf("task b attempts = %d, want 3 (failed twice, succeeded third)", task.Attempts)
		}
	}
}

func TestTaskRetryCeilingFailsProblem(t *testing.T) {
	disp := &fakeDispatcher{fail: map[string]int{"b": 10}}
	s, _, _ := schedSetup(t, disp, 0, schedWorker("w1", 4, "chain"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "chain"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	st := waitProblem(t, s, id, models.ProblemStateFailed)

	if !strings.Contains(st.FailReason, "after 3 attempts") {
		t.Errorf("FailReason = %q, want retry ceiling mention", st.FailReason)
	}
	for _, task := range st.Tasks {
		switch task.Action {
		case "b":
			if task.Status != models.TaskStatusFailed {
				t.Errorf("task b status = %s, want failed", task.Status)
			}
			if task.Attempts != 3 {
				t.Errorf("task b attempts = %d, want 3", task.Attempts)
			}
		case "c":
			if task.Status != models.TaskStatusPending {
				t.Errorf("task c status = %s, want pending (never scheduled)", task.Status)
			}
		}
	}

	for _, a := range disp.actions() {
		if a == "c" {
			t.Error("task c ran despite its dependency failing permanently")
		}
	}
}

func TestWorkerLostTaskReassigned(t *testing.T) {
	disp := &fakeDispatcher{blockWorker: "w-dead"}
	// Identical load and success rate: the registry breaks the tie by ID,
	// so w-dead is picked first.
	s, reg, _ := schedSetup(t, disp, 0,
		schedWorker("w-dead", 1, "chain"),
		schedWorker("w-live", 1, "chain"),
	)

	id, err := s.Submit(context.Background(), &models.Problem{Type: "chain"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Wait until the blocked worker holds the first task, then lose it.
	deadline := time.After(2 * time.Second)
	for {
		st, err := s.Status(id)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		assigned := false
		for _, task := range st.Tasks {
			if task.AssignedTo == "w-dead" {
				assigned = true
			}
		}
		if assigned {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never assigned to w-dead")
		case <-time.After(5 * time.Millisecond):
		}
	}

	reg.MarkStatus("w-dead", models.WorkerStatusOffline)

	st := waitProblem(t, s, id, models.ProblemStateSolved)
	for _, task := range st.Tasks {
		if task.AssignedTo == "w-dead" {
			t.Errorf("task %s still attributed to the lost worker", task.ID)
		}
	}
	for _, c := range disp.rawCalls() {
		if strings.HasPrefix(c, "w-dead/") {
			t.Errorf("recorded completed call from lost worker: %s", c)
		}
	}
}

func TestWorkerLostNoReplacementFailsProblem(t *testing.T) {
	disp := &fakeDispatcher{blockWorker: "w-only"}
	s, reg, _ := schedSetup(t, disp, 0, schedWorker("w-only", 4, "chain"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "chain"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		st, err := s.Status(id)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if len(st.Tasks) > 0 && st.Tasks[0].AssignedTo == "w-only" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never assigned")
		case <-time.After(5 * time.Millisecond):
		}
	}

	reg.MarkStatus("w-only", models.WorkerStatusOffline)

	st := waitProblem(t, s, id, models.ProblemStateFailed)
	if !strings.Contains(st.FailReason, "no replacement") {
		t.Errorf("FailReason = %q, want capability coverage mention", st.FailReason)
	}
}

func TestConsensusExtraRoundThenAgreement(t *testing.T) {
	// Round one produces one outlier among two solvers; the extra round's
	// clones agree, lifting the ratio over the problem's accuracy target.
	disp := &fakeDispatcher{optValues: []float64{10.0, 99.0, 10.0, 10.0}}
	s, _, _ := schedSetup(t, disp, 1,
		schedWorker("w1", 8, "optimize", "aggregate"),
		schedWorker("w2", 8, "optimize", "aggregate"),
	)

	id, err := s.Submit(context.Background(), &models.Problem{
		Type:           "optimization",
		Complexity:     "low",
		AccuracyTarget: 0.7,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	st := waitProblem(t, s, id, models.ProblemStateSolved)
	sol := st.Solution
	if sol.Consensus.Rounds != 2 {
		t.Errorf("consensus rounds = %d, want 2", sol.Consensus.Rounds)
	}
	if !sol.Consensus.Achieved {
		t.Errorf("expected agreement after the extra round, ratio %v", sol.Consensus.Ratio)
	}
	// Two originals plus two clones.
	if len(sol.Consensus.Votes) != 4 {
		t.Errorf("votes = %d, want 4", len(sol.Consensus.Votes))
	}
}

func TestCancelProblem(t *testing.T) {
	disp := &fakeDispatcher{blockWorker: "w1"}
	s, _, _ := schedSetup(t, disp, 0, schedWorker("w1", 4, "chain"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "chain"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	st := waitProblem(t, s, id, models.ProblemStateFailed)
	if st.FailReason != "cancelled" {
		t.Errorf("FailReason = %q, want cancelled", st.FailReason)
	}
}

func TestStatusUnknownProblem(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _, _ := schedSetup(t, disp, 0)

	if _, err := s.Status("nope"); !errors.Is(err, ErrProblemNotFound) {
		t.Errorf("Status() error = %v, want ErrProblemNotFound", err)
	}
	if err := s.Cancel("nope"); !errors.Is(err, ErrProblemNotFound) {
		t.Errorf("Cancel() error = %v, want ErrProblemNotFound", err)
	}
}

func TestSubmitUnknownProblemType(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _, _ := schedSetup(t, disp, 0)

	if _, err := s.Submit(context.Background(), &models.Problem{Type: "alchemy"}); !errors.Is(err, ErrUnknownProblemType) {
		t.Errorf("Submit() error = %v, want ErrUnknownProblemType", err)
	}
}

func TestArchivedProblemStatus(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _, store := schedSetup(t, disp, 0, schedWorker("w1", 4, "chain"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "chain"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitProblem(t, s, id, models.ProblemStateSolved)

	// A fresh scheduler sharing the store sees the archived terminal record.
	bus := events.NewBus(8)
	defer bus.Close()
	fresh := New(registry.New(bus), disp, bus, store, &consensus.Validator{}, NewStrategies(), fastSchedConfig())

	st, err := fresh.Status(id)
	if err != nil {
		t.Fatalf("archived Status() error = %v", err)
	}
	if st.State != models.ProblemStateSolved {
		t.Errorf("archived state = %s, want solved", st.State)
	}
	if st.Solution == nil || st.Solution.Result["answer"] != "aggregated" {
		t.Errorf("archived solution lost its result: %+v", st.Solution)
	}
}

func TestStalledDetection(t *testing.T) {
	disp := &fakeDispatcher{blockWorker: "w1"}
	s, _, _ := schedSetup(t, disp, 0, schedWorker("w1", 4, "chain"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "chain"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	stalled := s.Stalled(10 * time.Millisecond)
	found := false
	for _, sid := range stalled {
		if sid == id {
			found = true
		}
	}
	if !found {
		t.Errorf("Stalled() = %v, expected %s (no progress while worker blocked)", stalled, id)
	}
	if got := s.Stalled(time.Hour); len(got) != 0 {
		t.Errorf("Stalled(1h) = %v, want empty", got)
	}

	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitProblem(t, s, id, models.ProblemStateFailed)
}

func TestProblemHistoryEvents(t *testing.T) {
	disp := &fakeDispatcher{}
	s, _, _ := schedSetup(t, disp, 0, schedWorker("w1", 4, "chain"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "chain"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	st := waitProblem(t, s, id, models.ProblemStateSolved)

	var types []events.Type
	for _, e := range st.History {
		types = append(types, e.Type)
	}
	if len(types) == 0 || types[0] != events.ProblemStarted {
		t.Fatalf("history should open with %s, got %v", events.ProblemStarted, types)
	}
	if types[len(types)-1] != events.ProblemSolved {
		t.Errorf("history should close with %s, got %v", events.ProblemSolved, types)
	}
	completed := 0
	for _, typ := range types {
		if typ == events.TaskCompleted {
			completed++
		}
	}
	if completed != 3 {
		t.Errorf("%d task-completed events, want 3", completed)
	}
}

func TestProblemEstimatedCostReservation(t *testing.T) {
	disp := &fakeDispatcher{blockWorker: "w1"}
	s, reg, _ := schedSetup(t, disp, 0, schedWorker("w1", 4, "optimize", "aggregate"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "optimization", Complexity: "low"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// The seed task costs 1; the blocked worker should carry that load.
	waitWorkerLoad(t, reg, "w1", 1)

	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitProblem(t, s, id, models.ProblemStateFailed)

	// Cancellation returns the reservation held by the in-flight task.
	waitWorkerLoad(t, reg, "w1", 0)
}

func TestFailedProblemReleasesWorkerLoad(t *testing.T) {
	// One task fails past the retry ceiling while its sibling is still in
	// flight. The sibling's reservation must come back when the problem
	// fails, or the worker's load creeps up with every failed problem until
	// it can never match again.
	disp := &fakeDispatcher{fail: map[string]int{"boom": 10}, blockAction: "linger"}
	s, reg, _ := schedSetup(t, disp, 0, schedWorker("w1", 4, "fork"))

	id, err := s.Submit(context.Background(), &models.Problem{Type: "fork"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	st := waitProblem(t, s, id, models.ProblemStateFailed)
	if !strings.Contains(st.FailReason, "boom") {
		t.Errorf("FailReason = %q, want permanent boom failure", st.FailReason)
	}

	waitWorkerLoad(t, reg, "w1", 0)

	// The worker must still be matchable for the next submission.
	if _, err := reg.FindMatch([]string{"fork"}); err != nil {
		t.Errorf("FindMatch() after failed problem error = %v", err)
	}
}

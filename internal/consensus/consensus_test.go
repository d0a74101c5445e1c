package consensus

import (
	"testing"
	"time"

	"github.com/cortexius/maestro/pkg/models"
)

func TestNumericToleranceAgreement(t *testing.T) {
	policy := NumericTolerance{Tolerance: 0.05}

	// Four close values, one outlier: 4/5 = 0.8 agreement.
	values := []any{100.0, 101.0, 99.5, 100.2, 250.0}
	ratio, representative, agreed := policy.Evaluate(values)

	if ratio != 0.8 {
		t.Errorf("expected ratio 0.8, got %v", ratio)
	}
	rep, ok := representative.(float64)
	if !ok || rep < 99 || rep > 102 {
		t.Errorf("expected representative near 100, got %v", representative)
	}
	wantAgreed := []bool{true, true, true, true, false}
	for i := range wantAgreed {
		if agreed[i] != wantAgreed[i] {
			t.Errorf("candidate %d: agreed = %v, want %v", i, agreed[i], wantAgreed[i])
		}
	}
}

func TestNumericToleranceAllAgree(t *testing.T) {
	policy := NumericTolerance{}
	ratio, _, _ := policy.Evaluate([]any{1.0, 1.0, 1.0})
	if ratio != 1.0 {
		t.Errorf("expected ratio 1.0, got %v", ratio)
	}
}

func TestNumericToleranceNonNumeric(t *testing.T) {
	policy := NumericTolerance{}
	ratio, representative, agreed := policy.Evaluate([]any{"a", "b"})
	if ratio != 0 || representative != nil {
		t.Errorf("expected zero agreement for non-numeric input, got ratio=%v rep=%v", ratio, representative)
	}
	for i, a := range agreed {
		if a {
			t.Errorf("candidate %d unexpectedly agreed", i)
		}
	}
}

func TestMajorityVote(t *testing.T) {
	policy := MajorityVote{}

	ratio, representative, agreed := policy.Evaluate([]any{"blue", "blue", "red", "blue"})
	if ratio != 0.75 {
		t.Errorf("expected ratio 0.75, got %v", ratio)
	}
	if representative != "blue" {
		t.Errorf("expected blue, got %v", representative)
	}
	wantAgreed := []bool{true, true, false, true}
	for i := range wantAgreed {
		if agreed[i] != wantAgreed[i] {
			t.Errorf("candidate %d: agreed = %v, want %v", i, agreed[i], wantAgreed[i])
		}
	}
}

func solverTask(id, worker string, value any) *models.SubTask {
	return &models.SubTask{
		ID:         id,
		Redundant:  true,
		Status:     models.TaskStatusCompleted,
		AssignedTo: worker,
		Result:     map[string]any{"value": value},
	}
}

func TestValidatorThresholdMet(t *testing.T) {
	v := &Validator{}
	p := &models.Problem{ID: "p1", Type: "optimization"}

	tasks := []*models.SubTask{
		solverTask("t1", "w1", 10.0),
		solverTask("t2", "w2", 10.1),
		solverTask("t3", "w3", 10.05),
		solverTask("t4", "w4", 9.95),
	}

	verdict := v.Validate(p, tasks, NumericTolerance{Tolerance: 0.05}, 1, time.Now(), 0, 4)
	if verdict.NeedsMoreRounds {
		t.Fatal("unexpected request for more rounds")
	}
	sol := verdict.Solution
	if !sol.Consensus.Achieved {
		t.Error("expected consensus achieved at ratio 1.0")
	}
	if sol.Consensus.Threshold != DefaultThreshold {
		t.Errorf("expected default threshold %v, got %v", DefaultThreshold, sol.Consensus.Threshold)
	}
	if len(sol.Consensus.Votes) != 4 {
		t.Errorf("expected 4 votes, got %d", len(sol.Consensus.Votes))
	}
	if sol.Performance.Parallelism != 4 {
		t.Errorf("expected parallelism 4, got %d", sol.Performance.Parallelism)
	}
}

func TestValidatorBelowThresholdNoRounds(t *testing.T) {
	// Ratio < 0.8 with no extra rounds configured must still produce a
	// solution, flagged as not achieved.
	v := &Validator{MaxExtraRounds: 0}
	p := &models.Problem{ID: "p1", Type: "optimization"}

	tasks := []*models.SubTask{
		solverTask("t1", "w1", 10.0),
		solverTask("t2", "w2", 50.0),
		solverTask("t3", "w3", 90.0),
	}

	verdict := v.Validate(p, tasks, NumericTolerance{Tolerance: 0.01}, 1, time.Now(), 0, 3)
	if verdict.NeedsMoreRounds {
		t.Fatal("no extra rounds configured, validator must settle")
	}
	if verdict.Solution == nil {
		t.Fatal("expected a low-confidence solution")
	}
	if verdict.Solution.Consensus.Achieved {
		t.Error("expected consensus not achieved")
	}
}

func TestValidatorRequestsExtraRound(t *testing.T) {
	v := &Validator{MaxExtraRounds: 1}
	p := &models.Problem{ID: "p1", Type: "optimization"}

	tasks := []*models.SubTask{
		solverTask("t1", "w1", 10.0),
		solverTask("t2", "w2", 99.0),
	}

	verdict := v.Validate(p, tasks, NumericTolerance{Tolerance: 0.01}, 1, time.Now(), 0, 2)
	if !verdict.NeedsMoreRounds {
		t.Fatal("expected a request for an extra round")
	}

	// Round 2 exceeds the budget: must settle even though agreement is low.
	verdict = v.Validate(p, tasks, NumericTolerance{Tolerance: 0.01}, 2, time.Now(), 0, 2)
	if verdict.NeedsMoreRounds {
		t.Fatal("round budget exhausted, validator must settle")
	}
	if verdict.Solution.Consensus.Rounds != 2 {
		t.Errorf("expected 2 recorded rounds, got %d", verdict.Solution.Consensus.Rounds)
	}
}

func TestValidatorLowConfidencePicksBestCandidate(t *testing.T) {
	v := &Validator{}
	p := &models.Problem{ID: "p1", Type: "optimization"}

	t1 := solverTask("t1", "w1", 10.0)
	t1.Result["confidence"] = 0.3
	t2 := solverTask("t2", "w2", 77.0)
	t2.Result["confidence"] = 0.9

	verdict := v.Validate(p, []*models.SubTask{t1, t2}, NumericTolerance{Tolerance: 0.01}, 1, time.Now(), 0, 2)
	sol := verdict.Solution
	if sol.Consensus.Achieved {
		t.Fatal("expected consensus not achieved")
	}
	if sol.Result["value"] != 77.0 {
		t.Errorf("expected highest-confidence candidate 77.0, got %v", sol.Result["value"])
	}
	if sol.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", sol.Confidence)
	}
}

func TestValidatorAccuracyTargetOverride(t *testing.T) {
	v := &Validator{}
	p := &models.Problem{ID: "p1", AccuracyTarget: 0.5}

	tasks := []*models.SubTask{
		solverTask("t1", "w1", 10.0),
		solverTask("t2", "w2", 10.0),
		solverTask("t3", "w3", 99.0),
	}

	verdict := v.Validate(p, tasks, NumericTolerance{Tolerance: 0.01}, 1, time.Now(), 0, 3)
	if !verdict.Solution.Consensus.Achieved {
		t.Error("expected consensus achieved against lowered target")
	}
	if verdict.Solution.Consensus.Threshold != 0.5 {
		t.Errorf("expected threshold 0.5, got %v", verdict.Solution.Consensus.Threshold)
	}
}

func TestValidatorNoRedundantTasks(t *testing.T) {
	v := &Validator{}
	p := &models.Problem{ID: "p1", Type: "pipeline"}

	agg := &models.SubTask{
		ID:     "final",
		Status: models.TaskStatusCompleted,
		Result: map[string]any{"report": "done"},
	}
	mid := &models.SubTask{
		ID:     "mid",
		Status: models.TaskStatusCompleted,
		Result: map[string]any{"x": 1},
	}
	agg.DependsOn = []string{"mid"}

	verdict := v.Validate(p, []*models.SubTask{mid, agg}, MajorityVote{}, 1, time.Now(), 0, 1)
	sol := verdict.Solution
	if !sol.Consensus.Achieved || sol.Consensus.Ratio != 1 {
		t.Errorf("expected trivial consensus, got %+v", sol.Consensus)
	}
	if sol.Result["report"] != "done" {
		t.Errorf("expected terminal task output as result, got %v", sol.Result)
	}
}

package scheduler

import (
	"errors"
	"testing"

	"github.com/cortexius/maestro/pkg/models"
)

func TestStrategiesLookup(t *testing.T) {
	s := NewStrategies()

	if _, err := s.Lookup("optimization"); err != nil {
		t.Errorf("optimization not registered: %v", err)
	}
	if _, err := s.Lookup("mapreduce"); err != nil {
		t.Errorf("mapreduce not registered: %v", err)
	}
	if _, err := s.Lookup("teleportation"); !errors.Is(err, ErrUnknownProblemType) {
		t.Errorf("expected ErrUnknownProblemType, got %v", err)
	}
}

func TestOptimizationDecompose(t *testing.T) {
	p := &models.Problem{
		ID:         "p1",
		Type:       "optimization",
		Complexity: "medium",
		Payload:    map[string]any{"target": 42},
	}

	tasks, err := OptimizationStrategy{}.Decompose(p)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	// seed + 4 solvers + aggregate.
	if len(tasks) != 6 {
		t.Fatalf("got %d tasks, want 6", len(tasks))
	}

	g := NewTaskGraph()
	if err := g.Build(tasks); err != nil {
		t.Fatalf("decomposition does not form a DAG: %v", err)
	}

	solvers := 0
	for _, task := range tasks {
		if task.Redundant {
			solvers++
			if len(task.DependsOn) != 1 || task.DependsOn[0] != "p1-seed" {
				t.Errorf("solver %s should depend only on the seed, got %v", task.ID, task.DependsOn)
			}
		}
	}
	if solvers != 4 {
		t.Errorf("got %d redundant solvers for medium complexity, want 4", solvers)
	}

	agg := tasks[len(tasks)-1]
	if agg.ID != "p1-aggregate" || len(agg.DependsOn) != 4 {
		t.Errorf("aggregate should depend on all solvers, got %v", agg.DependsOn)
	}
}

func TestOptimizationComplexityScaling(t *testing.T) {
	for _, tt := range []struct {
		complexity string
		solvers    int
	}{
		{"low", 2},
		{"medium", 4},
		{"high", 8},
		{"", 4},
	} {
		p := &models.Problem{ID: "p", Complexity: tt.complexity}
		tasks, err := OptimizationStrategy{}.Decompose(p)
		if err != nil {
			t.Fatalf("Decompose(%q) error = %v", tt.complexity, err)
		}
		got := 0
		for _, task := range tasks {
			if task.Redundant {
				got++
			}
		}
		if got != tt.solvers {
			t.Errorf("complexity %q: %d solvers, want %d", tt.complexity, got, tt.solvers)
		}
	}
}

func TestMapReduceDecompose(t *testing.T) {
	p := &models.Problem{
		ID:      "p2",
		Type:    "mapreduce",
		Payload: map[string]any{"shards": 3, "source": "s3://bucket"},
	}

	tasks, err := MapReduceStrategy{}.Decompose(p)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("got %d tasks, want 3 maps + 1 reduce", len(tasks))
	}

	for i := 0; i < 3; i++ {
		m := tasks[i]
		if m.Capability != "map" {
			t.Errorf("task %s capability = %s, want map", m.ID, m.Capability)
		}
		if m.Input["shard"] != i {
			t.Errorf("task %s shard = %v, want %d", m.ID, m.Input["shard"], i)
		}
		if m.Input["source"] != "s3://bucket" {
			t.Errorf("task %s lost payload passthrough", m.ID)
		}
	}

	reduce := tasks[3]
	if reduce.Capability != "reduce" || len(reduce.DependsOn) != 3 {
		t.Errorf("reduce should depend on every map task, got %v", reduce.DependsOn)
	}
}

func TestMapReduceRejectsZeroShards(t *testing.T) {
	p := &models.Problem{ID: "p3", Payload: map[string]any{"shards": 0}}
	if _, err := (MapReduceStrategy{}).Decompose(p); err == nil {
		t.Error("expected error for zero shards")
	}
}

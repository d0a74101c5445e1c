package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cortexius/maestro/internal/consensus"
	"github.com/cortexius/maestro/pkg/models"
)

// ErrUnknownProblemType indicates no decomposition strategy is registered
// for a problem's type tag.
var ErrUnknownProblemType = errors.New("scheduler: unknown problem type")

// Strategy turns a Problem into a set of sub-tasks with explicit dependency
// edges. Decompose must be a pure function of the problem; the engine never
// interprets problem semantics itself.
type Strategy interface {
	// Decompose produces the sub-task set for a problem.
	Decompose(p *models.Problem) ([]*models.SubTask, error)
	// Policy selects the agreement metric for the problem's redundant
	// solver results.
	Policy() consensus.Policy
}

// Strategies is a registry of decomposition strategies keyed by problem
// type. New problem types are added by registration, not by modifying the
// scheduler.
type Strategies struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewStrategies creates a registry preloaded with the built-in strategies.
func NewStrategies() *Strategies {
	s := &Strategies{strategies: make(map[string]Strategy)}
	s.Register("optimization", OptimizationStrategy{})
	s.Register("mapreduce", MapReduceStrategy{})
	return s
}

// Register adds or replaces the strategy for a problem type.
func (s *Strategies) Register(problemType string, strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[problemType] = strategy
}

// Lookup returns the strategy for a problem type.
func (s *Strategies) Lookup(problemType string) (Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	strategy, ok := s.strategies[problemType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProblemType, problemType)
	}
	return strategy, nil
}

// solverCount sizes a decomposition from the problem's complexity hint.
func solverCount(complexity string) int {
	switch complexity {
	case "low":
		return 2
	case "high":
		return 8
	default: // medium
		return 4
	}
}

// OptimizationStrategy decomposes an optimization problem into one seed
// task, N parallel redundant solver tasks, and one aggregate task.
type OptimizationStrategy struct{}

// Decompose produces seed -> N x optimize -> aggregate.
func (OptimizationStrategy) Decompose(p *models.Problem) ([]*models.SubTask, error) {
	n := solverCount(p.Complexity)

	seed := &models.SubTask{
		ID:            p.ID + "-seed",
		ProblemID:     p.ID,
		Capability:    "optimize",
		Action:        "seed",
		Input:         p.Payload,
		EstimatedCost: 1,
		Status:        models.TaskStatusPending,
	}

	tasks := []*models.SubTask{seed}
	solverIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-optimize-%d", p.ID, i)
		solverIDs = append(solverIDs, id)
		tasks = append(tasks, &models.SubTask{
			ID:            id,
			ProblemID:     p.ID,
			Capability:    "optimize",
			Action:        "optimize",
			Input:         p.Payload,
			DependsOn:     []string{seed.ID},
			EstimatedCost: 2,
			Redundant:     true,
			Status:        models.TaskStatusPending,
		})
	}

	tasks = append(tasks, &models.SubTask{
		ID:            p.ID + "-aggregate",
		ProblemID:     p.ID,
		Capability:    "aggregate",
		Action:        "aggregate",
		Input:         p.Payload,
		DependsOn:     solverIDs,
		EstimatedCost: 1,
		Status:        models.TaskStatusPending,
	})

	return tasks, nil
}

// Policy returns numeric closeness, suited to parallel optimization runs.
func (OptimizationStrategy) Policy() consensus.Policy {
	return consensus.NumericTolerance{}
}

// MapReduceStrategy decomposes a problem into N independent map tasks and
// one reduce task. Shard count comes from the "shards" payload key, falling
// back to the complexity hint.
type MapReduceStrategy struct{}

// Decompose produces N x map -> reduce.
func (MapReduceStrategy) Decompose(p *models.Problem) ([]*models.SubTask, error) {
	n := solverCount(p.Complexity)
	if v, ok := p.Payload["shards"]; ok {
		switch shards := v.(type) {
		case int:
			n = shards
		case float64:
			n = int(shards)
		}
	}
	if n < 1 {
		return nil, fmt.Errorf("scheduler: mapreduce requires at least one shard")
	}

	tasks := make([]*models.SubTask, 0, n+1)
	mapIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-map-%d", p.ID, i)
		mapIDs = append(mapIDs, id)
		input := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			input[k] = v
		}
		input["shard"] = i
		tasks = append(tasks, &models.SubTask{
			ID:            id,
			ProblemID:     p.ID,
			Capability:    "map",
			Action:        "map",
			Input:         input,
			EstimatedCost: 1,
			Status:        models.TaskStatusPending,
		})
	}

	tasks = append(tasks, &models.SubTask{
		ID:            p.ID + "-reduce",
		ProblemID:     p.ID,
		Capability:    "reduce",
		Action:        "reduce",
		Input:         p.Payload,
		DependsOn:     mapIDs,
		EstimatedCost: 2,
		Status:        models.TaskStatusPending,
	})

	return tasks, nil
}

// Policy returns majority vote; map outputs are discrete.
func (MapReduceStrategy) Policy() consensus.Policy {
	return consensus.MajorityVote{}
}

package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cortexius/maestro/pkg/models"
)

// ErrCycleDetected indicates a circular dependency in a decomposition.
var ErrCycleDetected = errors.New("scheduler: circular dependency detected")

// TaskGraph is a directed acyclic graph of sub-task dependencies. Nodes are
// sub-tasks, edges are "blocked by" relationships.
type TaskGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.SubTask
	// edges maps task ID to the IDs of tasks it depends on.
	edges map[string][]string
	// completed tracks which tasks have been marked complete.
	completed map[string]bool
}

// NewTaskGraph creates a new empty graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		nodes:     make(map[string]*models.SubTask),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
	}
}

// Build constructs the graph from a decomposition. Returns an error if a
// cycle is detected or a dependency references an unknown task.
func (g *TaskGraph) Build(tasks []*models.SubTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// Add inserts extra tasks into an existing graph; used when a validation
// round spawns additional solvers. Dependencies must already be present.
func (g *TaskGraph) Add(tasks []*models.SubTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// hasCycleLocked detects back edges via depth-first search with coloring.
// Caller must hold the lock.
func (g *TaskGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int)

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Ready returns pending tasks whose dependencies are all complete. These can
// be offered to workers in parallel.
func (g *TaskGraph) Ready() []*models.SubTask {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.SubTask
	for id, task := range g.nodes {
		if task.Status != models.TaskStatusPending {
			continue
		}

		satisfied := true
		for _, depID := range g.edges[id] {
			if !g.completed[depID] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, task)
		}
	}
	return ready
}

// MarkComplete records a task as completed, unblocking its dependents.
func (g *TaskGraph) MarkComplete(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[taskID] = true
}

// Task returns the task for a given ID, or nil.
func (g *TaskGraph) Task(taskID string) *models.SubTask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Tasks returns all tasks in the graph.
func (g *TaskGraph) Tasks() []*models.SubTask {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*models.SubTask, 0, len(g.nodes))
	for _, task := range g.nodes {
		out = append(out, task)
	}
	return out
}

// Size returns the number of tasks in the graph.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *TaskGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

package models

import "time"

// TaskStatus represents the current state of a sub-task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on dependencies or a worker.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusAssigned indicates the task has been matched to a worker.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusRunning indicates the dispatched action is in flight.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its attempts.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition returns true if the move from s to next is allowed by the
// sub-task state machine: pending -> assigned -> running -> (completed|failed),
// with failed -> pending for retries below the attempt ceiling.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusAssigned
	case TaskStatusAssigned:
		return next == TaskStatusRunning || next == TaskStatusPending
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed || next == TaskStatusPending
	case TaskStatusFailed:
		return next == TaskStatusPending
	default:
		return false
	}
}

// ProblemState represents the lifecycle state of a submitted problem.
type ProblemState string

const (
	// ProblemStateRunning indicates sub-tasks are executing.
	ProblemStateRunning ProblemState = "running"
	// ProblemStateValidating indicates all sub-tasks completed and the
	// consensus validator is working.
	ProblemStateValidating ProblemState = "validating"
	// ProblemStateSolved indicates a Solution has been produced.
	ProblemStateSolved ProblemState = "solved"
	// ProblemStateFailed indicates a sub-task failed permanently or the
	// problem was cancelled.
	ProblemStateFailed ProblemState = "failed"
)

// Valid returns true if the state is a known value.
func (s ProblemState) Valid() bool {
	switch s {
	case ProblemStateRunning, ProblemStateValidating, ProblemStateSolved, ProblemStateFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible.
func (s ProblemState) Terminal() bool {
	return s == ProblemStateSolved || s == ProblemStateFailed
}

// Problem is a unit of work submitted for decomposition. Immutable after
// submission.
type Problem struct {
	// ID is the generated problem identifier.
	ID string `json:"id"`
	// Type selects the decomposition strategy.
	Type string `json:"type" yaml:"type"`
	// Payload is the strategy-interpreted input.
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	// Complexity is a hint the strategy may use to size the decomposition.
	Complexity string `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	// Priority orders problems competing for the same workers.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Deadline is advisory metadata surfaced in status reports.
	Deadline *time.Time `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	// AccuracyTarget overrides the default consensus threshold when positive.
	AccuracyTarget float64 `json:"accuracy_target,omitempty" yaml:"accuracy_target,omitempty"`
	// SubmittedAt is when the problem entered the scheduler.
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubTask is one unit of decomposed work belonging to a Problem.
type SubTask struct {
	// ID is unique within the owning problem.
	ID string `json:"id"`
	// ProblemID is the owning problem.
	ProblemID string `json:"problem_id"`
	// Capability is the worker capability tag required to run the task.
	Capability string `json:"capability"`
	// Action is the action identifier dispatched to the worker.
	Action string `json:"action"`
	// Input is the payload handed to the worker.
	Input map[string]any `json:"input,omitempty"`
	// DependsOn lists sub-task IDs that must complete before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// EstimatedCost is the load added to a worker while the task is assigned.
	EstimatedCost float64 `json:"estimated_cost"`
	// Redundant marks parallel solver tasks whose results feed consensus.
	Redundant bool `json:"redundant,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// AssignedTo is the worker currently holding the task, if any.
	AssignedTo string `json:"assigned_to,omitempty"`
	// Result is the worker output; read-only once Status is completed.
	Result map[string]any `json:"result,omitempty"`
	// Attempts counts dispatch attempts, including reassignments.
	Attempts int `json:"attempts"`
	// Error is the most recent failure message, if any.
	Error string `json:"error,omitempty"`
}

package models

import "time"

// SagaState represents the lifecycle state of a saga run.
type SagaState string

const (
	// SagaStateRunning indicates forward steps are executing.
	SagaStateRunning SagaState = "running"
	// SagaStateCompleted indicates every step finished successfully.
	SagaStateCompleted SagaState = "completed"
	// SagaStateCompensating indicates a step failed and completed steps
	// are being unwound in reverse.
	SagaStateCompensating SagaState = "compensating"
	// SagaStateCompensated indicates the unwind pass has finished.
	SagaStateCompensated SagaState = "compensated"
)

// Valid returns true if the state is a known value.
func (s SagaState) Valid() bool {
	switch s {
	case SagaStateRunning, SagaStateCompleted, SagaStateCompensating, SagaStateCompensated:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible.
func (s SagaState) Terminal() bool {
	return s == SagaStateCompleted || s == SagaStateCompensated
}

// CanTransition returns true if the move from s to next is allowed by the
// saga state machine: running -> (completed | compensating),
// compensating -> compensated.
func (s SagaState) CanTransition(next SagaState) bool {
	switch s {
	case SagaStateRunning:
		return next == SagaStateCompleted || next == SagaStateCompensating
	case SagaStateCompensating:
		return next == SagaStateCompensated
	default:
		return false
	}
}

// SagaStep is one forward action paired with its compensation.
type SagaStep struct {
	// Name identifies the step within its definition.
	Name string `json:"name" yaml:"name"`
	// Capability is the worker capability tag required to run the step.
	Capability string `json:"capability" yaml:"capability"`
	// Action is the forward action identifier dispatched to the worker.
	Action string `json:"action" yaml:"action"`
	// Compensation is the action identifier that undoes a successful step.
	// Empty means the step needs no compensation.
	Compensation string `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	// Retryable controls the retry budget: 3 attempts when true, 1 otherwise.
	Retryable bool `json:"retryable" yaml:"retryable"`
	// Timeout bounds a single forward dispatch. Zero means no step timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// MaxAttempts returns the attempt budget for the step.
func (s SagaStep) MaxAttempts() int {
	if s.Retryable {
		return 3
	}
	return 1
}

// SagaDefinition is an ordered sequence of steps. Immutable once a run begins.
type SagaDefinition struct {
	// Name identifies the definition; many runs may share one definition.
	Name string `json:"name" yaml:"name"`
	// Steps are executed strictly in order.
	Steps []SagaStep `json:"steps" yaml:"steps"`
}

// Step returns the step with the given name, or nil.
func (d *SagaDefinition) Step(name string) *SagaStep {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// SagaRun is one execution of a SagaDefinition.
type SagaRun struct {
	// ID is the generated run identifier.
	ID string `json:"id"`
	// Definition is the name of the definition being executed.
	Definition string `json:"definition"`
	// State is the current lifecycle state.
	State SagaState `json:"state"`
	// Data accumulates key/value output merged from completed steps.
	Data map[string]any `json:"data"`
	// Completed lists the names of steps that finished, in order.
	Completed []string `json:"completed"`
	// FailedStep is the name of the step that exhausted its budget, if any.
	FailedStep string `json:"failed_step,omitempty"`
	// Error is the captured failure message, if any.
	Error string `json:"error,omitempty"`
	// StartedAt is when the run was submitted.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the run reached a terminal state.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PercentComplete returns the fraction of steps finished out of total.
func (r *SagaRun) PercentComplete(total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(len(r.Completed)) / float64(total)
}

// Package models defines the shared domain types for the maestro engine.
package models

import "time"

// WorkerStatus represents the current state of a worker agent.
type WorkerStatus string

const (
	// WorkerStatusIdle indicates the worker can accept new work.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusBusy indicates the worker is at or near capacity.
	WorkerStatusBusy WorkerStatus = "busy"
	// WorkerStatusOffline indicates the worker is unreachable.
	WorkerStatusOffline WorkerStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusIdle, WorkerStatusBusy, WorkerStatusOffline:
		return true
	default:
		return false
	}
}

// WorkerAgent represents a registered worker and its capability profile.
// The record is owned by the registry; other components read snapshots
// and mutate only through registry operations.
type WorkerAgent struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// Capabilities is the set of capability tags the worker declares.
	Capabilities []string `json:"capabilities"`
	// Status is the current state of the worker.
	Status WorkerStatus `json:"status"`
	// CurrentLoad is the sum of estimated costs of work assigned right now.
	CurrentLoad float64 `json:"current_load"`
	// MaxLoad is the load ceiling above which the worker is not offered work.
	MaxLoad float64 `json:"max_load"`
	// SuccessRate is a rolling exponential moving average of task outcomes.
	SuccessRate float64 `json:"success_rate"`
	// RegisteredAt is when the worker first registered.
	RegisteredAt time.Time `json:"registered_at"`
	// LastHeartbeat is the most recent liveness signal.
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HasCapabilities returns true if the worker's capability set is a
// superset of the required tags.
func (w *WorkerAgent) HasCapabilities(required []string) bool {
	for _, req := range required {
		found := false
		for _, cap := range w.Capabilities {
			if cap == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// LoadRatio returns CurrentLoad/MaxLoad, or 1 when MaxLoad is not positive.
func (w *WorkerAgent) LoadRatio() float64 {
	if w.MaxLoad <= 0 {
		return 1
	}
	return w.CurrentLoad / w.MaxLoad
}

// Available returns true if the worker can be offered more work.
func (w *WorkerAgent) Available() bool {
	return w.Status != WorkerStatusOffline && w.CurrentLoad < w.MaxLoad
}

// Clone returns a deep copy of the worker record.
func (w *WorkerAgent) Clone() *WorkerAgent {
	cp := *w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	return &cp
}

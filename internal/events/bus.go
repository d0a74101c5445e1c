// Package events defines the lifecycle event stream emitted by the engine.
// The stream is publish-only: the engine never reads from it and keeps
// running when nobody subscribes.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type is the kind of lifecycle event.
type Type string

const (
	// SagaStarted fires when a saga run begins executing.
	SagaStarted Type = "saga:started"
	// SagaStepCompleted fires after each successful forward step.
	SagaStepCompleted Type = "saga:step-completed"
	// SagaStepFailed fires when a step exhausts its attempt budget.
	SagaStepFailed Type = "saga:step-failed"
	// SagaStepCompensated fires after each successful compensation.
	SagaStepCompensated Type = "saga:step-compensated"
	// SagaCompensationFailed fires when a compensation errors; the unwind
	// continues regardless.
	SagaCompensationFailed Type = "saga:compensation-failed"
	// SagaCompleted fires when every step finished.
	SagaCompleted Type = "saga:completed"
	// SagaCompensated fires when the unwind pass finished.
	SagaCompensated Type = "saga:compensated"
	// SagaFailed fires when a run ends in compensation.
	SagaFailed Type = "saga:failed"

	// ProblemStarted fires when a problem has been decomposed.
	ProblemStarted Type = "problem:started"
	// TaskScheduled fires when a sub-task is assigned to a worker.
	TaskScheduled Type = "problem:task-scheduled"
	// TaskCompleted fires when a sub-task finishes successfully.
	TaskCompleted Type = "problem:task-completed"
	// TaskFailed fires when a sub-task attempt fails.
	TaskFailed Type = "problem:task-failed"
	// ProblemSolved fires when the validator produces a solution.
	ProblemSolved Type = "problem:solved"
	// ProblemFailed fires when a problem fails permanently.
	ProblemFailed Type = "problem:failed"

	// WorkerRegistered fires when a worker joins the registry.
	WorkerRegistered Type = "worker:registered"
	// WorkerLost fires when a worker goes offline with work assigned.
	WorkerLost Type = "worker:lost"

	// HealthStalled fires once per stall episode when a run or problem
	// makes no progress for the configured stall window.
	HealthStalled Type = "health:stalled"
)

// Event is one lifecycle notification.
type Event struct {
	// Type is the kind of event.
	Type Type
	// RunID is the saga run or problem this event belongs to, if any.
	RunID string
	// Step is the saga step name, if applicable.
	Step string
	// TaskID is the sub-task ID, if applicable.
	TaskID string
	// WorkerID is the related worker, if applicable.
	WorkerID string
	// Message provides human-readable context.
	Message string
	// Err holds failure details for failure events.
	Err string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that falls behind loses events, counted per bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	buffer  int
	dropped atomic.Uint64
}

// NewBus creates a Bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 128
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its channel along with a
// cancel function. The channel is closed on cancel or when the bus closes.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
// Events default their timestamp to now when unset.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

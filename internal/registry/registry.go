// Package registry tracks worker agents, their capabilities, load and
// health, and answers capability-match queries for the saga coordinator
// and the task scheduler.
package registry

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cortexius/maestro/internal/events"
	"github.com/cortexius/maestro/pkg/models"
)

// ErrNoWorkerAvailable indicates no registered worker currently satisfies a
// capability requirement. This is the engine's backpressure signal: callers
// re-poll with jittered delay rather than treating it as fatal.
var ErrNoWorkerAvailable = errors.New("registry: no worker available")

// successRateSmoothing is the exponential moving average factor applied to
// worker success rates on every recorded outcome.
const successRateSmoothing = 0.05

// LostHandler is notified when a worker transitions to offline so that the
// scheduler and coordinator can reassign its in-flight work.
type LostHandler func(workerID string)

// Registry is the authoritative owner of WorkerAgent records. All mutations
// go through its methods; readers receive snapshots.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*models.WorkerAgent

	bus      *events.Bus
	handlers []LostHandler

	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty Registry publishing on the given bus.
func New(bus *events.Bus) *Registry {
	return &Registry{
		workers:  make(map[string]*models.WorkerAgent),
		bus:      bus,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (r *Registry) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		r.debugLog = fn
	}
}

// OnWorkerLost registers a handler invoked whenever a worker goes offline.
// Handlers run outside the registry lock.
func (r *Registry) OnWorkerLost(fn LostHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, fn)
}

// Register adds or updates a worker entry. Re-registration after a restart
// overwrites the previous record but preserves the accumulated success rate
// so scheduling history survives reconnects.
func (r *Registry) Register(agent *models.WorkerAgent) error {
	if agent.ID == "" {
		return errors.New("registry: worker id required")
	}

	r.mu.Lock()
	now := time.Now()
	entry := agent.Clone()
	if entry.Status == "" {
		entry.Status = models.WorkerStatusIdle
	}
	if entry.SuccessRate == 0 {
		entry.SuccessRate = 1.0
	}
	entry.RegisteredAt = now
	entry.LastHeartbeat = now

	if prev, ok := r.workers[agent.ID]; ok {
		entry.SuccessRate = prev.SuccessRate
		entry.RegisteredAt = prev.RegisteredAt
		r.debugLog("[registry] re-registering worker %s (capabilities=%v)", agent.ID, entry.Capabilities)
	} else {
		r.debugLog("[registry] registering worker %s (capabilities=%v, max_load=%v)", agent.ID, entry.Capabilities, entry.MaxLoad)
	}
	r.workers[agent.ID] = entry
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Type:     events.WorkerRegistered,
		WorkerID: agent.ID,
		Message:  "worker registered",
	})
	return nil
}

// Get returns a snapshot of the worker record, or nil if unknown.
func (r *Registry) Get(id string) *models.WorkerAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	return w.Clone()
}

// List returns snapshots of all registered workers.
func (r *Registry) List() []*models.WorkerAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.WorkerAgent, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindMatch returns the best available worker whose capability set covers
// the requirement: lowest load ratio first, ties broken by higher success
// rate. Returns ErrNoWorkerAvailable when nobody qualifies; the caller must
// retry later rather than fail.
func (r *Registry) FindMatch(required []string) (*models.WorkerAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*models.WorkerAgent
	for _, w := range r.workers {
		if !w.Available() {
			continue
		}
		if !w.HasCapabilities(required) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil, ErrNoWorkerAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].LoadRatio(), candidates[j].LoadRatio()
		if ri != rj {
			return ri < rj
		}
		if candidates[i].SuccessRate != candidates[j].SuccessRate {
			return candidates[i].SuccessRate > candidates[j].SuccessRate
		}
		return candidates[i].ID < candidates[j].ID
	})

	return candidates[0].Clone(), nil
}

// Reserve adds cost to the worker's current load, marking it busy when the
// ceiling is reached. Callers pair every Reserve with a later Release or
// RecordOutcome.
func (r *Registry) Reserve(id string, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.CurrentLoad += cost
	if w.CurrentLoad >= w.MaxLoad && w.Status == models.WorkerStatusIdle {
		w.Status = models.WorkerStatusBusy
	}
	r.debugLog("[registry] reserved %.2f on worker %s (load now %.2f/%.2f)", cost, id, w.CurrentLoad, w.MaxLoad)
}

// Release subtracts cost from the worker's current load without recording
// an outcome, for reserved work that was cancelled before producing one.
func (r *Registry) Release(id string, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.CurrentLoad -= cost
	if w.CurrentLoad < 0 {
		w.CurrentLoad = 0
	}
	if w.Status == models.WorkerStatusBusy && w.CurrentLoad < w.MaxLoad {
		w.Status = models.WorkerStatusIdle
	}
	r.debugLog("[registry] released %.2f on worker %s (load now %.2f/%.2f)", cost, id, w.CurrentLoad, w.MaxLoad)
}

// RecordOutcome updates a worker's load and rolling success rate after a
// task attempt, success or failure.
func (r *Registry) RecordOutcome(id string, success bool, costDelta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}

	w.CurrentLoad += costDelta
	if w.CurrentLoad < 0 {
		w.CurrentLoad = 0
	}

	sample := 0.0
	if success {
		sample = 1.0
	}
	w.SuccessRate = (1-successRateSmoothing)*w.SuccessRate + successRateSmoothing*sample

	if w.Status == models.WorkerStatusBusy && w.CurrentLoad < w.MaxLoad {
		w.Status = models.WorkerStatusIdle
	}
	r.debugLog("[registry] outcome for worker %s: success=%v load=%.2f rate=%.3f", id, success, w.CurrentLoad, w.SuccessRate)
}

// Heartbeat refreshes a worker's liveness timestamp. An offline worker that
// heartbeats again is brought back as idle.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.LastHeartbeat = time.Now()
	if w.Status == models.WorkerStatusOffline {
		w.Status = models.WorkerStatusIdle
		w.CurrentLoad = 0
		r.debugLog("[registry] worker %s back online", id)
	}
}

// MarkStatus sets a worker's status. A transition to offline drops the
// worker's load, emits worker:lost and invokes the lost handlers so
// assigned work is reassigned.
func (r *Registry) MarkStatus(id string, status models.WorkerStatus) {
	if !status.Valid() {
		log.Printf("[registry] ignoring invalid status %q for worker %s", status, id)
		return
	}

	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	wentOffline := status == models.WorkerStatusOffline && w.Status != models.WorkerStatusOffline
	w.Status = status
	if wentOffline {
		w.CurrentLoad = 0
	}
	handlers := append([]LostHandler(nil), r.handlers...)
	r.mu.Unlock()

	if !wentOffline {
		return
	}

	r.debugLog("[registry] worker %s lost, notifying %d handlers", id, len(handlers))
	r.bus.Publish(events.Event{
		Type:     events.WorkerLost,
		WorkerID: id,
		Message:  "worker went offline",
	})
	for _, fn := range handlers {
		fn(id)
	}
}

// ReapStale marks offline every worker whose last heartbeat is older than
// maxAge. Returns the IDs of workers reaped. Intended to be called
// periodically by the engine.
func (r *Registry) ReapStale(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	r.mu.RLock()
	var stale []string
	for id, w := range r.workers {
		if w.Status != models.WorkerStatusOffline && w.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		log.Printf("[registry] worker %s missed heartbeat window, marking offline", id)
		r.MarkStatus(id, models.WorkerStatusOffline)
	}
	return stale
}

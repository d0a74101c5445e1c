// Package executor defines the seam across which the engine calls out to
// real worker agents, remote services, or simulators. The engine itself
// never interprets action semantics.
package executor

import "context"

// Dispatcher executes a named action on a worker and returns its output.
// Implementations are expected to be safe for concurrent use: the engine
// dispatches to many workers at once. A context deadline carries the
// per-step or per-task timeout; exceeding it is reported as an error and
// treated like any other failure.
type Dispatcher interface {
	ExecuteAction(ctx context.Context, workerID, action string, input map[string]any) (map[string]any, error)
}

// Func adapts an ordinary function to the Dispatcher interface.
type Func func(ctx context.Context, workerID, action string, input map[string]any) (map[string]any, error)

// ExecuteAction calls f.
func (f Func) ExecuteAction(ctx context.Context, workerID, action string, input map[string]any) (map[string]any, error) {
	return f(ctx, workerID, action, input)
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Rule scripts the simulated behavior of one action.
type Rule struct {
	// Delay is how long the action appears to take.
	Delay time.Duration
	// FailTimes makes the first N executions fail before succeeding.
	FailTimes int
	// Error overrides the injected failure message.
	Error string
	// Output is returned on success. Nil yields {"ok": true}.
	Output map[string]any
}

// Simulator is a Dispatcher that executes actions against scripted rules
// instead of real workers. The run command uses it to exercise submissions
// end to end; actions without a rule succeed immediately.
type Simulator struct {
	mu    sync.Mutex
	rules map[string]Rule
	fails map[string]int
	calls map[string]int
}

// NewSimulator creates a simulator from per-action rules.
func NewSimulator(rules map[string]Rule) *Simulator {
	s := &Simulator{
		rules: make(map[string]Rule, len(rules)),
		fails: make(map[string]int, len(rules)),
		calls: make(map[string]int),
	}
	for action, rule := range rules {
		s.rules[action] = rule
		s.fails[action] = rule.FailTimes
	}
	return s
}

// ExecuteAction applies the action's rule: wait the scripted delay, consume
// a scripted failure if any remain, then return the scripted output.
func (s *Simulator) ExecuteAction(ctx context.Context, workerID, action string, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls[action]++
	rule := s.rules[action]
	mustFail := s.fails[action] > 0
	if mustFail {
		s.fails[action]--
	}
	s.mu.Unlock()

	if rule.Delay > 0 {
		timer := time.NewTimer(rule.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if mustFail {
		if rule.Error != "" {
			return nil, errors.New(rule.Error)
		}
		return nil, fmt.Errorf("simulated failure of action %s", action)
	}

	if rule.Output == nil {
		return map[string]any{"ok": true}, nil
	}
	out := make(map[string]any, len(rule.Output))
	for k, v := range rule.Output {
		out[k] = v
	}
	return out, nil
}

// Calls reports how many times an action has been executed.
func (s *Simulator) Calls(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[action]
}

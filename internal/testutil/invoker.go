// Package testutil provides deterministic collaborators for gate tests:
// a scripted invoker and a fixed wall clock.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/warden/internal/step"
)

// ScriptedInvoker is a stand-in interception collaborator that returns
// canned results per tool and counts invocations, so tests can assert a
// replayed step never re-invoked the operation.
type ScriptedInvoker struct {
	mu sync.Mutex
	// Outputs maps tool name to the output returned for it.
	Outputs map[string]string
	// Effects maps tool name to the observed effects reported for it.
	Effects map[string][]step.SideEffect
	// Fail maps tool name to an error returned instead of a result.
	Fail map[string]error

	calls []string
}

// Invoke returns the scripted result for req.Tool.
// Tools without a script succeed with a generic output.
func (s *ScriptedInvoker) Invoke(_ context.Context, req step.Request) (step.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Tool)
	s.mu.Unlock()

	if err, ok := s.Fail[req.Tool]; ok {
		return step.Result{}, err
	}
	out, ok := s.Outputs[req.Tool]
	if !ok {
		out = fmt.Sprintf("%s: ok", req.Tool)
	}
	return step.Result{Output: out, Effects: s.Effects[req.Tool]}, nil
}

// Calls returns the tools invoked so far, in order.
func (s *ScriptedInvoker) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times a tool was invoked.
func (s *ScriptedInvoker) CallCount(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == tool {
			n++
		}
	}
	return n
}

// FixedClock returns a time function that starts at start and advances by
// stride per call, giving traces stable, distinct timestamps.
func FixedClock(start time.Time, stride time.Duration) func() time.Time {
	var (
		mu  sync.Mutex
		now = start
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(stride)
		return t
	}
}

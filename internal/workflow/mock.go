package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spreadrun/spreadrun/internal/engine"
)

// MockInvoker is a deterministic in-process invoker for tests and dry runs.
// By default it echoes the row inputs back as a single output. Rows can
// force failures through the reserved "__fail" input: "permanent" fails
// immediately, "transient" fails until FailUntil attempts have been made
// for that row.
type MockInvoker struct {
	// Delay is waited before answering, honouring the caller's deadline.
	Delay time.Duration
	// FailUntil is the attempt number from which "__fail": "transient"
	// rows start succeeding. Zero means they never succeed.
	FailUntil int

	mu       sync.Mutex
	attempts map[string]int
}

// MockFactory resolves every workflow reference to the same mock invoker.
type MockFactory struct {
	Mock *MockInvoker
}

// Invoker returns the shared mock regardless of reference.
func (f *MockFactory) Invoker(workflowRef string) (engine.Invoker, error) {
	return f.Mock, nil
}

// NewMockInvoker creates a mock with no delay.
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{attempts: make(map[string]int)}
}

// Invoke answers from the inputs alone, so repeated runs of the same row
// are reproducible.
func (m *MockInvoker) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, engine.TransientError(ctx.Err())
		case <-timer.C:
		}
	}

	if mode, ok := inputs["__fail"].(string); ok {
		switch mode {
		case "permanent":
			return nil, engine.PermanentError(errors.New("mock workflow rejected the request"))
		case "transient":
			key := rowKey(inputs)
			m.mu.Lock()
			if m.attempts == nil {
				m.attempts = make(map[string]int)
			}
			m.attempts[key]++
			attempt := m.attempts[key]
			m.mu.Unlock()
			if m.FailUntil == 0 || attempt < m.FailUntil {
				return nil, engine.TransientError(fmt.Errorf("mock workflow unavailable (attempt %d)", attempt))
			}
		}
	}

	return map[string]any{"output": echo(inputs)}, nil
}

// echo renders the inputs to one deterministic display string.
func echo(inputs map[string]any) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		if strings.HasPrefix(k, "__") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, inputs[k]))
	}
	return strings.Join(parts, " ")
}

func rowKey(inputs map[string]any) string {
	return echo(inputs)
}

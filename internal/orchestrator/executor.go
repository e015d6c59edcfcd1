package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/internal/records"
)

// ErrExecutorFailure marks a failure reported by an external agent
// executor. It is always recorded on the step before surfacing.
var ErrExecutorFailure = errors.New("executor failure")

type ExecutorError struct {
	Agent  string
	StepID string
	Err    error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %q failed on step %s: %v", e.Agent, e.StepID, e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return ErrExecutorFailure
}

// Result is the structured outcome of one executor invocation.
type Result struct {
	Summary string
	Output  map[string]any
}

// Executor performs the actual work for a step and reports the outcome.
// Executors never mutate plan or step state; only the orchestrator
// applies transitions based on what they return.
type Executor interface {
	Execute(ctx context.Context, step *records.Step) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, step *records.Step) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, step *records.Step) (Result, error) {
	return f(ctx, step)
}

// Noop returns an executor that succeeds without doing anything. Useful
// for wiring tests and dry runs.
func Noop() Executor {
	return ExecutorFunc(func(ctx context.Context, step *records.Step) (Result, error) {
		return Result{Summary: fmt.Sprintf("no-op: %s", step.Description)}, nil
	})
}

// Registry maps agent names to executors. Each orchestrator owns its
// registry; there is no process-wide registry, so tests and concurrent
// orchestrators cannot leak executors into each other.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: map[string]Executor{}}
}

func (r *Registry) Register(agent string, exec Executor) error {
	if agent == "" {
		return fmt.Errorf("agent name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.execs[agent]; ok {
		return fmt.Errorf("agent %q already registered", agent)
	}
	r.execs[agent] = exec
	return nil
}

func (r *Registry) Lookup(agent string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[agent]
	return exec, ok
}

func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.execs))
	for name := range r.execs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

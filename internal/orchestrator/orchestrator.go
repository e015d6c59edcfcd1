// Package orchestrator drives plans through their state machine by
// dispatching steps to agent executors and applying human decisions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/memctx"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/records"
	"github.com/loomworks/loom/internal/transitions"
)

const DefaultExecutorTimeout = 2 * time.Minute

// RejectionPolicy decides what a human rejection does to a step.
type RejectionPolicy string

const (
	// RejectSkip marks the rejected step skipped; the plan keeps going.
	RejectSkip RejectionPolicy = "skip"
	// RejectFail marks the rejected step failed and fails the plan.
	RejectFail RejectionPolicy = "fail"
)

// Feedback is one human decision about a step parked in awaiting_human.
type Feedback struct {
	SessionID string
	PlanID    string
	StepID    string
	Approved  bool
	Note      string
}

// AdvanceResult reports what one Advance call did.
type AdvanceResult struct {
	Plan          *records.Plan
	Step          *records.Step // the step acted on; nil when none remained
	AwaitingHuman bool
}

// Orchestrator advances plans one step at a time, strictly in ordinal
// order. Sessions are independent and may be driven in parallel; calls
// touching the same session are serialized by a per-session lock, since
// overlapping transitions on one step would lose updates.
type Orchestrator struct {
	contexts *memctx.Manager
	registry *Registry
	bus      *transitions.Bus

	execTimeout time.Duration
	rejection   RejectionPolicy

	locks sync.Map // session id -> *sync.Mutex
}

type Option func(*Orchestrator)

func WithExecutorTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.execTimeout = d
		}
	}
}

func WithRejectionPolicy(p RejectionPolicy) Option {
	return func(o *Orchestrator) {
		if p == RejectSkip || p == RejectFail {
			o.rejection = p
		}
	}
}

func New(contexts *memctx.Manager, registry *Registry, bus *transitions.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		contexts:    contexts,
		registry:    registry,
		bus:         bus,
		execTimeout: DefaultExecutorTimeout,
		rejection:   RejectSkip,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// CreatePlan records a new plan for the session and appends the goal as
// a user turn to the conversation.
func (o *Orchestrator) CreatePlan(ctx context.Context, sessionID, goal string, params map[string]any, specs []plan.StepSpec) (*records.Plan, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	mctx, err := o.contexts.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer mctx.Release()

	machine := plan.NewMachine(mctx.Store(), o.bus)
	p, _, err := machine.CreatePlan(ctx, goal, params, specs)
	if err != nil {
		return nil, err
	}
	if _, err := mctx.AppendMessage(ctx, records.RoleUser, goal); err != nil {
		return nil, err
	}
	log.Printf("[ORCH] Created plan %s (%d steps) for session %s", p.ID, len(specs), sessionID)
	return p, nil
}

// Advance drives the lowest-ordinal unresolved step: a planned step
// moves to action_requested and then either awaiting_human
// (approval-gated steps) or execution, while a step recovered to
// action_requested resumes execution directly. A step parked in
// awaiting_human blocks advancement; later steps are never started
// while an earlier one is unresolved. Executor success completes the
// step and, once every step is resolved, the plan; executor failure
// fails both and halts advancement pending human intervention. An
// aborted invocation leaves the step in action_requested so it stays
// retryable.
func (o *Orchestrator) Advance(ctx context.Context, sessionID, planID string) (*AdvanceResult, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	mctx, err := o.contexts.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer mctx.Release()

	machine := plan.NewMachine(mctx.Store(), o.bus)
	p, steps, err := machine.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != records.PlanActive {
		return nil, &plan.TransitionError{Entity: "plan", ID: p.ID, From: string(p.Status), To: string(records.PlanActive)}
	}

	step := plan.NextUnresolvedStep(steps)
	if step == nil {
		// Nothing left to resolve; close the plan out if possible.
		if _, err := machine.CompletePlanIfReady(ctx, p, steps); err != nil {
			return nil, err
		}
		return &AdvanceResult{Plan: p}, nil
	}

	switch step.Status {
	case records.StepAwaitingHuman:
		// Parked on a human decision. Later steps stay untouched until
		// it resolves.
		return &AdvanceResult{Plan: p, Step: step, AwaitingHuman: true}, nil
	case records.StepPlanned:
		if err := machine.RequestAction(ctx, p, step); err != nil {
			return nil, err
		}
		if step.RequiresApproval {
			if err := machine.AwaitHuman(ctx, p, step); err != nil {
				return nil, err
			}
			log.Printf("[ORCH] Step %s of plan %s awaiting human approval", step.ID, p.ID)
			return &AdvanceResult{Plan: p, Step: step, AwaitingHuman: true}, nil
		}
	case records.StepActionRequested:
		// Recovered after an aborted invocation. Any approval gate was
		// already satisfied on the first pass, so resume execution.
		log.Printf("[ORCH] Retrying step %s of plan %s", step.ID, p.ID)
	default:
		return nil, fmt.Errorf("step %s of plan %s is still %s", step.ID, p.ID, step.Status)
	}

	if err := machine.Begin(ctx, p, step); err != nil {
		return nil, err
	}
	if err := o.executeStep(ctx, mctx, machine, p, steps, step); err != nil {
		return &AdvanceResult{Plan: p, Step: step}, err
	}
	return &AdvanceResult{Plan: p, Step: step}, nil
}

// ApplyHumanFeedback resolves a step parked in awaiting_human. Approval
// resumes execution; rejection applies the configured policy. Feedback
// against a step in any other status fails with InvalidTransition
// rather than silently succeeding.
func (o *Orchestrator) ApplyHumanFeedback(ctx context.Context, fb Feedback) (*records.Step, error) {
	unlock := o.lockSession(fb.SessionID)
	defer unlock()

	mctx, err := o.contexts.Acquire(ctx, fb.SessionID)
	if err != nil {
		return nil, err
	}
	defer mctx.Release()

	machine := plan.NewMachine(mctx.Store(), o.bus)
	p, steps, err := machine.LoadPlan(ctx, fb.PlanID)
	if err != nil {
		return nil, err
	}
	step := findStep(steps, fb.StepID)
	if step == nil {
		return nil, fmt.Errorf("step %s not found in plan %s", fb.StepID, fb.PlanID)
	}

	if !fb.Approved {
		target := records.StepSkipped
		if o.rejection == RejectFail {
			target = records.StepFailed
		}
		if err := machine.ApplyHumanDecision(ctx, p, step, target, fb.Note); err != nil {
			return nil, err
		}
		log.Printf("[ORCH] Step %s rejected (%s)", step.ID, target)
		if o.rejection == RejectFail {
			if err := machine.FailPlan(ctx, p, "step rejected"); err != nil {
				return step, err
			}
			return step, nil
		}
		if _, err := machine.CompletePlanIfReady(ctx, p, steps); err != nil {
			return step, err
		}
		return step, nil
	}

	if err := machine.ApplyHumanDecision(ctx, p, step, records.StepInProgress, fb.Note); err != nil {
		return nil, err
	}
	log.Printf("[ORCH] Step %s approved, resuming", step.ID)
	if err := o.executeStep(ctx, mctx, machine, p, steps, step); err != nil {
		return step, err
	}
	return step, nil
}

// ApplyClarification stores clarification text against the plan without
// touching step statuses, for the next planning round to consume.
func (o *Orchestrator) ApplyClarification(ctx context.Context, sessionID, planID, text string) (*records.Plan, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	mctx, err := o.contexts.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer mctx.Release()

	machine := plan.NewMachine(mctx.Store(), o.bus)
	p, _, err := machine.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := machine.AddClarification(ctx, p, text); err != nil {
		return nil, err
	}
	if _, err := mctx.AppendMessage(ctx, records.RoleUser, text); err != nil {
		return nil, err
	}
	return p, nil
}

// executeStep runs the assigned executor against a step already in
// in_progress and applies the outcome.
func (o *Orchestrator) executeStep(ctx context.Context, mctx *memctx.Context, machine *plan.Machine, p *records.Plan, steps []*records.Step, step *records.Step) error {
	exec, ok := o.registry.Lookup(step.Agent)
	if !ok {
		reason := fmt.Sprintf("no executor registered for agent %q", step.Agent)
		return o.failStep(ctx, machine, p, step, reason, &ExecutorError{Agent: step.Agent, StepID: step.ID, Err: errors.New("unknown agent")})
	}

	execCtx, cancel := context.WithTimeout(ctx, o.execTimeout)
	res, execErr := exec.Execute(execCtx, step)
	cancel()

	if execErr != nil {
		// A dead caller context, whether cancelled or past its
		// deadline, leaves the step recoverable rather than silently
		// resolved. The recovery write must not ride that context.
		if ctx.Err() != nil {
			detached := context.WithoutCancel(ctx)
			if err := machine.ReturnToActionRequested(detached, p, step, "executor invocation aborted"); err != nil {
				return err
			}
			return ctx.Err()
		}
		if errors.Is(execErr, context.DeadlineExceeded) {
			reason := fmt.Sprintf("timeout after %s", o.execTimeout)
			return o.failStep(ctx, machine, p, step, reason, &ExecutorError{Agent: step.Agent, StepID: step.ID, Err: execErr})
		}
		return o.failStep(ctx, machine, p, step, execErr.Error(), &ExecutorError{Agent: step.Agent, StepID: step.ID, Err: execErr})
	}

	if err := machine.Complete(ctx, p, step, &records.StepResult{Summary: res.Summary, Output: res.Output}); err != nil {
		return err
	}
	if res.Summary != "" {
		content := fmt.Sprintf("%s: %s", step.Agent, res.Summary)
		if _, err := mctx.AppendMessage(ctx, records.RoleAssistant, content); err != nil {
			return err
		}
	}
	if _, err := machine.CompletePlanIfReady(ctx, p, steps); err != nil {
		return err
	}
	return nil
}

// failStep records the failure on the step, fails the plan so no further
// steps advance automatically, and surfaces the executor error.
func (o *Orchestrator) failStep(ctx context.Context, machine *plan.Machine, p *records.Plan, step *records.Step, reason string, execErr *ExecutorError) error {
	if err := machine.Fail(ctx, p, step, reason); err != nil {
		return err
	}
	log.Printf("[ORCH] Step %s failed: %s", step.ID, reason)
	if err := machine.FailPlan(ctx, p, reason); err != nil {
		return err
	}
	return execErr
}

func (o *Orchestrator) lockSession(sessionID string) func() {
	v, _ := o.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func findStep(steps []*records.Step, id string) *records.Step {
	for _, step := range steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

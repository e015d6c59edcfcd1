package plan

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/idgen"
	"github.com/loomworks/loom/internal/records"
	"github.com/loomworks/loom/internal/transitions"
)

// Store is the slice of the partitioned store the state machine needs.
// *docstore.Store satisfies it.
type Store interface {
	Put(ctx context.Context, rec records.Record) error
	PutAll(ctx context.Context, recs ...records.Record) error
	Get(ctx context.Context, id string, kind records.Kind) (records.Record, bool, error)
	Query(ctx context.Context, kind records.Kind, q docstore.Query) ([]records.Record, error)
	SessionID() string
}

// StepSpec describes one step of a new plan.
type StepSpec struct {
	Description      string
	Agent            string
	Params           map[string]any
	RequiresApproval bool
}

// Machine drives plan and step status changes. Every transition is
// checked against the allowed table, persisted together with a plan
// updated-at bump in one transaction, and announced on the transition
// feed. Machine is not safe for concurrent writers on the same plan;
// the orchestrator serializes per session.
type Machine struct {
	store Store
	bus   *transitions.Bus
	nowFn func() time.Time
}

type Option func(*Machine)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Machine) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func NewMachine(store Store, bus *transitions.Bus, opts ...Option) *Machine {
	m := &Machine{
		store: store,
		bus:   bus,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Machine) now() time.Time {
	return m.nowFn().UTC()
}

// CreatePlan persists a new active plan and its steps in one
// transaction. Ordinals follow spec order and are immutable afterwards.
func (m *Machine) CreatePlan(ctx context.Context, goal string, params map[string]any, specs []StepSpec) (*records.Plan, []*records.Step, error) {
	if goal == "" {
		return nil, nil, fmt.Errorf("goal is required")
	}
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("at least one step is required")
	}

	p := &records.Plan{
		Goal:   goal,
		Status: records.PlanActive,
		Params: params,
	}
	p.ID = idgen.New()

	steps := make([]*records.Step, 0, len(specs))
	recs := make([]records.Record, 0, len(specs)+1)
	for i, spec := range specs {
		if spec.Agent == "" {
			return nil, nil, fmt.Errorf("step %d: agent is required", i)
		}
		step := &records.Step{
			PlanID:           p.ID,
			Ordinal:          i,
			Description:      spec.Description,
			Agent:            spec.Agent,
			Status:           records.StepPlanned,
			RequiresApproval: spec.RequiresApproval,
			Params:           spec.Params,
		}
		step.ID = idgen.New()
		p.StepIDs = append(p.StepIDs, step.ID)
		steps = append(steps, step)
		recs = append(recs, step)
	}
	recs = append(recs, p)

	if err := m.store.PutAll(ctx, recs...); err != nil {
		return nil, nil, err
	}
	m.publish(ctx, "plan", p.ID, p.ID, "", string(records.PlanActive), "created")
	return p, steps, nil
}

// LoadPlan returns the plan and its steps in ordinal order.
func (m *Machine) LoadPlan(ctx context.Context, planID string) (*records.Plan, []*records.Step, error) {
	rec, ok, err := m.store.Get(ctx, planID, records.KindPlan)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("plan %s not found", planID)
	}
	p, isPlan := rec.(*records.Plan)
	if !isPlan {
		return nil, nil, fmt.Errorf("unexpected record %T", rec)
	}

	recs, err := m.store.Query(ctx, records.KindStep, docstore.Query{
		Fields:  map[string]any{"plan_id": planID},
		OrderBy: "ordinal",
	})
	if err != nil {
		return nil, nil, err
	}
	steps := make([]*records.Step, 0, len(recs))
	for _, r := range recs {
		step, isStep := r.(*records.Step)
		if !isStep {
			return nil, nil, fmt.Errorf("unexpected record %T", r)
		}
		steps = append(steps, step)
	}
	return p, steps, nil
}

// GetStep loads one step by id.
func (m *Machine) GetStep(ctx context.Context, stepID string) (*records.Step, error) {
	rec, ok, err := m.store.Get(ctx, stepID, records.KindStep)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("step %s not found", stepID)
	}
	step, isStep := rec.(*records.Step)
	if !isStep {
		return nil, fmt.Errorf("unexpected record %T", rec)
	}
	return step, nil
}

// RequestAction moves a planned step to action_requested.
func (m *Machine) RequestAction(ctx context.Context, p *records.Plan, step *records.Step) error {
	return m.transitionStep(ctx, p, step, records.StepActionRequested, false, "", nil)
}

// AwaitHuman parks a step until an explicit human decision.
func (m *Machine) AwaitHuman(ctx context.Context, p *records.Plan, step *records.Step) error {
	return m.transitionStep(ctx, p, step, records.StepAwaitingHuman, false, "", nil)
}

// Begin moves a step to in_progress, stamping its start time.
func (m *Machine) Begin(ctx context.Context, p *records.Plan, step *records.Step) error {
	return m.transitionStep(ctx, p, step, records.StepInProgress, false, "", nil)
}

// Complete records the executor result and marks the step completed.
func (m *Machine) Complete(ctx context.Context, p *records.Plan, step *records.Step, result *records.StepResult) error {
	note := ""
	if result != nil {
		note = result.Summary
	}
	return m.transitionStep(ctx, p, step, records.StepCompleted, false, note, func(s *records.Step) {
		s.Result = result
	})
}

// Fail marks the step failed with the reason recorded on it.
func (m *Machine) Fail(ctx context.Context, p *records.Plan, step *records.Step, reason string) error {
	return m.transitionStep(ctx, p, step, records.StepFailed, false, reason, func(s *records.Step) {
		s.Result = &records.StepResult{Summary: reason}
	})
}

// ReturnToActionRequested recovers a step whose executor invocation was
// cancelled mid-flight, so a retry or human override remains possible.
func (m *Machine) ReturnToActionRequested(ctx context.Context, p *records.Plan, step *records.Step, note string) error {
	return m.transitionStep(ctx, p, step, records.StepActionRequested, false, note, nil)
}

// ApplyHumanDecision is the only way out of awaiting_human. The target
// must still be in the allowed table; the note is kept as the step's
// human-feedback annotation.
func (m *Machine) ApplyHumanDecision(ctx context.Context, p *records.Plan, step *records.Step, to records.StepStatus, note string) error {
	if step.Status != records.StepAwaitingHuman {
		return &TransitionError{Entity: "step", ID: step.ID, From: string(step.Status), To: string(to)}
	}
	return m.transitionStep(ctx, p, step, to, true, note, func(s *records.Step) {
		if note != "" {
			s.HumanNote = note
		}
	})
}

// CompletePlanIfReady completes the plan when every step is completed or
// skipped. Returns whether the plan is now completed.
func (m *Machine) CompletePlanIfReady(ctx context.Context, p *records.Plan, steps []*records.Step) (bool, error) {
	if p.Status != records.PlanActive || !AllStepsResolved(steps) {
		return false, nil
	}
	if err := m.transitionPlan(ctx, p, records.PlanCompleted, "all steps resolved"); err != nil {
		return false, err
	}
	return true, nil
}

// FailPlan halts the plan after an unrecoverable step failure.
func (m *Machine) FailPlan(ctx context.Context, p *records.Plan, note string) error {
	return m.transitionPlan(ctx, p, records.PlanFailed, note)
}

// CancelPlan is only reachable via explicit external cancellation.
func (m *Machine) CancelPlan(ctx context.Context, p *records.Plan, note string) error {
	return m.transitionPlan(ctx, p, records.PlanCancelled, note)
}

// AddClarification stores human clarification text against the plan for
// the next planning round. Step statuses are untouched.
func (m *Machine) AddClarification(ctx context.Context, p *records.Plan, text string) error {
	if text == "" {
		return fmt.Errorf("clarification text is required")
	}
	if PlanTerminal(p.Status) {
		return &TransitionError{Entity: "plan", ID: p.ID, From: string(p.Status), To: string(p.Status)}
	}
	p.Clarifications = append(p.Clarifications, records.Clarification{
		Text:      text,
		CreatedAt: m.now(),
	})
	return m.store.Put(ctx, p)
}

func (m *Machine) transitionStep(ctx context.Context, p *records.Plan, step *records.Step, to records.StepStatus, viaHuman bool, note string, mutate func(*records.Step)) error {
	from := step.Status
	if !CanStepTransition(from, to) {
		return &TransitionError{Entity: "step", ID: step.ID, From: string(from), To: string(to)}
	}
	if from == records.StepAwaitingHuman && !viaHuman {
		return &TransitionError{Entity: "step", ID: step.ID, From: string(from), To: string(to)}
	}

	// Keep the whole pre-transition state so a failed write leaves the
	// in-memory step matching the durable record, mutate included.
	prev := *step

	now := m.now()
	step.Status = to
	if to == records.StepInProgress && step.StartedAt == nil {
		t := now
		step.StartedAt = &t
	}
	if StepTerminal(to) && step.CompletedAt == nil {
		t := now
		step.CompletedAt = &t
	}
	if mutate != nil {
		mutate(step)
	}

	if err := m.store.PutAll(ctx, step, p); err != nil {
		*step = prev
		return err
	}
	m.publish(ctx, "step", step.ID, step.PlanID, string(from), string(to), note)
	return nil
}

func (m *Machine) transitionPlan(ctx context.Context, p *records.Plan, to records.PlanStatus, note string) error {
	from := p.Status
	if !CanPlanTransition(from, to) {
		return &TransitionError{Entity: "plan", ID: p.ID, From: string(from), To: string(to)}
	}
	p.Status = to
	if err := m.store.Put(ctx, p); err != nil {
		p.Status = from
		return err
	}
	m.publish(ctx, "plan", p.ID, p.ID, string(from), string(to), note)
	return nil
}

func (m *Machine) publish(ctx context.Context, entity, entityID, planID, from, to, note string) {
	if m.bus == nil {
		return
	}
	_, err := m.bus.Push(ctx, transitions.Event{
		SessionID: m.store.SessionID(),
		Entity:    entity,
		EntityID:  entityID,
		PlanID:    planID,
		From:      from,
		To:        to,
		Note:      note,
	})
	if err != nil {
		log.Printf("[PLAN] Dropped transition event for %s %s (%s -> %s): %v", entity, entityID, from, to, err)
	}
}

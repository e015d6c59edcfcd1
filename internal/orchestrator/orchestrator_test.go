package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/memctx"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/records"
	"github.com/loomworks/loom/internal/testutil"
	"github.com/loomworks/loom/internal/transitions"
)

type fixture struct {
	orch     *orchestrator.Orchestrator
	contexts *memctx.Manager
	bus      *transitions.Bus
	registry *orchestrator.Registry
}

func newFixture(t *testing.T, opts ...orchestrator.Option) *fixture {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	contexts := memctx.NewManager(db, records.NewRegistry())
	bus := transitions.NewBus(db)
	registry := orchestrator.NewRegistry()
	return &fixture{
		orch:     orchestrator.New(contexts, registry, bus, opts...),
		contexts: contexts,
		bus:      bus,
		registry: registry,
	}
}

func (f *fixture) register(t *testing.T, agent string, exec orchestrator.Executor) {
	t.Helper()
	if err := f.registry.Register(agent, exec); err != nil {
		t.Fatalf("register %s: %v", agent, err)
	}
}

func (f *fixture) loadPlan(t *testing.T, sessionID, planID string) (*records.Plan, []*records.Step) {
	t.Helper()
	ctx := context.Background()
	mctx, err := f.contexts.Acquire(ctx, sessionID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mctx.Release()

	machine := plan.NewMachine(mctx.Store(), f.bus)
	p, steps, err := machine.LoadPlan(ctx, planID)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	return p, steps
}

func okExec(summary string) orchestrator.Executor {
	return orchestrator.ExecutorFunc(func(ctx context.Context, step *records.Step) (orchestrator.Result, error) {
		return orchestrator.Result{Summary: summary}, nil
	})
}

func TestAdvanceRunsStepsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ran []string
	f.register(t, "worker", orchestrator.ExecutorFunc(func(ctx context.Context, step *records.Step) (orchestrator.Result, error) {
		ran = append(ran, step.Description)
		return orchestrator.Result{Summary: "did " + step.Description}, nil
	}))

	p, err := f.orch.CreatePlan(ctx, "s1", "three things", nil, []plan.StepSpec{
		{Description: "first", Agent: "worker"},
		{Description: "second", Agent: "worker"},
		{Description: "third", Agent: "worker"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := f.orch.Advance(ctx, "s1", p.ID)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if res.Step == nil || res.Step.Ordinal != i {
			t.Fatalf("advance %d acted on wrong step: %+v", i, res.Step)
		}
		if res.Step.Status != records.StepCompleted {
			t.Fatalf("advance %d: expected completed, got %s", i, res.Step.Status)
		}
	}
	if len(ran) != 3 || ran[0] != "first" || ran[2] != "third" {
		t.Fatalf("steps ran out of order: %v", ran)
	}

	loaded, _ := f.loadPlan(t, "s1", p.ID)
	if loaded.Status != records.PlanCompleted {
		t.Fatalf("expected plan completed, got %s", loaded.Status)
	}

	// A completed plan cannot be advanced.
	if _, err := f.orch.Advance(ctx, "s1", p.ID); !errors.Is(err, plan.ErrInvalidTransition) {
		t.Fatalf("expected advance on completed plan to fail, got %v", err)
	}
}

func TestExecutorFailureHaltsPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "flaky", orchestrator.ExecutorFunc(func(ctx context.Context, step *records.Step) (orchestrator.Result, error) {
		return orchestrator.Result{}, fmt.Errorf("boom")
	}))
	f.register(t, "worker", okExec("fine"))

	p, err := f.orch.CreatePlan(ctx, "s1", "doomed", nil, []plan.StepSpec{
		{Description: "explode", Agent: "flaky"},
		{Description: "never runs", Agent: "worker"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	_, err = f.orch.Advance(ctx, "s1", p.ID)
	if !errors.Is(err, orchestrator.ErrExecutorFailure) {
		t.Fatalf("expected executor failure, got %v", err)
	}

	loaded, steps := f.loadPlan(t, "s1", p.ID)
	if loaded.Status != records.PlanFailed {
		t.Fatalf("expected plan failed, got %s", loaded.Status)
	}
	if steps[0].Status != records.StepFailed {
		t.Fatalf("expected step failed, got %s", steps[0].Status)
	}
	if steps[0].Result == nil || steps[0].Result.Summary != "boom" {
		t.Fatalf("failure reason not recorded: %+v", steps[0].Result)
	}
	if steps[1].Status != records.StepPlanned {
		t.Fatalf("later step should stay planned, got %s", steps[1].Status)
	}
}

func TestUnknownAgentFailsStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.orch.CreatePlan(ctx, "s1", "misconfigured", nil, []plan.StepSpec{
		{Description: "work", Agent: "ghost"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	_, err = f.orch.Advance(ctx, "s1", p.ID)
	if !errors.Is(err, orchestrator.ErrExecutorFailure) {
		t.Fatalf("expected executor failure for unknown agent, got %v", err)
	}
	_, steps := f.loadPlan(t, "s1", p.ID)
	if steps[0].Status != records.StepFailed {
		t.Fatalf("expected failed, got %s", steps[0].Status)
	}
}

func TestExecutorTimeoutIsAnnotated(t *testing.T) {
	f := newFixture(t, orchestrator.WithExecutorTimeout(20*time.Millisecond))
	ctx := context.Background()

	f.register(t, "slow", orchestrator.ExecutorFunc(func(ctx context.Context, step *records.Step) (orchestrator.Result, error) {
		<-ctx.Done()
		return orchestrator.Result{}, ctx.Err()
	}))

	p, err := f.orch.CreatePlan(ctx, "s1", "slow work", nil, []plan.StepSpec{
		{Description: "stall", Agent: "slow"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	_, err = f.orch.Advance(ctx, "s1", p.ID)
	if !errors.Is(err, orchestrator.ErrExecutorFailure) {
		t.Fatalf("expected executor failure, got %v", err)
	}
	_, steps := f.loadPlan(t, "s1", p.ID)
	if steps[0].Result == nil || steps[0].Result.Summary != "timeout after 20ms" {
		t.Fatalf("expected timeout annotation, got %+v", steps[0].Result)
	}
}

func TestCancellationLeavesStepRetryable(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.register(t, "worker", orchestrator.ExecutorFunc(func(execCtx context.Context, step *records.Step) (orchestrator.Result, error) {
		cancel()
		<-execCtx.Done()
		return orchestrator.Result{}, execCtx.Err()
	}))

	p, err := f.orch.CreatePlan(ctx, "s1", "interrupted", nil, []plan.StepSpec{
		{Description: "work", Agent: "worker"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	_, err = f.orch.Advance(ctx, "s1", p.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	loaded, steps := f.loadPlan(t, "s1", p.ID)
	if steps[0].Status != records.StepActionRequested {
		t.Fatalf("expected action_requested after cancellation, got %s", steps[0].Status)
	}
	if loaded.Status != records.PlanActive {
		t.Fatalf("cancellation must not fail the plan, got %s", loaded.Status)
	}
}

func TestCallerDeadlineLeavesStepRetryable(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	f.register(t, "worker", orchestrator.ExecutorFunc(func(execCtx context.Context, step *records.Step) (orchestrator.Result, error) {
		<-execCtx.Done()
		return orchestrator.Result{}, execCtx.Err()
	}))

	p, err := f.orch.CreatePlan(context.Background(), "s1", "deadline", nil, []plan.StepSpec{
		{Description: "work", Agent: "worker"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	_, err = f.orch.Advance(ctx, "s1", p.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	loaded, steps := f.loadPlan(t, "s1", p.ID)
	if steps[0].Status != records.StepActionRequested {
		t.Fatalf("expected action_requested after caller deadline, got %s", steps[0].Status)
	}
	if loaded.Status != records.PlanActive {
		t.Fatalf("caller deadline must not fail the plan, got %s", loaded.Status)
	}
}

func TestRecoveredStepRetriesThroughAdvance(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	f.register(t, "worker", orchestrator.ExecutorFunc(func(execCtx context.Context, step *records.Step) (orchestrator.Result, error) {
		attempts++
		if attempts == 1 {
			cancel()
			<-execCtx.Done()
			return orchestrator.Result{}, execCtx.Err()
		}
		return orchestrator.Result{Summary: "second try"}, nil
	}))

	p, err := f.orch.CreatePlan(context.Background(), "s1", "interrupted", nil, []plan.StepSpec{
		{Description: "work", Agent: "worker"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	if _, err := f.orch.Advance(ctx, "s1", p.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The recovered step is picked up again, not passed over.
	res, err := f.orch.Advance(context.Background(), "s1", p.ID)
	if err != nil {
		t.Fatalf("retry advance: %v", err)
	}
	if res.Step == nil || res.Step.Ordinal != 0 || res.Step.Status != records.StepCompleted {
		t.Fatalf("expected the recovered step to complete, got %+v", res.Step)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 executor invocations, got %d", attempts)
	}

	loaded, _ := f.loadPlan(t, "s1", p.ID)
	if loaded.Status != records.PlanCompleted {
		t.Fatalf("expected plan completed, got %s", loaded.Status)
	}
}

func TestParkedStepBlocksLaterSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "worker", okExec("done"))

	p, err := f.orch.CreatePlan(ctx, "s1", "gated first", nil, []plan.StepSpec{
		{Description: "risky", Agent: "worker", RequiresApproval: true},
		{Description: "safe", Agent: "worker"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	res, err := f.orch.Advance(ctx, "s1", p.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !res.AwaitingHuman || res.Step.Ordinal != 0 {
		t.Fatalf("expected step 0 parked, got %+v", res.Step)
	}

	// Advancing again must keep reporting the parked step, never start
	// a later one behind its back.
	res, err = f.orch.Advance(ctx, "s1", p.ID)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if !res.AwaitingHuman || res.Step == nil || res.Step.Ordinal != 0 {
		t.Fatalf("expected the parked step to keep blocking, got %+v", res.Step)
	}
	_, steps := f.loadPlan(t, "s1", p.ID)
	if steps[0].Status != records.StepAwaitingHuman {
		t.Fatalf("expected step 0 still awaiting_human, got %s", steps[0].Status)
	}
	if steps[1].Status != records.StepPlanned {
		t.Fatalf("later step must stay planned, got %s", steps[1].Status)
	}

	if _, err := f.orch.ApplyHumanFeedback(ctx, orchestrator.Feedback{
		SessionID: "s1", PlanID: p.ID, StepID: steps[0].ID, Approved: true,
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.orch.Advance(ctx, "s1", p.ID); err != nil {
		t.Fatalf("advance after approval: %v", err)
	}
	loaded, _ := f.loadPlan(t, "s1", p.ID)
	if loaded.Status != records.PlanCompleted {
		t.Fatalf("expected plan completed, got %s", loaded.Status)
	}
}

func TestMixedOutcomePlansComplete(t *testing.T) {
	// Every fifth step is approval-gated; gates on ordinals ending in 3
	// get rejected and skipped, the rest are approved.
	for _, n := range []int{1, 5, 50} {
		t.Run(fmt.Sprintf("%d_steps", n), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.register(t, "worker", okExec("done"))

			specs := make([]plan.StepSpec, n)
			for i := range specs {
				specs[i] = plan.StepSpec{
					Description:      fmt.Sprintf("step %d", i),
					Agent:            "worker",
					RequiresApproval: i%5 == 3,
				}
			}
			p, err := f.orch.CreatePlan(ctx, "s1", "bulk work", nil, specs)
			if err != nil {
				t.Fatalf("create plan: %v", err)
			}

			for i := 0; i < 4*n+4; i++ {
				loaded, _ := f.loadPlan(t, "s1", p.ID)
				if loaded.Status != records.PlanActive {
					break
				}
				res, err := f.orch.Advance(ctx, "s1", p.ID)
				if err != nil {
					t.Fatalf("advance: %v", err)
				}
				if res.AwaitingHuman {
					_, err := f.orch.ApplyHumanFeedback(ctx, orchestrator.Feedback{
						SessionID: "s1",
						PlanID:    p.ID,
						StepID:    res.Step.ID,
						Approved:  res.Step.Ordinal%10 != 3,
					})
					if err != nil {
						t.Fatalf("feedback on step %d: %v", res.Step.Ordinal, err)
					}
				}
			}

			loaded, steps := f.loadPlan(t, "s1", p.ID)
			if loaded.Status != records.PlanCompleted {
				t.Fatalf("expected plan completed, got %s", loaded.Status)
			}
			completed, skipped := 0, 0
			for _, s := range steps {
				switch s.Status {
				case records.StepCompleted:
					completed++
				case records.StepSkipped:
					if s.Ordinal%10 != 3 {
						t.Fatalf("step %d unexpectedly skipped", s.Ordinal)
					}
					skipped++
				default:
					t.Fatalf("step %d left unresolved: %s", s.Ordinal, s.Status)
				}
			}
			wantSkipped := 0
			for i := 0; i < n; i++ {
				if i%5 == 3 && i%10 == 3 {
					wantSkipped++
				}
			}
			if skipped != wantSkipped || completed != n-wantSkipped {
				t.Fatalf("got %d completed / %d skipped, want %d / %d", completed, skipped, n-wantSkipped, wantSkipped)
			}
		})
	}
}

func TestApprovalGateAndApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "worker", okExec("carefully done"))

	p, err := f.orch.CreatePlan(ctx, "s1", "gated work", nil, []plan.StepSpec{
		{Description: "risky", Agent: "worker", RequiresApproval: true},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	res, err := f.orch.Advance(ctx, "s1", p.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !res.AwaitingHuman || res.Step.Status != records.StepAwaitingHuman {
		t.Fatalf("expected step parked in awaiting_human, got %+v", res.Step)
	}

	step, err := f.orch.ApplyHumanFeedback(ctx, orchestrator.Feedback{
		SessionID: "s1",
		PlanID:    p.ID,
		StepID:    res.Step.ID,
		Approved:  true,
		Note:      "looks safe",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if step.Status != records.StepCompleted {
		t.Fatalf("expected approved step to run to completion, got %s", step.Status)
	}
	if step.HumanNote != "looks safe" {
		t.Fatalf("expected note on step, got %q", step.HumanNote)
	}

	loaded, _ := f.loadPlan(t, "s1", p.ID)
	if loaded.Status != records.PlanCompleted {
		t.Fatalf("expected plan completed, got %s", loaded.Status)
	}

	// Feedback on an already-resolved step is an invalid transition.
	_, err = f.orch.ApplyHumanFeedback(ctx, orchestrator.Feedback{
		SessionID: "s1", PlanID: p.ID, StepID: step.ID, Approved: true,
	})
	if !errors.Is(err, plan.ErrInvalidTransition) {
		t.Fatalf("expected repeat feedback to fail, got %v", err)
	}
}

func TestRejectSkipsStepByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "worker", okExec("done"))

	p, err := f.orch.CreatePlan(ctx, "s1", "partly gated", nil, []plan.StepSpec{
		{Description: "risky", Agent: "worker", RequiresApproval: true},
		{Description: "safe", Agent: "worker"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	res, err := f.orch.Advance(ctx, "s1", p.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	step, err := f.orch.ApplyHumanFeedback(ctx, orchestrator.Feedback{
		SessionID: "s1", PlanID: p.ID, StepID: res.Step.ID, Approved: false, Note: "too risky",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if step.Status != records.StepSkipped {
		t.Fatalf("expected skip policy, got %s", step.Status)
	}

	// The plan continues past the skipped step.
	res, err = f.orch.Advance(ctx, "s1", p.ID)
	if err != nil {
		t.Fatalf("advance after skip: %v", err)
	}
	if res.Step == nil || res.Step.Description != "safe" {
		t.Fatalf("expected the next step to run, got %+v", res.Step)
	}

	loaded, _ := f.loadPlan(t, "s1", p.ID)
	if loaded.Status != records.PlanCompleted {
		t.Fatalf("expected plan completed, got %s", loaded.Status)
	}
}

func TestRejectFailPolicyFailsPlan(t *testing.T) {
	f := newFixture(t, orchestrator.WithRejectionPolicy(orchestrator.RejectFail))
	ctx := context.Background()

	f.register(t, "worker", okExec("done"))

	p, err := f.orch.CreatePlan(ctx, "s1", "strict", nil, []plan.StepSpec{
		{Description: "risky", Agent: "worker", RequiresApproval: true},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	res, err := f.orch.Advance(ctx, "s1", p.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	step, err := f.orch.ApplyHumanFeedback(ctx, orchestrator.Feedback{
		SessionID: "s1", PlanID: p.ID, StepID: res.Step.ID, Approved: false,
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if step.Status != records.StepFailed {
		t.Fatalf("expected fail policy, got %s", step.Status)
	}
	loaded, _ := f.loadPlan(t, "s1", p.ID)
	if loaded.Status != records.PlanFailed {
		t.Fatalf("expected plan failed, got %s", loaded.Status)
	}
}

func TestClarificationKeepsStepsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "worker", okExec("done"))

	p, err := f.orch.CreatePlan(ctx, "s1", "needs detail", nil, []plan.StepSpec{
		{Description: "work", Agent: "worker"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	updated, err := f.orch.ApplyClarification(ctx, "s1", p.ID, "use the staging environment")
	if err != nil {
		t.Fatalf("clarify: %v", err)
	}
	if len(updated.Clarifications) != 1 {
		t.Fatalf("expected 1 clarification, got %d", len(updated.Clarifications))
	}

	_, steps := f.loadPlan(t, "s1", p.ID)
	if steps[0].Status != records.StepPlanned {
		t.Fatalf("clarification must not move steps, got %s", steps[0].Status)
	}
}

func TestPlanConversationRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "worker", okExec("wrote the report"))

	p, err := f.orch.CreatePlan(ctx, "s1", "write report", nil, []plan.StepSpec{
		{Description: "write", Agent: "worker"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := f.orch.Advance(ctx, "s1", p.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}

	mctx, err := f.contexts.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mctx.Release()

	msgs := mctx.RecentMessages(0)
	if len(msgs) != 2 {
		t.Fatalf("expected goal and result turns, got %d", len(msgs))
	}
	if msgs[0].Role != records.RoleUser || msgs[0].Content != "write report" {
		t.Fatalf("unexpected first turn: %+v", msgs[0])
	}
	if msgs[1].Role != records.RoleAssistant || msgs[1].Content != "worker: wrote the report" {
		t.Fatalf("unexpected second turn: %+v", msgs[1])
	}
}

func TestRegistryIsInstanceOwned(t *testing.T) {
	a := orchestrator.NewRegistry()
	b := orchestrator.NewRegistry()

	if err := a.Register("worker", okExec("x")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := b.Lookup("worker"); ok {
		t.Fatalf("registries must not share executors")
	}
	if err := a.Register("worker", okExec("y")); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if got := a.Agents(); len(got) != 1 || got[0] != "worker" {
		t.Fatalf("unexpected agent list: %v", got)
	}
}

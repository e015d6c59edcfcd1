package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/memctx"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/records"
	"github.com/loomworks/loom/internal/testutil"
	"github.com/loomworks/loom/internal/transitions"
)

// Exercises the whole stack: plan creation, an approval gate, executor
// dispatch, memory writes, and the transition feed, all against one
// database.
func TestPlanFlowEndToEnd(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	contexts := memctx.NewManager(db, records.NewRegistry(), memctx.WithBufferCapacity(10))
	bus := transitions.NewBus(db)
	registry := orchestrator.NewRegistry()
	orch := orchestrator.New(contexts, registry, bus)
	ctx := context.Background()

	if err := registry.Register("researcher", orchestrator.ExecutorFunc(func(ctx context.Context, step *records.Step) (orchestrator.Result, error) {
		return orchestrator.Result{
			Summary: "found three sources",
			Output:  map[string]any{"sources": 3},
		}, nil
	})); err != nil {
		t.Fatalf("register researcher: %v", err)
	}
	if err := registry.Register("publisher", orchestrator.ExecutorFunc(func(ctx context.Context, step *records.Step) (orchestrator.Result, error) {
		return orchestrator.Result{Summary: "published"}, nil
	})); err != nil {
		t.Fatalf("register publisher: %v", err)
	}

	feed := bus.Subscribe(ctx, "s1")

	p, err := orch.CreatePlan(ctx, "s1", "research and publish", nil, []plan.StepSpec{
		{Description: "research the topic", Agent: "researcher"},
		{Description: "publish the findings", Agent: "publisher", RequiresApproval: true},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	// Step 0 runs straight through.
	res, err := orch.Advance(ctx, "s1", p.ID)
	if err != nil {
		t.Fatalf("advance step 0: %v", err)
	}
	if res.Step.Status != records.StepCompleted {
		t.Fatalf("expected step 0 completed, got %s", res.Step.Status)
	}
	if res.Step.Result.Output["sources"] != float64(3) && res.Step.Result.Output["sources"] != 3 {
		t.Fatalf("executor output lost: %+v", res.Step.Result.Output)
	}

	// Step 1 parks for approval, then runs on approve.
	res, err = orch.Advance(ctx, "s1", p.ID)
	if err != nil {
		t.Fatalf("advance step 1: %v", err)
	}
	if !res.AwaitingHuman {
		t.Fatalf("expected approval gate")
	}
	step, err := orch.ApplyHumanFeedback(ctx, orchestrator.Feedback{
		SessionID: "s1", PlanID: p.ID, StepID: res.Step.ID, Approved: true, Note: "go ahead",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if step.Status != records.StepCompleted {
		t.Fatalf("expected step 1 completed, got %s", step.Status)
	}

	// Memory survives across context acquisitions.
	mctx, err := contexts.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mctx.Release()

	if err := mctx.UpsertMemory(ctx, &records.MemoryRecord{
		Collection: "findings", Key: "topic", Text: "three sources", Embedding: []float32{1, 0},
	}); err != nil {
		t.Fatalf("upsert memory: %v", err)
	}
	matches, err := mctx.Nearest(ctx, "findings", []float32{1, 0}, 1, 0)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(matches) != 1 || matches[0].Record.Text != "three sources" {
		t.Fatalf("unexpected memory result: %+v", matches)
	}

	msgs := mctx.RecentMessages(0)
	if len(msgs) != 3 {
		t.Fatalf("expected goal plus two result turns, got %d", len(msgs))
	}

	loadedRec, ok, err := mctx.Get(ctx, p.ID, records.KindPlan)
	if err != nil || !ok {
		t.Fatalf("load plan: ok=%v err=%v", ok, err)
	}
	if loadedRec.(*records.Plan).Status != records.PlanCompleted {
		t.Fatalf("expected plan completed")
	}

	// The live feed saw the whole lifecycle, ending with plan
	// completion.
	var last transitions.Event
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case ev := <-feed:
			last = ev
			if ev.Entity == "plan" && ev.To == string(records.PlanCompleted) {
				break drain
			}
		case <-deadline:
			t.Fatalf("never saw plan completion on the feed, last: %+v", last)
		}
	}

	events, err := bus.List(ctx, "s1", 50)
	if err != nil {
		t.Fatalf("list feed: %v", err)
	}
	if len(events) < 6 {
		t.Fatalf("expected a full transition history, got %d", len(events))
	}
}

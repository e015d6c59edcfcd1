// Package plan models a plan as an ordered collection of steps and owns
// the rules for how their statuses may change. Transition tables are
// pure functions; persistence lives in Machine.
package plan

import (
	"errors"
	"fmt"

	"github.com/loomworks/loom/internal/records"
)

var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports a status change outside the allowed table.
// Retrying cannot make an illegal transition legal, so it is surfaced
// immediately and never retried.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// CanStepTransition reports whether a step may move between the two
// statuses at all. Leaving awaiting_human has the additional rule that
// only a human decision may do it; Machine enforces that separately.
func CanStepTransition(from, to records.StepStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case records.StepPlanned:
		return to == records.StepActionRequested
	case records.StepActionRequested:
		return to == records.StepInProgress || to == records.StepAwaitingHuman || to == records.StepFailed
	case records.StepInProgress:
		// action_requested is the recovery state after a cancelled
		// executor invocation.
		return to == records.StepCompleted || to == records.StepFailed || to == records.StepSkipped ||
			to == records.StepAwaitingHuman || to == records.StepActionRequested
	case records.StepAwaitingHuman:
		return to == records.StepInProgress || to == records.StepCompleted ||
			to == records.StepFailed || to == records.StepSkipped
	default:
		return false
	}
}

// CanPlanTransition reports whether a plan may move between the two
// statuses. Terminal statuses are never left.
func CanPlanTransition(from, to records.PlanStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case records.PlanActive:
		return to == records.PlanCompleted || to == records.PlanFailed || to == records.PlanCancelled
	default:
		return false
	}
}

func StepTerminal(status records.StepStatus) bool {
	switch status {
	case records.StepCompleted, records.StepFailed, records.StepSkipped:
		return true
	default:
		return false
	}
}

func PlanTerminal(status records.PlanStatus) bool {
	switch status {
	case records.PlanCompleted, records.PlanFailed, records.PlanCancelled:
		return true
	default:
		return false
	}
}

// AllStepsResolved reports whether every step is completed or skipped,
// the condition under which a plan completes.
func AllStepsResolved(steps []*records.Step) bool {
	for _, step := range steps {
		if step.Status != records.StepCompleted && step.Status != records.StepSkipped {
			return false
		}
	}
	return len(steps) > 0
}

// NextUnresolvedStep returns the unresolved step with the lowest
// ordinal, or nil when every step is terminal. Steps resolve strictly
// in ordinal order, one at a time: a later step never starts while an
// earlier one is still planned, parked, recovered, or running.
func NextUnresolvedStep(steps []*records.Step) *records.Step {
	var next *records.Step
	for _, step := range steps {
		if StepTerminal(step.Status) {
			continue
		}
		if next == nil || step.Ordinal < next.Ordinal {
			next = step
		}
	}
	return next
}

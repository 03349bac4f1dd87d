package phase

import (
	"context"
	"fmt"

	"coe/pkg/protocol"
	"coe/pkg/store"
)

// GateResult is the evaluation of a plan's current phase gate.
type GateResult struct {
	PlanID   string
	Phase    protocol.Phase
	Passed   bool
	Blockers []string
}

// unresolved are the statuses that keep a ticket counting as open work.
var unresolved = []protocol.TicketStatus{
	protocol.StatusOpen,
	protocol.StatusInReview,
	protocol.StatusOnHold,
	protocol.StatusEscalated,
}

// gate returns the blockers for plan's current phase. An empty slice means
// the gate passes.
func (e *Engine) gate(ctx context.Context, plan *protocol.Plan) ([]string, error) {
	switch plan.Phase {
	case protocol.PhasePlanning:
		return e.planningBlockers(ctx, plan)
	case protocol.PhaseDesigning:
		return e.openWork(ctx, plan.ID, "design", protocol.OpDesign)
	case protocol.PhaseDesignReview:
		return e.designReviewBlockers(ctx, plan)
	case protocol.PhaseTaskGeneration:
		tasks, err := e.store.ListTasks(ctx, plan.ID)
		if err != nil {
			return nil, err
		}
		blockers, err := e.openWork(ctx, plan.ID, "task generation", protocol.OpTaskGeneration)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			blockers = append(blockers, "plan has no tasks")
		}
		return blockers, nil
	case protocol.PhaseCoding:
		return e.codingBlockers(ctx, plan)
	case protocol.PhaseVerification:
		return e.openWork(ctx, plan.ID, "verification", protocol.OpVerification)
	case protocol.PhaseDesignUpdate:
		return e.openWork(ctx, plan.ID, "design update", protocol.OpDesignUpdate)
	case protocol.PhaseComplete:
		return []string{"plan is complete"}, nil
	default:
		return []string{fmt.Sprintf("unknown phase %q", plan.Phase)}, nil
	}
}

func (e *Engine) planningBlockers(ctx context.Context, plan *protocol.Plan) ([]string, error) {
	tasks, err := e.store.ListTasks(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	blockers, err := e.openWork(ctx, plan.ID, "planning", protocol.OpPlanning)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return append(blockers, "plan has no tasks"), nil
	}
	for _, t := range tasks {
		blockers = append(blockers, taskProblems(t)...)
	}
	return blockers, nil
}

// taskProblems lists what a task is missing before planning can finish.
func taskProblems(t protocol.Task) []string {
	name := t.Title
	if name == "" {
		name = t.ID
	}
	var out []string
	if t.Title == "" {
		out = append(out, fmt.Sprintf("task %s has no title", name))
	}
	if t.Description == "" {
		out = append(out, fmt.Sprintf("task %q has no description", name))
	}
	if t.Priority == "" {
		out = append(out, fmt.Sprintf("task %q has no priority", name))
	}
	if t.AcceptanceCriteria == "" {
		out = append(out, fmt.Sprintf("task %q has no acceptance criteria", name))
	}
	if t.EstimatedMinutes < protocol.MinTaskMinutes || t.EstimatedMinutes > protocol.MaxTaskMinutes {
		out = append(out, fmt.Sprintf("task %q estimate %dm outside %d-%dm",
			name, t.EstimatedMinutes, protocol.MinTaskMinutes, protocol.MaxTaskMinutes))
	}
	return out
}

func (e *Engine) designReviewBlockers(ctx context.Context, plan *protocol.Plan) ([]string, error) {
	var blockers []string
	if !plan.DesignApproved {
		blockers = append(blockers, "design not approved")
	}
	ghost := true
	pending, err := e.store.ListTickets(ctx, store.TicketFilter{
		PlanID:     plan.ID,
		Ghost:      &ghost,
		Statuses:   unresolved,
		Processing: []protocol.ProcessingStatus{protocol.ProcessingAwaitingUser},
	})
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		blockers = append(blockers, fmt.Sprintf("%d unanswered question(s)", len(pending)))
	}
	return blockers, nil
}

func (e *Engine) codingBlockers(ctx context.Context, plan *protocol.Plan) ([]string, error) {
	blockers, err := e.openWork(ctx, plan.ID, "coding", protocol.OpCodeGeneration)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == protocol.TaskFailed || t.Status == protocol.TaskBlocked {
			blockers = append(blockers, fmt.Sprintf("task %q is %s", t.Title, t.Status))
		}
	}
	return blockers, nil
}

// openWork reports unresolved non-ghost tickets of the given operation type.
func (e *Engine) openWork(ctx context.Context, planID, label, op string) ([]string, error) {
	ghost := false
	open, err := e.store.ListTickets(ctx, store.TicketFilter{
		PlanID:         planID,
		Statuses:       unresolved,
		OperationTypes: []string{op},
		Ghost:          &ghost,
	})
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	return []string{fmt.Sprintf("%d open %s ticket(s)", len(open), label)}, nil
}

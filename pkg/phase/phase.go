// Package phase advances a plan through its lifecycle phases. Each phase
// has a gate over the plan's tickets and tasks; when the gate passes the
// plan moves forward one phase and the next phase's starter tickets are
// created.
package phase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coe/pkg/events"
	"coe/pkg/protocol"
	"coe/pkg/router"
	"coe/pkg/scheduler"
	"coe/pkg/store"
)

// Enqueuer queues newly created starter tickets.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *protocol.Ticket) (scheduler.AddResult, error)
}

// Engine evaluates phase gates.
type Engine struct {
	store  store.Store
	queue  Enqueuer
	bus    events.Emitter
	logger *slog.Logger
}

// New creates an Engine. queue may be nil, in which case starter tickets
// are left open for recovery to pick up.
func New(st store.Store, queue Enqueuer, bus events.Emitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.Discard{}
	}
	return &Engine{store: st, queue: queue, bus: bus, logger: logger}
}

// plan loads planID, or the active plan when planID is empty.
func (e *Engine) plan(ctx context.Context, planID string) (*protocol.Plan, error) {
	if planID == "" {
		return e.store.GetActivePlan(ctx)
	}
	return e.store.GetPlan(ctx, planID)
}

// Evaluate checks the gate of the plan's current phase.
func (e *Engine) Evaluate(ctx context.Context, planID string) (GateResult, error) {
	p, err := e.plan(ctx, planID)
	if err != nil {
		return GateResult{}, err
	}
	return e.evaluate(ctx, p)
}

func (e *Engine) evaluate(ctx context.Context, p *protocol.Plan) (GateResult, error) {
	blockers, err := e.gate(ctx, p)
	if err != nil {
		return GateResult{}, fmt.Errorf("evaluate %s gate: %w", p.Phase, err)
	}
	return GateResult{PlanID: p.ID, Phase: p.Phase, Passed: len(blockers) == 0, Blockers: blockers}, nil
}

// CheckAndAdvance moves the plan forward one phase when its gate passes and
// creates the new phase's starter tickets. It reports whether the plan
// advanced. Phases never regress and complete is terminal.
func (e *Engine) CheckAndAdvance(ctx context.Context, planID string) (GateResult, bool, error) {
	p, err := e.plan(ctx, planID)
	if err != nil {
		return GateResult{}, false, err
	}
	res, err := e.evaluate(ctx, p)
	if err != nil || !res.Passed {
		return res, false, err
	}
	next, ok := p.Phase.Next()
	if !ok {
		return res, false, nil
	}

	if err := e.store.SetPlanPhase(ctx, p.ID, next); err != nil {
		return res, false, fmt.Errorf("advance plan %s: %w", p.ID, err)
	}
	e.logger.Info("plan advanced", "plan_id", p.ID, "from", string(p.Phase), "to", string(next))
	_ = e.store.Audit(ctx, protocol.AuditEntry{
		Kind: "phase_advanced", Source: "phase", Detail: fmt.Sprintf("%s: %s -> %s", p.Name, p.Phase, next),
	})
	e.bus.Emit(ctx, events.Event{Type: events.PhaseAdvanced, PlanID: p.ID, Payload: events.PhasePayload{From: p.Phase, To: next}})

	prev := p.Phase
	p.Phase = next
	if err := e.startPhase(ctx, p); err != nil {
		e.logger.Warn("starter tickets", "plan_id", p.ID, "phase", string(next), "error", err)
	}
	return GateResult{PlanID: p.ID, Phase: prev, Passed: true}, true, nil
}

// startPhase creates the starter tickets for the phase p just entered.
func (e *Engine) startPhase(ctx context.Context, p *protocol.Plan) error {
	switch p.Phase {
	case protocol.PhaseDesigning:
		tasks, err := e.store.ListTasks(ctx, p.ID)
		if err != nil {
			return err
		}
		return e.starter(ctx, &protocol.Ticket{
			Title:         "Design: " + p.Name,
			Body:          "Write the design document for this plan.\n\n## Tasks\n" + taskList(tasks),
			OperationType: protocol.OpDesign,
			PlanID:        p.ID,
		})
	case protocol.PhaseDesignReview:
		q, err := e.store.CreateQuestion(ctx, store.Question{
			PlanID:        p.ID,
			Title:         "Approve the design for " + p.Name,
			Body:          protocol.FormatEscalation(protocol.EscDesignReview, p.Name, "design is ready for review", "Approve the plan to continue to task generation"),
			OperationType: protocol.OpApproval,
		})
		if err != nil {
			return err
		}
		e.bus.Emit(ctx, events.Event{Type: events.QuestionAsked, TicketID: q.ID, PlanID: p.ID})
		return nil
	case protocol.PhaseTaskGeneration:
		return e.starter(ctx, &protocol.Ticket{
			Title:         "Generate tasks: " + p.Name,
			Body:          "Break the approved design into tasks of 15-45 minutes with acceptance criteria.",
			OperationType: protocol.OpTaskGeneration,
			PlanID:        p.ID,
		})
	case protocol.PhaseCoding:
		return e.perTask(ctx, p, protocol.OpCodeGeneration, func(t protocol.Task) bool {
			return t.Status == protocol.TaskPending || t.Status == protocol.TaskReady
		}, func(t protocol.Task) *protocol.Ticket {
			return &protocol.Ticket{
				Title:              t.Title,
				Body:               t.Description,
				AcceptanceCriteria: t.AcceptanceCriteria,
				Priority:           t.Priority,
				OperationType:      protocol.OpCodeGeneration,
				TaskID:             t.ID,
				PlanID:             p.ID,
			}
		})
	case protocol.PhaseVerification:
		return e.perTask(ctx, p, protocol.OpVerification, func(t protocol.Task) bool {
			return t.Status == protocol.TaskDone
		}, func(t protocol.Task) *protocol.Ticket {
			return &protocol.Ticket{
				Title:              "Verify: " + t.Title,
				Body:               "Verify the implementation against the acceptance criteria and report PASS or FAIL per criterion.",
				AcceptanceCriteria: t.AcceptanceCriteria,
				Priority:           t.Priority,
				OperationType:      protocol.OpVerification,
				TaskID:             t.ID,
				PlanID:             p.ID,
			}
		})
	case protocol.PhaseDesignUpdate:
		return e.starter(ctx, &protocol.Ticket{
			Title:         "Design update: " + p.Name,
			Body:          "Update the design document to match what was built and verified.",
			OperationType: protocol.OpDesignUpdate,
			PlanID:        p.ID,
		})
	}
	return nil
}

// perTask creates one ticket per eligible task that has no ticket of op yet.
func (e *Engine) perTask(ctx context.Context, p *protocol.Plan, op string,
	eligible func(protocol.Task) bool, build func(protocol.Task) *protocol.Ticket,
) error {
	tasks, err := e.store.ListTasks(ctx, p.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !eligible(t) {
			continue
		}
		existing, err := e.store.ListTickets(ctx, store.TicketFilter{TaskID: t.ID, OperationTypes: []string{op}, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		if err := e.starter(ctx, build(t)); err != nil {
			return err
		}
		if op == protocol.OpCodeGeneration {
			if err := e.store.SetTaskStatus(ctx, t.ID, protocol.TaskInProgress); err != nil {
				e.logger.Warn("mark task in progress", "task_id", t.ID, "error", err)
			}
		}
	}
	return nil
}

func (e *Engine) starter(ctx context.Context, t *protocol.Ticket) error {
	created, err := e.store.CreateTicket(ctx, t)
	if err != nil {
		return err
	}
	e.logger.Info("starter ticket created", "ticket_id", created.ID, "title", created.Title)
	if e.queue != nil {
		if _, err := e.queue.Enqueue(ctx, created); err != nil {
			e.logger.Warn("enqueue starter ticket", "ticket_id", created.ID, "error", err)
		}
	}
	e.bus.Emit(ctx, events.Event{Type: events.TicketCreated, TicketID: created.ID, PlanID: created.PlanID})
	return nil
}

func taskList(tasks []protocol.Task) string {
	if len(tasks) == 0 {
		return "(no tasks recorded)"
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s (%s, %dm)\n", t.Title, t.Priority, t.EstimatedMinutes)
	}
	return b.String()
}

// Attach subscribes the engine to ticket outcomes: task bookkeeping on
// resolve and escalate, then a gate check on the owning plan.
func (e *Engine) Attach(bus *events.Bus) func() {
	offResolved := bus.Subscribe(events.TicketResolved, func(ctx context.Context, ev events.Event) {
		e.onResolved(ctx, ev.TicketID)
	})
	offEscalated := bus.Subscribe(events.TicketEscalated, func(ctx context.Context, ev events.Event) {
		e.onEscalated(ctx, ev.TicketID)
	})
	return func() {
		offResolved()
		offEscalated()
	}
}

func (e *Engine) onResolved(ctx context.Context, ticketID string) {
	t, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		e.logger.Warn("phase check: load ticket", "ticket_id", ticketID, "error", err)
		return
	}
	if t.TaskID != "" && isCoding(t) {
		if err := e.store.SetTaskStatus(ctx, t.TaskID, protocol.TaskDone); err != nil {
			e.logger.Warn("mark task done", "task_id", t.TaskID, "error", err)
		}
	}
	planID := e.ownerPlan(ctx, t)
	if planID == "" {
		return
	}
	if _, _, err := e.CheckAndAdvance(ctx, planID); err != nil {
		e.logger.Warn("phase check failed", "plan_id", planID, "error", err)
	}
}

func (e *Engine) onEscalated(ctx context.Context, ticketID string) {
	t, err := e.store.GetTicket(ctx, ticketID)
	if err != nil || t.TaskID == "" || !isCoding(t) {
		return
	}
	if err := e.store.SetTaskStatus(ctx, t.TaskID, protocol.TaskFailed); err != nil {
		e.logger.Warn("mark task failed", "task_id", t.TaskID, "error", err)
	}
}

func isCoding(t *protocol.Ticket) bool {
	return !t.IsGhost && router.Classify(t) == router.KindCoding
}

func (e *Engine) ownerPlan(ctx context.Context, t *protocol.Ticket) string {
	planID, err := store.OwningPlan(ctx, e.store, t)
	if err != nil {
		e.logger.Warn("phase check: resolve plan", "ticket_id", t.ID, "error", err)
	}
	return planID
}

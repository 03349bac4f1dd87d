package boss

import (
	"context"
	"fmt"
	"strings"

	"coe/pkg/events"
	"coe/pkg/protocol"
	"coe/pkg/store"
)

// ExecuteActions runs boss actions in order. A failing or panicking action
// is logged and the rest still run. source names the origin for the audit
// trail ("health_check:idle", "boss_directive").
func (e *Engine) ExecuteActions(ctx context.Context, source string, actions []protocol.Action) {
	for _, a := range actions {
		if err := e.executeAction(ctx, source, a); err != nil {
			e.logger.Warn("boss action failed", "source", source, "action", string(a.Type()), "error", err)
		}
	}
}

func (e *Engine) executeAction(ctx context.Context, source string, a protocol.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	switch act := a.(type) {
	case protocol.CreateTicketAction:
		return e.createTicket(ctx, source, act)
	case protocol.EscalateAction:
		return e.escalate(ctx, source, act)
	case protocol.LogAction:
		level := act.Level
		if level == "" {
			level = "info"
		}
		e.logger.Info("boss log", "source", source, "level", level, "message", act.Message)
		return e.store.Audit(ctx, protocol.AuditEntry{
			Kind: "boss_log", Source: source, Detail: fmt.Sprintf("[%s] %s", level, act.Message),
		})
	default:
		return fmt.Errorf("unsupported action %T", a)
	}
}

// createTicket creates a ticket unless an open or in-review ticket already
// has the same title.
func (e *Engine) createTicket(ctx context.Context, source string, act protocol.CreateTicketAction) error {
	title := strings.TrimSpace(act.Title)
	if title == "" {
		return fmt.Errorf("create_ticket: empty title")
	}
	existing, err := e.store.ListTickets(ctx, store.TicketFilter{
		Title:    title,
		Statuses: []protocol.TicketStatus{protocol.StatusOpen, protocol.StatusInReview},
		Limit:    1,
	})
	if err != nil {
		return fmt.Errorf("create_ticket dedupe: %w", err)
	}
	if len(existing) > 0 {
		e.logger.Info("boss ticket already exists", "title", title, "ticket_id", existing[0].ID)
		return nil
	}

	t := &protocol.Ticket{
		Title:              title,
		Body:               act.Body,
		Priority:           act.Priority,
		OperationType:      act.OperationType,
		AcceptanceCriteria: act.AcceptanceCriteria,
		BlockingTicketID:   act.BlockingTicketID,
	}
	if p, err := e.store.GetActivePlan(ctx); err == nil {
		t.PlanID = p.ID
	}
	created, err := e.store.CreateTicket(ctx, t)
	if err != nil {
		return fmt.Errorf("create_ticket: %w", err)
	}
	_ = e.store.Audit(ctx, protocol.AuditEntry{
		Kind: "boss_ticket_created", Source: source, TicketID: created.ID, Detail: created.Title,
	})
	e.logger.Info("boss created ticket", "ticket_id", created.ID, "title", created.Title, "source", source)
	e.enqueueIfEligible(ctx, created)
	e.bus.Emit(ctx, events.Event{Type: events.TicketCreated, TicketID: created.ID, PlanID: created.PlanID})
	return nil
}

// escalate asks the user a question on the active plan. Without an active
// plan the question goes to the audit log.
func (e *Engine) escalate(ctx context.Context, source string, act protocol.EscalateAction) error {
	if strings.TrimSpace(act.Question) == "" {
		return fmt.Errorf("escalate: empty question")
	}
	ref := "system"
	if act.TicketID != "" {
		if t, err := e.store.GetTicket(ctx, act.TicketID); err == nil {
			ref = t.Ref()
		}
	}
	body := protocol.FormatEscalation(protocol.EscBossEscalation, ref, act.Question, act.Reason)

	p, err := e.store.GetActivePlan(ctx)
	if err != nil {
		if !protocol.IsNotFound(err) {
			return fmt.Errorf("escalate: %w", err)
		}
		return e.store.Audit(ctx, protocol.AuditEntry{
			Kind: "escalation_without_question", Source: source, TicketID: act.TicketID, Detail: body,
		})
	}

	q, err := e.store.CreateQuestion(ctx, store.Question{
		PlanID:        p.ID,
		SubjectID:     act.TicketID,
		Title:         "Boss question: " + firstLine(act.Question),
		Body:          body,
		Priority:      protocol.P1,
		OperationType: protocol.OpQuestion,
	})
	if err != nil {
		return fmt.Errorf("escalate: %w", err)
	}
	e.logger.Info("boss escalated to user", "question_id", q.ID, "subject", act.TicketID)
	e.bus.Emit(ctx, events.Event{Type: events.QuestionAsked, TicketID: q.ID, PlanID: p.ID, Payload: events.Asked(act.TicketID)})
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = protocol.Truncate(s, 77) + "..."
	}
	return s
}

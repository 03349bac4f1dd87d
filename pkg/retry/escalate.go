package retry

import (
	"context"
	"fmt"
	"time"

	"coe/pkg/events"
	"coe/pkg/protocol"
	"coe/pkg/store"
)

var zeroTime time.Time

// Escalation describes why a ticket needs a human.
type Escalation struct {
	Type      protocol.EscalationType
	Summary   string
	Details   string
	LastError string
}

// Escalate moves t to escalated/awaiting_user, drops it from the queue and
// asks a question on the owning plan. Without a plan the escalation is
// recorded on the conversation and in the audit log instead.
func (p *Policy) Escalate(ctx context.Context, t *protocol.Ticket, esc Escalation) error {
	upd := protocol.TicketUpdate{
		Status:              protocol.Ptr(protocol.StatusEscalated),
		ProcessingStatus:    protocol.Ptr(protocol.ProcessingAwaitingUser),
		ProcessingStartedAt: &zeroTime,
	}
	if esc.LastError != "" {
		upd.LastError = protocol.Ptr(esc.LastError)
	}
	if err := p.store.UpdateTicket(ctx, t.ID, upd); err != nil {
		return fmt.Errorf("mark escalated: %w", err)
	}
	t.Status = protocol.StatusEscalated
	t.ProcessingStatus = protocol.ProcessingAwaitingUser
	p.sched.Drop(t.ID)

	msg := protocol.FormatEscalation(esc.Type, t.Ref(), esc.Summary, esc.Details)
	q, err := p.Ask(ctx, t, esc.Type, fmt.Sprintf("%s needs your input: %s", t.Ref(), t.Title), msg)
	if err != nil {
		p.logger.Warn("escalation question failed", "ticket_id", t.ID, "error", err)
	}
	if q == nil {
		p.RecordWithoutQuestion(ctx, t, msg)
	}

	p.logger.Warn("ticket escalated", "ticket_id", t.ID, "type", string(esc.Type), "summary", esc.Summary)
	payload := events.EscalationPayload{Kind: esc.Type, Summary: esc.Summary, Message: msg}
	if q != nil {
		payload.QuestionID = q.ID
	}
	p.bus.Emit(ctx, events.Event{Type: events.TicketEscalated, TicketID: t.ID, PlanID: t.PlanID, Payload: payload})
	return nil
}

// Ask creates a human question about t on its owning plan. It returns a nil
// ticket and nil error when no plan can be resolved.
func (p *Policy) Ask(ctx context.Context, t *protocol.Ticket, typ protocol.EscalationType, title, body string) (*protocol.Ticket, error) {
	planID, err := p.ResolvePlan(ctx, t)
	if err != nil {
		return nil, err
	}
	if planID == "" {
		return nil, nil
	}
	q, err := p.store.CreateQuestion(ctx, store.Question{
		PlanID:        planID,
		SubjectID:     t.ID,
		Title:         title,
		Body:          body,
		Priority:      protocol.P1,
		OperationType: questionOp(typ),
	})
	if err != nil {
		return nil, fmt.Errorf("create question: %w", err)
	}
	p.bus.Emit(ctx, events.Event{Type: events.QuestionAsked, TicketID: q.ID, PlanID: planID, Payload: events.Asked(t.ID)})
	return q, nil
}

func questionOp(typ protocol.EscalationType) string {
	if typ == protocol.EscApproval || typ == protocol.EscDesignReview {
		return protocol.OpApproval
	}
	return protocol.OpQuestion
}

// RecordWithoutQuestion notes an escalation on the ticket thread and in the
// audit log. Used when no plan owns the ticket.
func (p *Policy) RecordWithoutQuestion(ctx context.Context, t *protocol.Ticket, msg string) {
	if err := p.store.AddConversation(ctx, t.ID, protocol.AuthorSystem, msg); err != nil {
		p.logger.Warn("escalation note failed", "ticket_id", t.ID, "error", err)
	}
	err := p.store.Audit(ctx, protocol.AuditEntry{
		Kind:     "escalation_without_question",
		Source:   "retry",
		TicketID: t.ID,
		Detail:   msg,
	})
	if err != nil {
		p.logger.Warn("escalation audit failed", "ticket_id", t.ID, "error", err)
	}
}

// ResolvePlan finds the plan that owns t, walking parent links with a
// depth guard. "" means no plan.
func (p *Policy) ResolvePlan(ctx context.Context, t *protocol.Ticket) (string, error) {
	return store.OwningPlan(ctx, p.store, t)
}

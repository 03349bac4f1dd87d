package boss

import (
	"context"
	"fmt"
	"strings"

	"coe/pkg/events"
	"coe/pkg/protocol"
	"coe/pkg/store"
)

const kindDispatchApproved = "dispatch_approved"

// ApplyReply appends a user message to a ticket and reopens it when it was
// escalated or parked waiting for the user. The engine re-queues reopened
// tickets on its next kick or recovery scan.
func ApplyReply(ctx context.Context, st store.Store, ticketID, message string) (*protocol.Ticket, error) {
	t, err := st.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := st.AddConversation(ctx, t.ID, protocol.AuthorUser, message); err != nil {
		return nil, fmt.Errorf("record reply: %w", err)
	}
	if err := reopen(ctx, st, t); err != nil {
		return nil, err
	}
	return st.GetTicket(ctx, t.ID)
}

// ApplyAnswer records the user's answer to a question. The answer is
// copied to the subject ticket, an affirmative answer to an approval
// question approves the subject's dispatch, and a subject that was waiting
// on the question is reopened. It returns the answered question.
func ApplyAnswer(ctx context.Context, st store.Store, questionID, answer string) (*protocol.Ticket, error) {
	ghost, err := st.AnswerQuestion(ctx, questionID, answer)
	if err != nil {
		return nil, err
	}
	if ghost.ParentTicketID == "" {
		return ghost, nil
	}
	parent, err := st.GetTicket(ctx, ghost.ParentTicketID)
	if err != nil {
		if protocol.IsNotFound(err) {
			return ghost, nil
		}
		return nil, err
	}

	note := fmt.Sprintf("Answer to %s (%s): %s", ghost.Ref(), ghost.Title, answer)
	if err := st.AddConversation(ctx, parent.ID, protocol.AuthorUser, note); err != nil {
		return nil, fmt.Errorf("copy answer: %w", err)
	}
	if ghost.OperationType == protocol.OpApproval {
		if !Affirmative(answer) {
			_ = st.Audit(ctx, protocol.AuditEntry{
				Kind: "dispatch_declined", Source: "user", TicketID: parent.ID, Detail: answer,
			})
			return ghost, nil
		}
		_ = st.Audit(ctx, protocol.AuditEntry{
			Kind: kindDispatchApproved, Source: "user", TicketID: parent.ID, Detail: answer,
		})
	}
	if err := reopen(ctx, st, parent); err != nil {
		return nil, err
	}
	return ghost, nil
}

// reopen moves an escalated, held or user-blocked ticket back to open with
// no processing status. Escalated tickets start a fresh retry budget.
func reopen(ctx context.Context, st store.Store, t *protocol.Ticket) error {
	waiting := t.Status == protocol.StatusEscalated || t.Status == protocol.StatusOnHold || t.ProcessingStatus.Held()
	if !waiting || t.Status == protocol.StatusResolved {
		return nil
	}
	upd := protocol.TicketUpdate{
		Status:           protocol.Ptr(protocol.StatusOpen),
		ProcessingStatus: protocol.Ptr(protocol.ProcessingNone),
	}
	if t.Status == protocol.StatusEscalated {
		upd.RetryCount = protocol.Ptr(0)
	}
	if err := st.UpdateTicket(ctx, t.ID, upd); err != nil {
		return fmt.Errorf("reopen %s: %w", t.Ref(), err)
	}
	_ = st.Audit(ctx, protocol.AuditEntry{
		Kind: "ticket_reopened", Source: "user", TicketID: t.ID, Detail: string(t.Status) + " -> open",
	})
	return nil
}

// DispatchApproved reports whether a user approved dispatching ticketID.
func DispatchApproved(ctx context.Context, st store.Store, ticketID string) (bool, error) {
	entries, err := st.ListAudit(ctx, kindDispatchApproved, 0)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.TicketID == ticketID {
			return true, nil
		}
	}
	return false, nil
}

// Affirmative reports whether answer reads as a yes.
func Affirmative(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	for _, w := range []string{"yes", "y", "approve", "approved", "ok", "okay", "lgtm", "go", "proceed"} {
		if a == w || strings.HasPrefix(a, w+" ") || strings.HasPrefix(a, w+",") || strings.HasPrefix(a, w+".") || strings.HasPrefix(a, w+"!") {
			return true
		}
	}
	return false
}

// Reply records a user reply in-process and wakes the engine.
func (e *Engine) Reply(ctx context.Context, ticketID, message string) (*protocol.Ticket, error) {
	t, err := ApplyReply(ctx, e.store, ticketID, message)
	if err != nil {
		return nil, err
	}
	e.bus.Emit(ctx, events.Event{Type: events.TicketReplied, TicketID: t.ID, PlanID: t.PlanID})
	return t, nil
}

// Answer records a user answer in-process and wakes the engine.
func (e *Engine) Answer(ctx context.Context, questionID, answer string) (*protocol.Ticket, error) {
	ghost, err := ApplyAnswer(ctx, e.store, questionID, answer)
	if err != nil {
		return nil, err
	}
	e.bus.Emit(ctx, events.Event{Type: events.QuestionAnswered, TicketID: ghost.ID, PlanID: ghost.PlanID, Payload: events.Answered(ghost.ParentTicketID)})
	return ghost, nil
}

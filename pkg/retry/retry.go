// Package retry implements the two bounded failure tracks (infrastructure
// errors and verification failures) and escalation to a human question.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coe/pkg/config"
	"coe/pkg/events"
	"coe/pkg/protocol"
	"coe/pkg/scheduler"
	"coe/pkg/store"
)

// Policy decides what happens to a ticket after a failed attempt.
type Policy struct {
	store  store.Store
	sched  *scheduler.Scheduler
	bus    events.Emitter
	cfg    config.Source
	logger *slog.Logger
}

// New creates a Policy.
func New(st store.Store, sched *scheduler.Scheduler, bus events.Emitter, cfg config.Source, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.Discard{}
	}
	return &Policy{store: st, sched: sched, bus: bus, cfg: cfg, logger: logger}
}

// HandleError is the infrastructure track. The bound is on the queue
// entry's error retry count: with a limit of 3 the fourth failing attempt
// escalates.
func (p *Policy) HandleError(ctx context.Context, t *protocol.Ticket, entry protocol.QueuedTicket, cause error) protocol.Outcome {
	limit := p.cfg.Snapshot().MaxErrorRetries
	msg := cause.Error()

	if entry.ErrorRetryCount >= limit {
		details := fmt.Sprintf("%d attempts failed. Last error: %s", entry.ErrorRetryCount+1, msg)
		if chain := protocol.ErrorChain(cause); len(chain) > 1 {
			details += ". Error chain: " + strings.Join(chain, " <- ")
		}
		p.escalateOrLog(ctx, t, Escalation{
			Type:      protocol.EscInfraFailure,
			Summary:   "processing failed repeatedly",
			Details:   details,
			LastError: msg,
		})
		return protocol.OutcomeEscalated
	}

	err := p.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		LastError:           protocol.Ptr(msg),
		ProcessingStartedAt: &zeroTime,
	})
	if err != nil {
		p.logger.Warn("record last error", "ticket_id", t.ID, "error", err)
	}
	if _, err := p.sched.Requeue(ctx, t, entry.ErrorRetryCount+1); err != nil {
		p.logger.Error("requeue after error", "ticket_id", t.ID, "error", err)
	}
	p.logger.Info("ticket requeued after error",
		"ticket_id", t.ID, "attempt", entry.ErrorRetryCount+1, "max", limit, "error", msg)
	p.bus.Emit(ctx, events.Event{Type: events.TicketRetried, TicketID: t.ID, PlanID: t.PlanID, Payload: events.RetryPayload{
		Track: events.TrackInfrastructure, Attempt: entry.ErrorRetryCount + 1, Max: limit, Reason: msg,
	}})
	return protocol.OutcomeRetry
}

// HandleVerificationFailure is the quality track, bounded by the ticket's
// persisted retry_count.
func (p *Policy) HandleVerificationFailure(ctx context.Context, t *protocol.Ticket, vf *protocol.VerificationError) protocol.Outcome {
	limit := p.cfg.Snapshot().MaxTicketRetries

	if t.RetryCount >= limit {
		p.escalateOrLog(ctx, t, Escalation{
			Type:    protocol.EscVerifyFailure,
			Summary: fmt.Sprintf("output did not pass verification after %d retries", t.RetryCount),
			Details: fmt.Sprintf("Clarity score %d. Failed checks: %s. The agents could not produce an acceptable %s; "+
				"please clarify the requirements or adjust the acceptance criteria",
				vf.Score, strings.Join(vf.Checks, "; "), deliverableName(t)),
			LastError: vf.Error(),
		})
		return protocol.OutcomeEscalated
	}

	next := t.RetryCount + 1
	err := p.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		RetryCount:          protocol.Ptr(next),
		LastError:           protocol.Ptr(vf.Error()),
		ProcessingStartedAt: &zeroTime,
	})
	if err != nil {
		p.logger.Warn("record retry count", "ticket_id", t.ID, "error", err)
	}
	t.RetryCount = next

	note := fmt.Sprintf("Retry %d/%d: verification failed (clarity %d). Failed checks: %s. Address these in the next attempt.",
		next, limit, vf.Score, strings.Join(vf.Checks, "; "))
	if err := p.store.AddConversation(ctx, t.ID, protocol.AuthorSystem, note); err != nil {
		p.logger.Warn("add retry note", "ticket_id", t.ID, "error", err)
	}
	if _, err := p.sched.Requeue(ctx, t, 0); err != nil {
		p.logger.Error("requeue after verification failure", "ticket_id", t.ID, "error", err)
	}
	p.logger.Info("ticket requeued after verification failure", "ticket_id", t.ID, "retry", next, "max", limit)
	p.bus.Emit(ctx, events.Event{Type: events.TicketRetried, TicketID: t.ID, PlanID: t.PlanID, Payload: events.RetryPayload{
		Track: events.TrackQuality, Attempt: next, Max: limit, Reason: vf.Error(),
	}})
	return protocol.OutcomeRetry
}

func (p *Policy) escalateOrLog(ctx context.Context, t *protocol.Ticket, esc Escalation) {
	if err := p.Escalate(ctx, t, esc); err != nil {
		p.logger.Error("escalate ticket", "ticket_id", t.ID, "error", err)
	}
}

func deliverableName(t *protocol.Ticket) string {
	if t.DeliverableType != "" {
		return strings.ReplaceAll(t.DeliverableType, "_", " ")
	}
	return "deliverable"
}

package boss

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coe/pkg/protocol"
	"coe/pkg/scheduler"
	"coe/pkg/store"
)

var zeroTime time.Time

// RecoveryReport lists the tickets a recovery scan touched, by category.
type RecoveryReport struct {
	InReview []string // in_review and not held
	Stale    []string // processing for longer than the stale threshold
	Orphaned []string // marked queued but missing from the queue
	Unqueued []string // open with no processing status
	Skipped  []string // eligible but left alone (manual mode, queue full)
}

// Total is the number of tickets put back in the queue.
func (r RecoveryReport) Total() int {
	return len(r.InReview) + len(r.Stale) + len(r.Orphaned) + len(r.Unqueued)
}

// Recover reconciles persisted ticket state with the in-memory queue after
// a crash or restart. Running it again immediately changes nothing.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	return e.recover(ctx, false)
}

// RecoverStuck is the scan for a process that does not own the queue, such
// as the CLI while an engine may be running. Only in-review tickets whose
// processing started before the stale threshold are touched; they are
// released to open with no processing status so the owning engine queues
// them on its next sync.
func (e *Engine) RecoverStuck(ctx context.Context) (RecoveryReport, error) {
	return e.recover(ctx, true)
}

func (e *Engine) recover(ctx context.Context, stuckOnly bool) (RecoveryReport, error) {
	var report RecoveryReport
	cfg := e.cfg.Snapshot()
	cutoff := e.clock.Now().Add(-cfg.StaleAfter())

	e.mu.Lock()
	inFlight := e.inFlight
	e.mu.Unlock()

	var errs []error
	seen := make(map[string]bool)

	inReview, err := e.store.ListTickets(ctx, store.TicketFilter{
		Statuses: []protocol.TicketStatus{protocol.StatusInReview},
	})
	if err != nil {
		return report, fmt.Errorf("recover in-review tickets: %w", err)
	}
	for _, t := range inReview {
		if t.ID == inFlight || t.ProcessingStatus.Held() {
			continue
		}
		stale := !t.ProcessingStartedAt.IsZero() && t.ProcessingStartedAt.Before(cutoff)
		if stuckOnly && !stale {
			continue
		}
		seen[t.ID] = true
		list := &report.InReview
		if stuckOnly || (stale && t.ProcessingStatus == protocol.ProcessingActive) {
			list = &report.Stale
		}
		var ok bool
		if stuckOnly {
			ok, err = e.release(ctx, t, "was stuck in review past the stale threshold")
		} else {
			ok, err = e.requeue(ctx, t, "was in review when the engine stopped")
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			*list = append(*list, t.ID)
		} else {
			report.Skipped = append(report.Skipped, t.ID)
		}
	}
	if stuckOnly {
		return report, errors.Join(errs...)
	}

	open, err := e.store.ListTickets(ctx, store.TicketFilter{
		Statuses:   []protocol.TicketStatus{protocol.StatusOpen},
		Processing: []protocol.ProcessingStatus{protocol.ProcessingQueued, protocol.ProcessingNone},
	})
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("recover open tickets: %w", err))...)
	}
	for _, t := range open {
		if seen[t.ID] || t.ID == inFlight || e.sched.Queue().Contains(t.ID) {
			continue
		}
		list, reason := &report.Unqueued, "was open but not queued"
		if t.ProcessingStatus == protocol.ProcessingQueued {
			list, reason = &report.Orphaned, "was marked queued but missing from the queue"
		}
		ok, err := e.requeue(ctx, t, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			*list = append(*list, t.ID)
		} else {
			report.Skipped = append(report.Skipped, t.ID)
		}
	}

	if report.Total() > 0 {
		e.sched.SortQueue(ctx)
	}
	return report, errors.Join(errs...)
}

// release resets a stuck ticket to open with no processing status without
// queueing it. Manual tickets are reset the same way but report false.
func (e *Engine) release(ctx context.Context, t *protocol.Ticket, reason string) (bool, error) {
	err := e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		Status:              protocol.Ptr(protocol.StatusOpen),
		ProcessingStatus:    protocol.Ptr(protocol.ProcessingNone),
		ProcessingStartedAt: &zeroTime,
	})
	if err != nil {
		return false, fmt.Errorf("release %s: %w", t.ID, err)
	}
	if e.sched.EffectiveMode(t) == protocol.ModeManual {
		return false, nil
	}
	if err := e.store.AddConversation(ctx, t.ID, protocol.AuthorSystem, "Recovered: "+reason+"."); err != nil {
		e.logger.Warn("recovery note failed", "ticket_id", t.ID, "error", err)
	}
	e.logger.Info("ticket released", "ticket_id", t.ID, "reason", reason)
	return true, nil
}

// requeue puts a recovered ticket back in the queue. Tickets whose
// effective mode is manual are reset to open and left alone.
func (e *Engine) requeue(ctx context.Context, t *protocol.Ticket, reason string) (bool, error) {
	if e.sched.EffectiveMode(t) == protocol.ModeManual {
		if t.Status != protocol.StatusOpen || t.ProcessingStatus != protocol.ProcessingNone {
			err := e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
				Status:              protocol.Ptr(protocol.StatusOpen),
				ProcessingStatus:    protocol.Ptr(protocol.ProcessingNone),
				ProcessingStartedAt: &zeroTime,
			})
			if err != nil {
				return false, fmt.Errorf("release %s: %w", t.ID, err)
			}
		}
		return false, nil
	}

	if t.Status != protocol.StatusOpen || !t.ProcessingStartedAt.IsZero() {
		err := e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
			Status:              protocol.Ptr(protocol.StatusOpen),
			ProcessingStartedAt: &zeroTime,
		})
		if err != nil {
			return false, fmt.Errorf("reset %s: %w", t.ID, err)
		}
	}
	res, err := e.sched.Enqueue(ctx, t)
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", t.ID, err)
	}
	if res == scheduler.Rejected {
		return false, nil
	}
	if err := e.store.AddConversation(ctx, t.ID, protocol.AuthorSystem, "Recovered: "+reason+"."); err != nil {
		e.logger.Warn("recovery note failed", "ticket_id", t.ID, "error", err)
	}
	e.logger.Info("ticket recovered", "ticket_id", t.ID, "reason", reason)
	return true, nil
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coe/pkg/config"
	"coe/pkg/events"
	"coe/pkg/protocol"
	"coe/pkg/store"
)

// Scheduler keeps the in-memory Queue consistent with persisted
// processing_status.
type Scheduler struct {
	store   store.Store
	queue   *Queue
	bus     events.Emitter
	cfg     config.Source
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a Scheduler with an empty queue sized by cfg.
func New(st store.Store, bus events.Emitter, cfg config.Source, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.Discard{}
	}
	return &Scheduler{
		store:   st,
		queue:   NewQueue(func() int { return cfg.Snapshot().MaxActiveTickets }),
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the enqueue timestamp source. For tests.
func (s *Scheduler) SetNowFunc(fn func() time.Time) { s.nowFunc = fn }

// Queue exposes the underlying queue.
func (s *Scheduler) Queue() *Queue { return s.queue }

// EffectiveMode returns the AI mode that governs t right now.
func (s *Scheduler) EffectiveMode(t *protocol.Ticket) protocol.AIMode {
	return protocol.EffectiveMode(s.cfg.Snapshot().AIMode, t.AIMode)
}

// Enqueue adds t with a fresh entry and marks it queued. A rejected ticket
// stays open with no processing status so a later recovery scan finds it.
func (s *Scheduler) Enqueue(ctx context.Context, t *protocol.Ticket) (AddResult, error) {
	return s.add(ctx, t, 0)
}

// Requeue puts t at the back of its priority band with the given
// infrastructure retry count.
func (s *Scheduler) Requeue(ctx context.Context, t *protocol.Ticket, errorRetryCount int) (AddResult, error) {
	s.queue.Remove(t.ID)
	return s.add(ctx, t, errorRetryCount)
}

func (s *Scheduler) add(ctx context.Context, t *protocol.Ticket, errorRetryCount int) (AddResult, error) {
	entry := protocol.QueuedTicket{
		TicketID:        t.ID,
		Priority:        t.Priority,
		EnqueuedAt:      s.nowFunc(),
		OperationType:   t.OperationType,
		ErrorRetryCount: errorRetryCount,
	}
	res, evicted := s.queue.Add(entry)

	switch res {
	case Duplicate:
		return res, nil
	case Rejected:
		s.logger.Info("queue full, ticket left open", "ticket_id", t.ID, "priority", string(t.Priority))
		err := s.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
			Status:           protocol.Ptr(protocol.StatusOpen),
			ProcessingStatus: protocol.Ptr(protocol.ProcessingNone),
		})
		if err != nil {
			return res, fmt.Errorf("release rejected ticket: %w", err)
		}
		return res, nil
	}

	if evicted != nil {
		s.logger.Info("ticket bumped from queue", "ticket_id", evicted.TicketID, "by", t.ID)
		err := s.store.UpdateTicket(ctx, evicted.TicketID, protocol.TicketUpdate{
			ProcessingStatus: protocol.Ptr(protocol.ProcessingNone),
		})
		if err != nil && !protocol.IsNotFound(err) {
			s.logger.Warn("release bumped ticket", "ticket_id", evicted.TicketID, "error", err)
		}
	}

	err := s.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		Status:           protocol.Ptr(protocol.StatusOpen),
		ProcessingStatus: protocol.Ptr(protocol.ProcessingQueued),
	})
	if err != nil {
		s.queue.Remove(t.ID)
		return res, fmt.Errorf("mark ticket queued: %w", err)
	}
	t.Status = protocol.StatusOpen
	t.ProcessingStatus = protocol.ProcessingQueued
	s.bus.Emit(ctx, events.Event{Type: events.TicketQueued, TicketID: t.ID, PlanID: t.PlanID})
	return res, nil
}

// Drop removes id from the queue without touching the store.
func (s *Scheduler) Drop(id string) { s.queue.Remove(id) }

// Blocked reports whether t's blocker exists and is unresolved. A missing
// blocker does not block.
func (s *Scheduler) Blocked(ctx context.Context, id string) bool {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil || t.BlockingTicketID == "" {
		return false
	}
	blocker, err := s.store.GetTicket(ctx, t.BlockingTicketID)
	if err != nil {
		if !protocol.IsNotFound(err) {
			s.logger.Warn("blocker lookup failed", "ticket_id", id, "blocker", t.BlockingTicketID, "error", err)
		}
		return false
	}
	return blocker.Status != protocol.StatusResolved
}

// SortQueue applies the sort policy using persisted blocker state.
func (s *Scheduler) SortQueue(ctx context.Context) {
	s.queue.Sort(func(id string) bool { return s.Blocked(ctx, id) })
}

// Head returns the queue head and whether it is blocked.
func (s *Scheduler) Head(ctx context.Context) (entry protocol.QueuedTicket, blocked, ok bool) {
	entry, ok = s.queue.Peek()
	if !ok {
		return entry, false, false
	}
	return entry, s.Blocked(ctx, entry.TicketID), true
}

// OnResolved runs the unblock and child cascades for a resolved ticket.
func (s *Scheduler) OnResolved(ctx context.Context, ticketID string) error {
	_, errU := s.UnblockDependents(ctx, ticketID)
	_, errC := s.EnqueueChildren(ctx, ticketID)
	return errors.Join(errU, errC)
}

// UnblockDependents clears the blocker on every open or in-review ticket
// blocked by resolvedID and queues it.
func (s *Scheduler) UnblockDependents(ctx context.Context, resolvedID string) ([]string, error) {
	deps, err := s.store.ListTickets(ctx, store.TicketFilter{
		BlockingTicketID: resolvedID,
		Statuses:         []protocol.TicketStatus{protocol.StatusOpen, protocol.StatusInReview},
	})
	if err != nil {
		return nil, fmt.Errorf("list dependents of %s: %w", resolvedID, err)
	}

	var unblocked []string
	var errs []error
	for _, d := range deps {
		err := s.store.UpdateTicket(ctx, d.ID, protocol.TicketUpdate{BlockingTicketID: protocol.Ptr("")})
		if err != nil {
			errs = append(errs, fmt.Errorf("unblock %s: %w", d.ID, err))
			continue
		}
		d.BlockingTicketID = ""
		if !s.queue.Contains(d.ID) {
			if _, err := s.Enqueue(ctx, d); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		unblocked = append(unblocked, d.ID)
		s.bus.Emit(ctx, events.Event{Type: events.TicketUnblocked, TicketID: d.ID, PlanID: d.PlanID, Payload: events.UnblockPayload{BlockerID: resolvedID}})
	}
	return unblocked, errors.Join(errs...)
}

// EnqueueChildren queues the open, non-ghost, not-yet-queued children of
// parentID whose effective mode is not manual.
func (s *Scheduler) EnqueueChildren(ctx context.Context, parentID string) ([]string, error) {
	children, err := s.store.ListTickets(ctx, store.TicketFilter{
		ParentTicketID: parentID,
		Statuses:       []protocol.TicketStatus{protocol.StatusOpen},
		Ghost:          protocol.Ptr(false),
	})
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}

	var queued []string
	var errs []error
	for _, c := range children {
		if s.queue.Contains(c.ID) || c.ProcessingStatus.Held() {
			continue
		}
		if s.EffectiveMode(c) == protocol.ModeManual {
			continue
		}
		res, err := s.Enqueue(ctx, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res == Added || res == AddedWithEviction {
			queued = append(queued, c.ID)
		}
	}
	return queued, errors.Join(errs...)
}

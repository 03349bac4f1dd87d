// Package events is the engine's in-process typed event bus plus an
// optional forwarder that mirrors events onto NATS or Redis.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Type identifies an event kind.
type Type string

// Event types emitted by the engine.
const (
	TicketCreated    Type = "ticket_created"
	TicketQueued     Type = "ticket_queued"
	TicketResolved   Type = "ticket_resolved"
	TicketHeld       Type = "ticket_held"
	TicketEscalated  Type = "ticket_escalated"
	TicketRetried    Type = "ticket_retried"
	TicketUnblocked  Type = "ticket_unblocked"
	TicketReplied    Type = "ticket_replied"
	QuestionAsked    Type = "question_asked"
	QuestionAnswered Type = "question_answered"
	PhaseAdvanced    Type = "phase_advanced"
	CycleCompleted   Type = "cycle_completed"
	BossIdle         Type = "boss_idle"
)

// Event is a single engine notification. Payload, when set, must belong
// to Type.
type Event struct {
	Type     Type      `json:"type"`
	TicketID string    `json:"ticket_id,omitempty"`
	PlanID   string    `json:"plan_id,omitempty"`
	Payload  Payload   `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

// Handler receives events. It runs on the emitter's goroutine.
type Handler func(ctx context.Context, ev Event)

// Emitter is the publishing side of the bus.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type subscription struct {
	id      int
	typ     Type // "" = all events
	handler Handler
}

// Bus delivers events synchronously to subscribers in subscription order.
// A panicking handler is logged and does not affect other handlers or the
// emitter.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, now: time.Now}
}

// Subscribe registers h for events of type typ and returns a function that
// removes the subscription.
func (b *Bus) Subscribe(typ Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, typ: typ, handler: h})
	return func() { b.unsubscribe(id) }
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.Subscribe("", h)
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to matching subscribers. A zero At is stamped with the
// current time. An event whose payload belongs to another type is dropped.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.Payload != nil && ev.Payload.EventType() != ev.Type {
		b.logger.Error("event payload does not match its type",
			"event", string(ev.Type), "payload", string(ev.Payload.EventType()), "ticket_id", ev.TicketID)
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.typ == "" || s.typ == ev.Type {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s.handler, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(ev.Type), "ticket_id", ev.TicketID, "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, ev)
}

// Discard is an Emitter that drops every event.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(context.Context, Event) {}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"coe/pkg/protocol"

	"github.com/redis/go-redis/v9"
)

type fakeNATSConnection struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	closed   bool
}

func (c *fakeNATSConnection) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeNATSConnection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

type fakeRedisClient struct {
	mu       sync.Mutex
	channels []string
	err      error
}

func (c *fakeRedisClient) Publish(_ context.Context, channel string, _ any) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, channel)
	return redis.NewIntResult(1, c.err)
}

func (c *fakeRedisClient) Close() error { return nil }

func TestForwarderPublishesToNATS(t *testing.T) {
	conn := &fakeNATSConnection{}
	bus := NewBus(nil)
	fwd := NewForwarder(&NATSPublisher{conn: conn}, "factory", nil)
	fwd.Attach(bus)

	bus.Emit(context.Background(), Event{Type: TicketEscalated, TicketID: "t9", Payload: EscalationPayload{
		Kind: protocol.EscVerifyFailure, Summary: "needs input", QuestionID: "q1",
	}})

	if len(conn.subjects) != 1 {
		t.Fatalf("published %d messages, want 1", len(conn.subjects))
	}
	if conn.subjects[0] != "factory.ticket_escalated" {
		t.Errorf("subject = %q", conn.subjects[0])
	}
	var ev Event
	if err := json.Unmarshal(conn.payloads[0], &ev); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	esc, ok := ev.Payload.(EscalationPayload)
	if ev.TicketID != "t9" || !ok || esc.Summary != "needs input" || esc.QuestionID != "q1" || esc.Kind != protocol.EscVerifyFailure {
		t.Errorf("event = %+v", ev)
	}

	if err := fwd.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !conn.closed {
		t.Error("expected NATS connection closed")
	}
}

func TestForwarderRedisErrorIsNotFatal(t *testing.T) {
	client := &fakeRedisClient{err: errors.New("connection reset")}
	bus := NewBus(nil)
	NewForwarder(&RedisPublisher{client: client}, "", nil).Attach(bus)

	after := &recorder{}
	bus.SubscribeAll(after.handle)

	bus.Emit(context.Background(), Event{Type: TicketCreated})
	bus.Emit(context.Background(), Event{Type: TicketResolved})

	if len(client.channels) != 2 {
		t.Fatalf("publish attempts = %d, want 2", len(client.channels))
	}
	if client.channels[1] != "coe.ticket_resolved" {
		t.Errorf("channel = %q", client.channels[1])
	}
	if got := len(after.Events()); got != 2 {
		t.Errorf("later subscriber got %d events, want 2", got)
	}
}

func TestNewPublisherUnknownBackend(t *testing.T) {
	if _, err := NewPublisher("kafka", "x"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Publisher sends raw event payloads to an external bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Forwarder mirrors every bus event to a Publisher under
// "<prefix>.<event-type>". Publish failures are logged and dropped.
type Forwarder struct {
	pub     Publisher
	prefix  string
	logger  *slog.Logger
	timeout time.Duration
}

// NewForwarder creates a Forwarder. Attach it with Attach.
func NewForwarder(pub Publisher, prefix string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "coe"
	}
	return &Forwarder{pub: pub, prefix: prefix, logger: logger, timeout: 5 * time.Second}
}

// Attach subscribes the forwarder to every event on bus and returns the
// unsubscribe function.
func (f *Forwarder) Attach(bus *Bus) func() {
	return bus.SubscribeAll(f.forward)
}

// Subject returns the subject an event type is published under.
func (f *Forwarder) Subject(t Type) string {
	return f.prefix + "." + string(t)
}

func (f *Forwarder) forward(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.logger.Warn("forward: marshal event", "event", string(ev.Type), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()
	if err := f.pub.Publish(ctx, f.Subject(ev.Type), data); err != nil {
		f.logger.Warn("forward: publish event", "event", string(ev.Type), "ticket_id", ev.TicketID, "error", err)
	}
}

// Close closes the underlying publisher.
func (f *Forwarder) Close() error {
	return f.pub.Close()
}

// NewPublisher builds a Publisher for backend ("nats" or "redis").
func NewPublisher(backend, url string) (Publisher, error) {
	switch backend {
	case "nats":
		return NewNATSPublisher(url)
	case "redis":
		return NewRedisPublisher(url)
	default:
		return nil, fmt.Errorf("unknown event forward backend %q", backend)
	}
}

// --- NATS ---

type natsConnection interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes events to a NATS server.
type NATSPublisher struct {
	conn natsConnection
}

// NewNATSPublisher connects to address (nats.DefaultURL when empty).
func NewNATSPublisher(address string) (*NATSPublisher, error) {
	if address == "" {
		address = nats.DefaultURL
	}
	conn, err := nats.Connect(address, nats.Name("coe"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close implements Publisher.
func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// --- Redis ---

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes events on Redis pub/sub channels.
type RedisPublisher struct {
	client redisClient
}

// NewRedisPublisher parses address as a redis:// URL.
func NewRedisPublisher(address string) (*RedisPublisher, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisPublisher{client: redis.NewClient(opts)}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := p.client.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", subject, err)
	}
	return nil
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

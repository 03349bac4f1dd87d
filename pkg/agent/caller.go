package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"coe/pkg/config"
	"coe/pkg/protocol"
)

// CLICaller implements protocol.Caller on top of a Spawner.
type CLICaller struct {
	spawner *Spawner
	cfg     config.Source
	logger  *slog.Logger
}

var _ protocol.Caller = (*CLICaller)(nil)

// NewCLICaller creates a caller. Models, timeout and working directory are
// read from cfg on every call so config reloads apply to the next call.
func NewCLICaller(sp *Spawner, cfg config.Source, logger *slog.Logger) *CLICaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLICaller{spawner: sp, cfg: cfg, logger: logger}
}

// NewDefault wires a CLICaller that spawns the configured agent command.
func NewDefault(cfg config.Source, logger *slog.Logger) *CLICaller {
	c := cfg.Snapshot()
	sp := NewSpawner(&ClaudeSpawner{Command: c.Agent.Command}, c.AgentTimeout())
	return NewCLICaller(sp, cfg, logger)
}

// Spawner exposes the underlying spawner (active invocations, cancel).
func (c *CLICaller) Spawner() *Spawner { return c.spawner }

func (c *CLICaller) invoke(ctx context.Context, role, ticketID, model, prompt string) (string, error) {
	cfg := c.cfg.Snapshot()
	if model == "" {
		model = cfg.Agent.Model
	}
	c.logger.Debug("agent call", "role", role, "ticket_id", ticketID, "model", model, "prompt_chars", len(prompt))
	return c.spawner.Run(ctx, role, ticketID, model, prompt, cfg.Agent.Workdir)
}

func (c *CLICaller) structured(ctx context.Context, role, ticketID, model, prompt string) (protocol.Response, error) {
	out, err := c.invoke(ctx, role, ticketID, model, prompt)
	if err != nil {
		return protocol.Response{}, err
	}
	resp, errs := ParseResponse(out)
	for _, e := range errs {
		c.logger.Warn("dropped malformed action", "role", role, "ticket_id", ticketID, "error", e)
	}
	return resp, nil
}

// CallAgent runs one pipeline step.
func (c *CLICaller) CallAgent(ctx context.Context, req protocol.AgentRequest) (protocol.Response, error) {
	resp, err := c.structured(ctx, req.Agent, req.TicketID, "", buildAgentPrompt(req))
	if err != nil {
		return resp, &protocol.AgentCallError{Agent: req.Agent, TicketID: req.TicketID, Err: err}
	}
	return resp, nil
}

// ReviewTicket runs the reviewer over a final deliverable.
func (c *CLICaller) ReviewTicket(ctx context.Context, req protocol.ReviewRequest) (protocol.Response, error) {
	return c.structured(ctx, "review", req.Ticket.ID, c.cfg.Snapshot().Agent.ReviewModel, buildReviewPrompt(req))
}

// CheckSystemHealth runs the boss health check.
func (c *CLICaller) CheckSystemHealth(ctx context.Context, snap protocol.HealthSnapshot) (protocol.Response, error) {
	return c.structured(ctx, protocol.AgentBoss, "", "", buildHealthPrompt(snap))
}

var nextRe = regexp.MustCompile(`(?im)^\s*NEXT:\s*(\S+)`)

// SelectNextTicket asks the boss for a preferred candidate. Unknown IDs and
// "none" yield "".
func (c *CLICaller) SelectNextTicket(ctx context.Context, candidates []*protocol.Ticket) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	out, err := c.invoke(ctx, "select", "", "", buildSelectPrompt(candidates))
	if err != nil {
		return "", err
	}
	m := nextRe.FindStringSubmatch(out)
	if m == nil {
		return "", nil
	}
	pick := strings.Trim(m[1], "`\"'.,")
	for _, t := range candidates {
		if pick == t.ID || pick == t.Ref() {
			return t.ID, nil
		}
	}
	return "", nil
}

// RewriteForUser turns an engine message into friendlier language.
func (c *CLICaller) RewriteForUser(ctx context.Context, text string) (string, error) {
	out, err := c.invoke(ctx, "rewrite", "", "", buildRewritePrompt(text))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("agent: empty rewrite")
	}
	return out, nil
}

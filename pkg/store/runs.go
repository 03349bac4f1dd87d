package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"coe/pkg/protocol"
)

// AddConversation appends a message to a ticket's thread.
func (s *SQLite) AddConversation(ctx context.Context, ticketID, author, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (ticket_id, author, content, created_at) VALUES (?, ?, ?, ?)`,
		ticketID, author, content, s.now())
	if err != nil {
		return fmt.Errorf("add conversation: %w", err)
	}
	return nil
}

// RecentConversation returns the latest limit entries in chronological
// order. A non-positive limit returns the whole thread.
func (s *SQLite) RecentConversation(ctx context.Context, ticketID string, limit int) ([]protocol.ConversationEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, ticket_id, author, content, created_at FROM (
			SELECT * FROM conversations WHERE ticket_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.ConversationEntry
	for rows.Next() {
		var e protocol.ConversationEntry
		var created sql.NullString
		if err := rows.Scan(&e.ID, &e.TicketID, &e.Author, &e.Content, &created); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateRun inserts r, assigning an ID and start time when unset.
func (s *SQLite) CreateRun(ctx context.Context, r *protocol.Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.nowFunc()
	}
	if r.Status == "" {
		r.Status = protocol.RunRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, ticket_id, prompt, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.TicketID, r.Prompt, string(r.Status), formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the final status, response, error and token count.
func (s *SQLite) FinishRun(ctx context.Context, r *protocol.Run) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = s.nowFunc()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, response = ?, error = ?, tokens_used = ?, finished_at = ? WHERE id = ?`,
		string(r.Status), r.Response, r.Error, r.TokensUsed, formatTime(r.FinishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns the ticket's latest runs, newest first.
func (s *SQLite) ListRuns(ctx context.Context, ticketID string, limit int) ([]protocol.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, ticket_id, prompt, response, status, error,
			tokens_used, started_at, finished_at
		FROM runs WHERE ticket_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Run
	for rows.Next() {
		var r protocol.Run
		var status string
		var started, finished sql.NullString
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Prompt, &r.Response, &status, &r.Error,
			&r.TokensUsed, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = protocol.RunStatus(status)
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddRunStep inserts a step in the running state.
func (s *SQLite) AddRunStep(ctx context.Context, st *protocol.RunStep) error {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = s.nowFunc()
	}
	if st.Status == "" {
		st.Status = protocol.RunRunning
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_steps
			(id, run_id, step_index, agent, deliverable_type, stage, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.RunID, st.Index, st.Agent, st.DeliverableType, st.Stage, string(st.Status),
		formatTime(st.StartedAt))
	if err != nil {
		return fmt.Errorf("add run step: %w", err)
	}
	return nil
}

// FinishRunStep records a step's outcome.
func (s *SQLite) FinishRunStep(ctx context.Context, st *protocol.RunStep) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_steps SET status = ?, response_excerpt = ?, duration_ms = ? WHERE id = ?`,
		string(st.Status), st.ResponseExcerpt, st.DurationMS, st.ID)
	if err != nil {
		return fmt.Errorf("finish run step %s: %w", st.ID, err)
	}
	return nil
}

// ListRunSteps returns a run's steps in execution order.
func (s *SQLite) ListRunSteps(ctx context.Context, runID string) ([]protocol.RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, step_index, agent, deliverable_type, stage,
			response_excerpt, status, duration_ms, started_at
		FROM run_steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.RunStep
	for rows.Next() {
		var st protocol.RunStep
		var status string
		var started sql.NullString
		if err := rows.Scan(&st.ID, &st.RunID, &st.Index, &st.Agent, &st.DeliverableType, &st.Stage,
			&st.ResponseExcerpt, &status, &st.DurationMS, &started); err != nil {
			return nil, fmt.Errorf("scan run step: %w", err)
		}
		st.Status = protocol.RunStatus(status)
		st.StartedAt = parseTime(started)
		out = append(out, st)
	}
	return out, rows.Err()
}

// Audit appends an audit entry.
func (s *SQLite) Audit(ctx context.Context, e protocol.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (kind, source, ticket_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Kind, e.Source, nullable(e.TicketID), e.Detail, s.now())
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first, optionally filtered by kind.
func (s *SQLite) ListAudit(ctx context.Context, kind string, limit int) ([]protocol.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, kind, source, ticket_id, detail, created_at FROM audit_log`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.AuditEntry
	for rows.Next() {
		var e protocol.AuditEntry
		var ticket, created sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.Source, &ticket, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.TicketID = ticket.String
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

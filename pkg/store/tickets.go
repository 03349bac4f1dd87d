package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"coe/pkg/protocol"
)

const ticketColumns = `id, number, title, body, status, processing_status, priority,
	operation_type, deliverable_type, blocking_ticket_id, parent_ticket_id, task_id, plan_id,
	retry_count, last_error, acceptance_criteria, is_ghost, ai_mode,
	processing_started_at, created_at, updated_at`

// CreateTicket inserts t, assigning ID, Number and timestamps, and returns
// the stored row. Status defaults to open and priority to P2.
func (s *SQLite) CreateTicket(ctx context.Context, t *protocol.Ticket) (*protocol.Ticket, error) {
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := t.Status
	if status == "" {
		status = protocol.StatusOpen
	}
	priority := t.Priority
	if priority == "" {
		priority = protocol.P2
	}
	now := s.now()
	var started any
	if !t.ProcessingStartedAt.IsZero() {
		started = formatTime(t.ProcessingStartedAt)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, (SELECT COALESCE(MAX(number), 0) + 1 FROM tickets), ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, t.Title, t.Body, string(status), nullable(string(t.ProcessingStatus)), string(priority),
		t.OperationType, t.DeliverableType, nullable(t.BlockingTicketID), nullable(t.ParentTicketID),
		nullable(t.TaskID), nullable(t.PlanID),
		t.RetryCount, t.LastError, t.AcceptanceCriteria, boolInt(t.IsGhost), string(t.AIMode),
		started, now, now)
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return s.GetTicket(ctx, id)
}

// GetTicket returns the ticket or a *protocol.TicketNotFoundError.
func (s *SQLite) GetTicket(ctx context.Context, id string) (*protocol.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.TicketNotFoundError{TicketID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return t, nil
}

// UpdateTicket applies the non-nil fields of u and bumps updated_at.
func (s *SQLite) UpdateTicket(ctx context.Context, id string, u protocol.TicketUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now()}

	if u.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *u.Title)
	}
	if u.Body != nil {
		sets = append(sets, "body = ?")
		args = append(args, *u.Body)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.ProcessingStatus != nil {
		sets = append(sets, "processing_status = ?")
		args = append(args, nullable(string(*u.ProcessingStatus)))
	}
	if u.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*u.Priority))
	}
	if u.BlockingTicketID != nil {
		sets = append(sets, "blocking_ticket_id = ?")
		args = append(args, nullable(*u.BlockingTicketID))
	}
	if u.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *u.RetryCount)
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	if u.ProcessingStartedAt != nil {
		sets = append(sets, "processing_started_at = ?")
		if u.ProcessingStartedAt.IsZero() {
			args = append(args, nil)
		} else {
			args = append(args, formatTime(*u.ProcessingStartedAt))
		}
	}
	if u.AIMode != nil {
		sets = append(sets, "ai_mode = ?")
		args = append(args, string(*u.AIMode))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &protocol.TicketNotFoundError{TicketID: id}
	}
	return nil
}

// ListTickets returns matching tickets in creation order.
func (s *SQLite) ListTickets(ctx context.Context, f TicketFilter) ([]*protocol.Ticket, error) {
	var where []string
	var args []any

	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.Processing) > 0 {
		var ors []string
		for _, p := range f.Processing {
			if p == protocol.ProcessingNone {
				ors = append(ors, "processing_status IS NULL OR processing_status = ''")
				continue
			}
			ors = append(ors, "processing_status = ?")
			args = append(args, string(p))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if len(f.OperationTypes) > 0 {
		ph := make([]string, len(f.OperationTypes))
		for i, op := range f.OperationTypes {
			ph[i] = "?"
			args = append(args, op)
		}
		where = append(where, "operation_type IN ("+strings.Join(ph, ", ")+")")
	}
	if f.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, f.PlanID)
	}
	if f.ParentTicketID != "" {
		where = append(where, "parent_ticket_id = ?")
		args = append(args, f.ParentTicketID)
	}
	if f.BlockingTicketID != "" {
		where = append(where, "blocking_ticket_id = ?")
		args = append(args, f.BlockingTicketID)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Title != "" {
		where = append(where, "title = ?")
		args = append(args, f.Title)
	}
	if f.Ghost != nil {
		where = append(where, "is_ghost = ?")
		args = append(args, boolInt(*f.Ghost))
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY number ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(r rowScanner) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var status, priority, aiMode string
	var processing, blocking, parent, task, plan sql.NullString
	var started, created, updated sql.NullString
	var ghost int
	err := r.Scan(&t.ID, &t.Number, &t.Title, &t.Body, &status, &processing, &priority,
		&t.OperationType, &t.DeliverableType, &blocking, &parent, &task, &plan,
		&t.RetryCount, &t.LastError, &t.AcceptanceCriteria, &ghost, &aiMode,
		&started, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Status = protocol.TicketStatus(status)
	t.ProcessingStatus = protocol.ProcessingStatus(processing.String)
	t.Priority = protocol.Priority(priority)
	t.BlockingTicketID = blocking.String
	t.ParentTicketID = parent.String
	t.TaskID = task.String
	t.PlanID = plan.String
	t.IsGhost = ghost != 0
	t.AIMode = protocol.AIMode(aiMode)
	t.ProcessingStartedAt = parseTime(started)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

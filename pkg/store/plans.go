package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"coe/pkg/protocol"
)

// CreatePlan inserts a new plan in the planning phase and makes it the
// active plan.
func (s *SQLite) CreatePlan(ctx context.Context, name string) (*protocol.Plan, error) {
	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx, `UPDATE plans SET active = 0 WHERE active = 1`); err != nil {
		return nil, fmt.Errorf("deactivate plans: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (id, name, phase, design_approved, active, created_at) VALUES (?, ?, ?, 0, 1, ?)`,
		id, name, string(protocol.PhasePlanning), s.now())
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	return s.GetPlan(ctx, id)
}

// GetPlan returns the plan or a *protocol.PlanNotFoundError.
func (s *SQLite) GetPlan(ctx context.Context, id string) (*protocol.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx,
		`SELECT id, name, phase, design_approved, active, created_at FROM plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.PlanNotFoundError{PlanID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return p, nil
}

// GetActivePlan returns the active plan or a *protocol.PlanNotFoundError
// with an empty PlanID.
func (s *SQLite) GetActivePlan(ctx context.Context) (*protocol.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx,
		`SELECT id, name, phase, design_approved, active, created_at FROM plans
		WHERE active = 1 ORDER BY created_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.PlanNotFoundError{}
	}
	if err != nil {
		return nil, fmt.Errorf("get active plan: %w", err)
	}
	return p, nil
}

// SetPlanPhase stores the plan's phase.
func (s *SQLite) SetPlanPhase(ctx context.Context, id string, phase protocol.Phase) error {
	return s.execPlan(ctx, id, `UPDATE plans SET phase = ? WHERE id = ?`, string(phase), id)
}

// SetDesignApproved records the human design approval.
func (s *SQLite) SetDesignApproved(ctx context.Context, id string, approved bool) error {
	return s.execPlan(ctx, id, `UPDATE plans SET design_approved = ? WHERE id = ?`, boolInt(approved), id)
}

func (s *SQLite) execPlan(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update plan %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &protocol.PlanNotFoundError{PlanID: id}
	}
	return nil
}

func scanPlan(r rowScanner) (*protocol.Plan, error) {
	var p protocol.Plan
	var phase string
	var approved, active int
	var created sql.NullString
	if err := r.Scan(&p.ID, &p.Name, &phase, &approved, &active, &created); err != nil {
		return nil, err
	}
	p.Phase = protocol.Phase(phase)
	p.DesignApproved = approved != 0
	p.Active = active != 0
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// CreateTask inserts t, assigning an ID when unset.
func (s *SQLite) CreateTask(ctx context.Context, t *protocol.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = protocol.TaskPending
	}
	if t.Priority == "" {
		t.Priority = protocol.P2
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks
			(id, plan_id, title, description, priority, acceptance_criteria, estimated_minutes, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PlanID, t.Title, t.Description, string(t.Priority), t.AcceptanceCriteria,
		t.EstimatedMinutes, string(t.Status))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, plan_id, title, description, priority, acceptance_criteria, estimated_minutes, status`

// GetTask returns the task or an error wrapping sql.ErrNoRows.
func (s *SQLite) GetTask(ctx context.Context, id string) (*protocol.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns a plan's tasks in insertion order.
func (s *SQLite) ListTasks(ctx context.Context, planID string) ([]protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE plan_id = ? ORDER BY rowid ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetTaskStatus updates a task's status.
func (s *SQLite) SetTaskStatus(ctx context.Context, id string, status protocol.TaskStatus) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("set task status %s: %w", id, err)
	}
	return nil
}

func scanTask(r rowScanner) (*protocol.Task, error) {
	var t protocol.Task
	var priority, status string
	if err := r.Scan(&t.ID, &t.PlanID, &t.Title, &t.Description, &priority, &t.AcceptanceCriteria,
		&t.EstimatedMinutes, &status); err != nil {
		return nil, err
	}
	t.Priority = protocol.Priority(priority)
	t.Status = protocol.TaskStatus(status)
	return &t, nil
}

// AddDocument stores a reference document.
func (s *SQLite) AddDocument(ctx context.Context, d *protocol.Document) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, plan_id, task_id, title, content) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.PlanID, nullable(d.TaskID), d.Title, d.Content)
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// ListDocuments returns the plan-wide documents plus those attached to
// taskID (when non-empty).
func (s *SQLite) ListDocuments(ctx context.Context, planID, taskID string) ([]protocol.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, plan_id, task_id, title, content FROM documents
		WHERE plan_id = ? AND (task_id IS NULL OR task_id = ?) ORDER BY rowid ASC`, planID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Document
	for rows.Next() {
		var d protocol.Document
		var task sql.NullString
		if err := rows.Scan(&d.ID, &d.PlanID, &task, &d.Title, &d.Content); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.TaskID = task.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateQuestion stores q as a ghost ticket awaiting a user answer.
func (s *SQLite) CreateQuestion(ctx context.Context, q Question) (*protocol.Ticket, error) {
	op := q.OperationType
	if op == "" {
		op = protocol.OpQuestion
	}
	priority := q.Priority
	if priority == "" {
		priority = protocol.P1
	}
	t, err := s.CreateTicket(ctx, &protocol.Ticket{
		Title:            q.Title,
		Body:             q.Body,
		Status:           protocol.StatusOpen,
		ProcessingStatus: protocol.ProcessingAwaitingUser,
		Priority:         priority,
		OperationType:    op,
		DeliverableType:  protocol.DeliverableCommunication,
		ParentTicketID:   q.SubjectID,
		PlanID:           q.PlanID,
		IsGhost:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("create question: %w", err)
	}
	return t, nil
}

// AnswerQuestion records the user's answer on the ghost ticket and releases
// it to the scheduler (open, no processing status) so the clarity agent can
// pick it up.
func (s *SQLite) AnswerQuestion(ctx context.Context, ghostID, answer string) (*protocol.Ticket, error) {
	g, err := s.GetTicket(ctx, ghostID)
	if err != nil {
		return nil, err
	}
	if !g.IsGhost {
		return nil, fmt.Errorf("ticket %s is not a question", g.Ref())
	}
	if err := s.AddConversation(ctx, ghostID, protocol.AuthorUser, answer); err != nil {
		return nil, err
	}
	err = s.UpdateTicket(ctx, ghostID, protocol.TicketUpdate{
		Status:           protocol.Ptr(protocol.StatusOpen),
		ProcessingStatus: protocol.Ptr(protocol.ProcessingNone),
	})
	if err != nil {
		return nil, err
	}
	return s.GetTicket(ctx, ghostID)
}

// Package store persists tickets, conversations, runs, audit entries,
// plans, tasks and documents. The SQLite implementation is the single
// source of truth the engine reconciles against after a crash.
package store

import (
	"context"
	"fmt"

	"coe/pkg/protocol"
)

// TicketFilter selects tickets. Empty fields do not constrain the query.
type TicketFilter struct {
	Statuses         []protocol.TicketStatus
	Processing       []protocol.ProcessingStatus // ProcessingNone matches NULL
	OperationTypes   []string
	PlanID           string
	ParentTicketID   string
	BlockingTicketID string
	TaskID           string
	Title            string // exact match
	Ghost            *bool
	Limit            int
}

// Question is a human-facing question, stored as a ghost ticket.
type Question struct {
	PlanID        string
	SubjectID     string // ticket the question is about; becomes the ghost's parent
	Title         string
	Body          string
	Priority      protocol.Priority
	OperationType string
}

// Store is the persistence boundary used by every engine component.
type Store interface {
	CreateTicket(ctx context.Context, t *protocol.Ticket) (*protocol.Ticket, error)
	GetTicket(ctx context.Context, id string) (*protocol.Ticket, error)
	UpdateTicket(ctx context.Context, id string, u protocol.TicketUpdate) error
	ListTickets(ctx context.Context, f TicketFilter) ([]*protocol.Ticket, error)

	AddConversation(ctx context.Context, ticketID, author, content string) error
	RecentConversation(ctx context.Context, ticketID string, limit int) ([]protocol.ConversationEntry, error)

	CreateRun(ctx context.Context, r *protocol.Run) error
	FinishRun(ctx context.Context, r *protocol.Run) error
	ListRuns(ctx context.Context, ticketID string, limit int) ([]protocol.Run, error)
	AddRunStep(ctx context.Context, s *protocol.RunStep) error
	FinishRunStep(ctx context.Context, s *protocol.RunStep) error
	ListRunSteps(ctx context.Context, runID string) ([]protocol.RunStep, error)

	Audit(ctx context.Context, e protocol.AuditEntry) error
	ListAudit(ctx context.Context, kind string, limit int) ([]protocol.AuditEntry, error)

	CreateQuestion(ctx context.Context, q Question) (*protocol.Ticket, error)
	AnswerQuestion(ctx context.Context, ghostID, answer string) (*protocol.Ticket, error)

	CreatePlan(ctx context.Context, name string) (*protocol.Plan, error)
	GetPlan(ctx context.Context, id string) (*protocol.Plan, error)
	GetActivePlan(ctx context.Context) (*protocol.Plan, error)
	SetPlanPhase(ctx context.Context, id string, phase protocol.Phase) error
	SetDesignApproved(ctx context.Context, id string, approved bool) error

	CreateTask(ctx context.Context, t *protocol.Task) error
	GetTask(ctx context.Context, id string) (*protocol.Task, error)
	ListTasks(ctx context.Context, planID string) ([]protocol.Task, error)
	SetTaskStatus(ctx context.Context, id string, status protocol.TaskStatus) error

	AddDocument(ctx context.Context, d *protocol.Document) error
	ListDocuments(ctx context.Context, planID, taskID string) ([]protocol.Document, error)
}

// OwningPlan finds the plan that owns t: its own plan, its task's plan,
// or the first ancestor (via parent links) that has one. The walk stops
// after protocol.MaxAncestorDepth hops and on cycles. "" means no plan.
func OwningPlan(ctx context.Context, st Store, t *protocol.Ticket) (string, error) {
	visited := make(map[string]bool)
	cur := t
	for depth := 0; cur != nil && depth <= protocol.MaxAncestorDepth; depth++ {
		if visited[cur.ID] {
			return "", nil
		}
		visited[cur.ID] = true

		if cur.PlanID != "" {
			return cur.PlanID, nil
		}
		if cur.TaskID != "" {
			task, err := st.GetTask(ctx, cur.TaskID)
			if err == nil && task.PlanID != "" {
				return task.PlanID, nil
			}
		}
		if cur.ParentTicketID == "" {
			return "", nil
		}
		parent, err := st.GetTicket(ctx, cur.ParentTicketID)
		if err != nil {
			if protocol.IsNotFound(err) {
				return "", nil
			}
			return "", fmt.Errorf("resolve plan for %s: %w", t.ID, err)
		}
		cur = parent
	}
	return "", nil
}

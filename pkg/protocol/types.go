package protocol

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TicketStatus is the lifecycle status of a ticket.
type TicketStatus string

// Ticket status constants.
const (
	StatusOpen      TicketStatus = "open"
	StatusInReview  TicketStatus = "in_review"
	StatusResolved  TicketStatus = "resolved"
	StatusEscalated TicketStatus = "escalated"
	StatusOnHold    TicketStatus = "on_hold"
)

// ProcessingStatus is the scheduler-facing sub-state of a ticket. The empty
// value means the ticket is not tracked by the scheduler at all.
type ProcessingStatus string

// Processing status constants.
const (
	ProcessingNone         ProcessingStatus = ""
	ProcessingQueued       ProcessingStatus = "queued"
	ProcessingActive       ProcessingStatus = "processing"
	ProcessingVerifying    ProcessingStatus = "verifying"
	ProcessingHolding      ProcessingStatus = "holding"
	ProcessingAwaitingUser ProcessingStatus = "awaiting_user"
)

// Held reports whether the processing status parks the ticket outside the
// scheduler (waiting on a human).
func (p ProcessingStatus) Held() bool {
	return p == ProcessingHolding || p == ProcessingAwaitingUser
}

// Priority is a ticket priority. P1 is the most urgent.
type Priority string

// Priority constants.
const (
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// Rank returns the sort rank of a priority. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case P1:
		return 1
	case P2:
		return 2
	case P3:
		return 3
	default:
		return 4
	}
}

// ParsePriority normalises user input ("p1", "1", "P2") to a Priority.
// Unrecognised input falls back to P2.
func ParsePriority(s string) Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P1", "1":
		return P1
	case "P3", "3":
		return P3
	default:
		return P2
	}
}

// Operation types that influence routing.
const (
	OpBossDirective  = "boss_directive"
	OpTaskGeneration = "task_generation"
	OpDesign         = "design"
	OpDesignUpdate   = "design_update"
	OpVerification   = "verification"
	OpCodeGeneration = "code_generation"
	OpPlanning       = "planning"
	OpApproval       = "approval"
	OpQuestion       = "question"
)

// Deliverable types produced by pipeline steps.
const (
	DeliverableBossDirective      = "boss_directive"
	DeliverableCommunication      = "communication"
	DeliverableAssessment         = "assessment"
	DeliverableImplementationPlan = "implementation_plan"
	DeliverableTaskList           = "task_list"
	DeliverableDesignDocument     = "design_document"
	DeliverableVerification       = "verification_report"
	DeliverableCodeGeneration     = "code_generation"
	DeliverableCompletionReview   = "completion_review"
)

// Agent names.
const (
	AgentBoss           = "boss"
	AgentOrchestrator   = "orchestrator"
	AgentPlanning       = "planning"
	AgentClarity        = "clarity"
	AgentCoding         = "coding"
	AgentDesign         = "design"
	AgentVerification   = "verification"
	AgentTaskGeneration = "task_generation"
)

// Ticket is the unit of work the engine schedules.
type Ticket struct {
	ID                  string           `json:"id"`
	Number              int              `json:"number"`
	Title               string           `json:"title"`
	Body                string           `json:"body"`
	Status              TicketStatus     `json:"status"`
	ProcessingStatus    ProcessingStatus `json:"processing_status,omitempty"`
	Priority            Priority         `json:"priority"`
	OperationType       string           `json:"operation_type,omitempty"`
	DeliverableType     string           `json:"deliverable_type,omitempty"`
	BlockingTicketID    string           `json:"blocking_ticket_id,omitempty"`
	ParentTicketID      string           `json:"parent_ticket_id,omitempty"`
	TaskID              string           `json:"task_id,omitempty"`
	PlanID              string           `json:"plan_id,omitempty"`
	RetryCount          int              `json:"retry_count"`
	LastError           string           `json:"last_error,omitempty"`
	AcceptanceCriteria  string           `json:"acceptance_criteria,omitempty"`
	IsGhost             bool             `json:"is_ghost"`
	AIMode              AIMode           `json:"ai_mode,omitempty"` // per-ticket override; empty = none
	ProcessingStartedAt time.Time        `json:"processing_started_at,omitzero"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Ref returns the human-facing reference for a ticket ("#12").
func (t *Ticket) Ref() string {
	if t.Number > 0 {
		return fmt.Sprintf("#%d", t.Number)
	}
	return t.ID
}

// TicketUpdate is a partial update. Nil fields are left unchanged.
type TicketUpdate struct {
	Title               *string
	Body                *string
	Status              *TicketStatus
	ProcessingStatus    *ProcessingStatus
	Priority            *Priority
	BlockingTicketID    *string // "" clears the blocker
	RetryCount          *int
	LastError           *string
	ProcessingStartedAt *time.Time // zero time clears it
	AIMode              *AIMode
}

// Ptr returns a pointer to v. Used to build TicketUpdate values.
func Ptr[T any](v T) *T { return &v }

// Truncate returns the longest prefix of s that is at most n bytes and
// ends on a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// QueuedTicket is a scheduler queue entry. It is never persisted.
type QueuedTicket struct {
	TicketID        string
	Priority        Priority
	EnqueuedAt      time.Time
	OperationType   string
	ErrorRetryCount int
}

// AgentRoute is a single step of an agent pipeline.
type AgentRoute struct {
	Agent           string `json:"agent"`
	DeliverableType string `json:"deliverable_type"`
	Stage           int    `json:"stage"`
}

func (r AgentRoute) String() string {
	return r.Agent + ":" + r.DeliverableType
}

// AgentPipeline is the ordered list of steps a ticket is routed through.
// A nil pipeline means the ticket should be skipped.
type AgentPipeline []AgentRoute

// RunStatus is the state of a pipeline run.
type RunStatus string

// Run status constants.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunHeld      RunStatus = "held"
	RunSkipped   RunStatus = "skipped"
)

// Run is one execution of a ticket's pipeline.
type Run struct {
	ID         string    `json:"id"`
	TicketID   string    `json:"ticket_id"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response,omitempty"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	TokensUsed int       `json:"tokens_used"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// RunStep is one agent call within a run.
type RunStep struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	Index           int       `json:"index"`
	Agent           string    `json:"agent"`
	DeliverableType string    `json:"deliverable_type"`
	Stage           int       `json:"stage"`
	ResponseExcerpt string    `json:"response_excerpt,omitempty"`
	Status          RunStatus `json:"status"`
	DurationMS      int64     `json:"duration_ms"`
	StartedAt       time.Time `json:"started_at"`
}

// ConversationEntry is a message on a ticket's thread.
type ConversationEntry struct {
	ID        int64     `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation authors that are not agents.
const (
	AuthorSystem = "system"
	AuthorUser   = "user"
)

// AuditEntry is an append-only audit record.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	TicketID  string    `json:"ticket_id,omitempty"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is a project plan moving through lifecycle phases.
type Plan struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Phase          Phase     `json:"phase"`
	DesignApproved bool      `json:"design_approved"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// TaskStatus is the status of a plan task.
type TaskStatus string

// Task status constants.
const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// Task is a unit of planned work belonging to a plan.
type Task struct {
	ID                 string     `json:"id"`
	PlanID             string     `json:"plan_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Priority           Priority   `json:"priority"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	EstimatedMinutes   int        `json:"estimated_minutes"`
	Status             TaskStatus `json:"status"`
}

// Task size bounds (minutes) required before planning can complete.
const (
	MinTaskMinutes = 15
	MaxTaskMinutes = 45
)

// Document is reference material attached to a plan or task.
type Document struct {
	ID      string `json:"id"`
	PlanID  string `json:"plan_id"`
	TaskID  string `json:"task_id,omitempty"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// EscalationType classifies a structured escalation message.
type EscalationType string

// Escalation type constants for [COE-BOSS] messages.
const (
	EscInfraFailure   EscalationType = "INFRA_FAILURE"
	EscVerifyFailure  EscalationType = "VERIFICATION_FAILED"
	EscReviewHold     EscalationType = "REVIEW_HOLD"
	EscApproval       EscalationType = "APPROVAL_NEEDED"
	EscBossEscalation EscalationType = "BOSS_ESCALATION"
	EscDesignReview   EscalationType = "DESIGN_REVIEW"
)

// FormatEscalation produces a structured escalation message in the form:
//
//	[COE-BOSS] <TYPE>: <ticket-ref> — <summary>. <details>.
//
// If details is empty the trailing details clause is omitted.
func FormatEscalation(typ EscalationType, ref, summary, details string) string {
	if details != "" {
		return fmt.Sprintf("[COE-BOSS] %s: %s — %s. %s.", typ, ref, summary, details)
	}
	return fmt.Sprintf("[COE-BOSS] %s: %s — %s.", typ, ref, summary)
}

package protocol

import "context"

// Response is an agent reply.
type Response struct {
	Content    string
	Confidence *float64 // nil when the agent reported none
	TokensUsed int
	Actions    []Action
}

// AgentRequest is a single agent invocation.
type AgentRequest struct {
	Agent           string
	DeliverableType string
	TicketID        string
	Message         string
}

// ReviewRequest asks the reviewer to judge a pipeline's final output.
type ReviewRequest struct {
	Ticket          *Ticket
	DeliverableType string
	Output          string
}

// HealthSnapshot is the state handed to the boss health check.
type HealthSnapshot struct {
	Trigger        string
	QueueLength    int
	OpenTickets    int
	InReview       int
	Escalated      int
	AwaitingUser   int
	ActivePlan     string
	ActivePhase    Phase
	RecentFailures []string
}

// Caller is the boundary to the AI agents.
type Caller interface {
	CallAgent(ctx context.Context, req AgentRequest) (Response, error)
	ReviewTicket(ctx context.Context, req ReviewRequest) (Response, error)
	CheckSystemHealth(ctx context.Context, snap HealthSnapshot) (Response, error)
	// SelectNextTicket returns the ID of the candidate the boss prefers, or
	// "" for no preference.
	SelectNextTicket(ctx context.Context, candidates []*Ticket) (string, error)
	RewriteForUser(ctx context.Context, text string) (string, error)
}

package protocol

import (
	"errors"
	"fmt"
)

// VerificationError represents a failed verification of pipeline output.
// It carries the clarity score and per-check results for escalation questions.
type VerificationError struct {
	TicketID string
	Score    int
	Checks   []string // human-readable failed checks
	Attempt  int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for ticket %s (clarity %d, attempt %d): %v",
		e.TicketID, e.Score, e.Attempt, e.Checks)
}

// AgentCallError represents a failed agent invocation.
type AgentCallError struct {
	Agent    string
	TicketID string
	Err      error
}

func (e *AgentCallError) Error() string {
	return fmt.Sprintf("agent %s failed (ticket %s): %v", e.Agent, e.TicketID, e.Err)
}

func (e *AgentCallError) Unwrap() error { return e.Err }

// TicketNotFoundError represents a ticket lookup failure.
type TicketNotFoundError struct {
	TicketID string
}

func (e *TicketNotFoundError) Error() string {
	return fmt.Sprintf("ticket %s not found", e.TicketID)
}

// PlanNotFoundError represents a plan lookup failure.
type PlanNotFoundError struct {
	PlanID string
}

func (e *PlanNotFoundError) Error() string {
	if e.PlanID == "" {
		return "no active plan"
	}
	return fmt.Sprintf("plan %s not found", e.PlanID)
}

// IsNotFound reports whether err is a ticket or plan lookup failure.
func IsNotFound(err error) bool {
	var tnf *TicketNotFoundError
	var pnf *PlanNotFoundError
	return errors.As(err, &tnf) || errors.As(err, &pnf)
}

// ErrorChain flattens a wrapped error into its messages, outermost first.
func ErrorChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}

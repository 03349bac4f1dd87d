package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionType tags a boss action variant on the wire.
type ActionType string

// Known boss action types.
const (
	ActionCreateTicket ActionType = "create_ticket"
	ActionEscalate     ActionType = "escalate"
	ActionLog          ActionType = "log"
)

// Action is a side effect requested by an agent response. Implementations
// are CreateTicketAction, EscalateAction and LogAction.
type Action interface {
	Type() ActionType
}

// CreateTicketAction asks the engine to open a new ticket.
type CreateTicketAction struct {
	Title              string   `json:"title"`
	Body               string   `json:"body,omitempty"`
	Priority           Priority `json:"priority,omitempty"`
	OperationType      string   `json:"operation_type,omitempty"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	BlockingTicketID   string   `json:"blocking_ticket_id,omitempty"`
}

// Type implements Action.
func (CreateTicketAction) Type() ActionType { return ActionCreateTicket }

// EscalateAction asks for a human question on the active plan.
type EscalateAction struct {
	TicketID string `json:"ticket_id,omitempty"`
	Question string `json:"question"`
	Reason   string `json:"reason,omitempty"`
}

// Type implements Action.
func (EscalateAction) Type() ActionType { return ActionEscalate }

// LogAction appends an audit entry.
type LogAction struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// Type implements Action.
func (LogAction) Type() ActionType { return ActionLog }

// RawAction is the untyped wire form: {"type": "...", ...payload}.
type RawAction map[string]any

// ParseActions converts raw wire actions into typed variants. Entries that
// are malformed or carry an unknown type are skipped and reported in errs;
// they are never executed.
func ParseActions(raw []RawAction) (actions []Action, errs []error) {
	for i, r := range raw {
		a, err := parseAction(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("action %d: %w", i, err))
			continue
		}
		actions = append(actions, a)
	}
	return actions, errs
}

func parseAction(r RawAction) (Action, error) {
	typ, _ := r["type"].(string)
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	switch ActionType(strings.ToLower(typ)) {
	case ActionCreateTicket:
		var a CreateTicketAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("create_ticket payload: %w", err)
		}
		a.Title = strings.TrimSpace(a.Title)
		if a.Title == "" {
			return nil, fmt.Errorf("create_ticket: missing title")
		}
		if a.Priority == "" {
			a.Priority = P2
		} else {
			a.Priority = ParsePriority(string(a.Priority))
		}
		return a, nil
	case ActionEscalate:
		var a EscalateAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("escalate payload: %w", err)
		}
		if strings.TrimSpace(a.Question) == "" {
			a.Question = a.Reason
		}
		if strings.TrimSpace(a.Question) == "" {
			return nil, fmt.Errorf("escalate: missing question")
		}
		return a, nil
	case ActionLog:
		var a LogAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("log payload: %w", err)
		}
		if a.Message == "" {
			return nil, fmt.Errorf("log: missing message")
		}
		return a, nil
	case "":
		return nil, fmt.Errorf("missing type")
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}

// HasEscalation reports whether any action is an escalate variant.
func HasEscalation(actions []Action) (EscalateAction, bool) {
	for _, a := range actions {
		if e, ok := a.(EscalateAction); ok {
			return e, true
		}
	}
	return EscalateAction{}, false
}

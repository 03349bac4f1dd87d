package protocol_test

import (
	"testing"

	"coe/pkg/protocol"
)

func TestParseActions(t *testing.T) {
	raw := []protocol.RawAction{
		{"type": "create_ticket", "title": "  Add login page ", "priority": "p1"},
		{"type": "escalate", "reason": "unclear requirements"},
		{"type": "log", "message": "queue looks healthy"},
		{"type": "create_ticket"},
		{"type": "reboot"},
		{"title": "no type"},
	}

	actions, errs := protocol.ParseActions(raw)
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(actions))
	}
	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(errs), errs)
	}

	ct, ok := actions[0].(protocol.CreateTicketAction)
	if !ok {
		t.Fatalf("action 0: got %T, want CreateTicketAction", actions[0])
	}
	if ct.Title != "Add login page" {
		t.Errorf("title = %q, want trimmed", ct.Title)
	}
	if ct.Priority != protocol.P1 {
		t.Errorf("priority = %q, want P1", ct.Priority)
	}

	esc, ok := actions[1].(protocol.EscalateAction)
	if !ok {
		t.Fatalf("action 1: got %T, want EscalateAction", actions[1])
	}
	if esc.Question != "unclear requirements" {
		t.Errorf("question = %q, want reason fallback", esc.Question)
	}

	if _, ok := protocol.HasEscalation(actions); !ok {
		t.Error("expected HasEscalation to find the escalate action")
	}
}

func TestParseActions_DefaultPriority(t *testing.T) {
	actions, errs := protocol.ParseActions([]protocol.RawAction{{"type": "create_ticket", "title": "x"}})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if got := actions[0].(protocol.CreateTicketAction).Priority; got != protocol.P2 {
		t.Errorf("priority = %q, want P2", got)
	}
}

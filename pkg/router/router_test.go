package router

import (
	"reflect"
	"strings"
	"testing"

	"coe/pkg/protocol"
)

func routeStrings(p protocol.AgentPipeline) []string {
	out := make([]string, len(p))
	for i, r := range p {
		out[i] = r.String()
	}
	return out
}

const richBody = `Build the login endpoint for the extension backend.

Acceptance criteria:
1. POST /login returns a session token for valid credentials
2. Invalid credentials return 401
3. Tokens expire after one hour`

func TestRoute(t *testing.T) {
	tests := []struct {
		name   string
		ticket protocol.Ticket
		want   []string
	}{
		{
			name:   "code generation without rich context",
			ticket: protocol.Ticket{Title: "Add login", OperationType: "code_generation"},
			want:   []string{"orchestrator:assessment", "planning:implementation_plan", "coding:code_generation", "orchestrator:completion_review"},
		},
		{
			name:   "rich context skips planning",
			ticket: protocol.Ticket{Title: "Add login", OperationType: "code_generation", Body: richBody},
			want:   []string{"orchestrator:assessment", "coding:code_generation", "orchestrator:completion_review"},
		},
		{
			name:   "boss directive by operation type",
			ticket: protocol.Ticket{Title: "Reprioritise", OperationType: protocol.OpBossDirective, IsGhost: true},
			want:   []string{"boss:boss_directive"},
		},
		{
			name:   "boss directive by title prefix",
			ticket: protocol.Ticket{Title: "[BOSS] rebalance queue"},
			want:   []string{"boss:boss_directive"},
		},
		{
			name:   "ghost question",
			ticket: protocol.Ticket{Title: "Which database?", IsGhost: true},
			want:   []string{"clarity:communication"},
		},
		{
			name:   "task generation",
			ticket: protocol.Ticket{Title: "Generate tasks for plan", OperationType: protocol.OpTaskGeneration},
			want:   []string{"orchestrator:assessment", "planning:implementation_plan", "task_generation:task_list", "orchestrator:completion_review"},
		},
		{
			name:   "design by title",
			ticket: protocol.Ticket{Title: "Design: settings panel"},
			want:   []string{"orchestrator:assessment", "planning:implementation_plan", "design:design_document", "orchestrator:completion_review"},
		},
		{
			name:   "design update",
			ticket: protocol.Ticket{Title: "Refresh docs", OperationType: protocol.OpDesignUpdate, Body: richBody},
			want:   []string{"orchestrator:assessment", "design:design_document", "orchestrator:completion_review"},
		},
		{
			name:   "verification",
			ticket: protocol.Ticket{Title: "Verify login", OperationType: protocol.OpVerification},
			want:   []string{"orchestrator:assessment", "planning:implementation_plan", "verification:verification_report", "orchestrator:completion_review"},
		},
		{
			name:   "unknown operation falls back to coding",
			ticket: protocol.Ticket{Title: "Fix crash", OperationType: "bug_fix"},
			want:   []string{"orchestrator:assessment", "planning:implementation_plan", "coding:code_generation", "orchestrator:completion_review"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Route(&tc.ticket)
			if !reflect.DeepEqual(routeStrings(got), tc.want) {
				t.Fatalf("got %v, want %v", routeStrings(got), tc.want)
			}
			for i, r := range got {
				if r.Stage != i+1 {
					t.Errorf("step %d stage = %d, want %d", i, r.Stage, i+1)
				}
			}
		})
	}
}

func TestRouteConfigPhaseSkips(t *testing.T) {
	for _, title := range []string{"[CONFIG PHASE] set up repo", "[config phase] done"} {
		if p := Route(&protocol.Ticket{Title: title}); p != nil {
			t.Errorf("Route(%q) = %v, want nil", title, routeStrings(p))
		}
	}
	// Boss directives outrank the config marker.
	p := Route(&protocol.Ticket{Title: "[CONFIG PHASE] x", OperationType: protocol.OpBossDirective})
	if len(p) != 1 || p[0].Agent != protocol.AgentBoss {
		t.Errorf("got %v, want boss directive", routeStrings(p))
	}
}

func TestHasRichContext(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"empty", "", false},
		{"numbered steps", richBody, true},
		{"bullets", "Implement the sidebar tree.\n\nAcceptance Criteria\n- shows all open tickets grouped by plan\n- collapses on click\n- remembers state", true},
		{"too short", "Acceptance criteria:\n1. works", false},
		{"no criteria marker", strings.Repeat("Implement the thing. ", 10) + "\n1. do it", false},
		{"no markers", "Acceptance criteria: " + strings.Repeat("the feature must behave well in all cases. ", 5), false},
	}
	for _, tc := range tests {
		if got := HasRichContext(tc.body); got != tc.want {
			t.Errorf("%s: HasRichContext = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFinalDeliverable(t *testing.T) {
	p := Route(&protocol.Ticket{Title: "x", OperationType: protocol.OpVerification})
	if got := FinalDeliverable(p); got != protocol.DeliverableVerification {
		t.Errorf("got %q, want verification_report", got)
	}
	p = Route(&protocol.Ticket{Title: "q", IsGhost: true})
	if got := FinalDeliverable(p); got != protocol.DeliverableCommunication {
		t.Errorf("got %q, want communication", got)
	}
	if got := FinalDeliverable(nil); got != "" {
		t.Errorf("got %q for nil pipeline", got)
	}
}

func TestIsFrontendWork(t *testing.T) {
	yes := []protocol.Ticket{
		{Title: "Restyle the settings page"},
		{Title: "Fix button alignment"},
		{Title: "Add React component for tree"},
		{Title: "Something", Body: "update the CSS for dark theme"},
		{Title: "Front-end cleanup"},
	}
	for _, tk := range yes {
		if !IsFrontendWork(&tk) {
			t.Errorf("expected %q to be frontend work", tk.Title)
		}
	}
	no := []protocol.Ticket{
		{Title: "Add SQLite migration"},
		{Title: "Fix retry backoff in queue", Body: "the scheduler requeues too often"},
		{Title: "Build query builder"}, // "build" must not match "ui"
	}
	for _, tk := range no {
		if IsFrontendWork(&tk) {
			t.Errorf("expected %q not to be frontend work", tk.Title)
		}
	}
}

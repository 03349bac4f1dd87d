package executor

import (
	"strings"
	"testing"
	"unicode/utf8"

	"coe/pkg/protocol"
	"coe/pkg/router"
)

func TestClarityScore(t *testing.T) {
	tests := []struct {
		name string
		in   *float64
		want int
	}{
		{"missing", nil, protocol.DefaultClarityScore},
		{"fraction", conf(0.72), 72},
		{"one", conf(1), 100},
		{"already scaled", conf(65), 65},
		{"over", conf(140), 100},
		{"negative", conf(-0.5), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClarityScore(tt.in); got != tt.want {
				t.Errorf("ClarityScore = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCheckDeliverable(t *testing.T) {
	tests := []struct {
		name        string
		deliverable string
		content     string
		pass        bool
	}{
		{"code fence", protocol.DeliverableCodeGeneration, "```\nx := 1\n```", true},
		{"bare func", protocol.DeliverableCodeGeneration, "func main() {}", true},
		{"prose only", protocol.DeliverableCodeGeneration, "I think this should be done later.", false},
		{"design heading", protocol.DeliverableDesignDocument, "# Overview\nshort", true},
		{"design short prose", protocol.DeliverableDesignDocument, "tiny design", false},
		{"design long prose", protocol.DeliverableDesignDocument, strings.Repeat("word ", 50), true},
		{"task list", protocol.DeliverableTaskList, "1. first\n2. second", true},
		{"single task", protocol.DeliverableTaskList, "- only one", false},
		{"plan bullets", protocol.DeliverableImplementationPlan, "- a\n- b\n- c", true},
		{"verdict", protocol.DeliverableVerification, "All checks PASSED.", true},
		{"no verdict", protocol.DeliverableVerification, "Looked at things.", false},
		{"empty", protocol.DeliverableAssessment, "   ", false},
		{"default short", protocol.DeliverableAssessment, "ok", false},
		{"default long", protocol.DeliverableAssessment, "The ticket is clear and ready to go.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := CheckDeliverable(tt.deliverable, tt.content)
			if (reason == "") != tt.pass {
				t.Errorf("CheckDeliverable(%q) = %q, want pass=%v", tt.content, reason, tt.pass)
			}
		})
	}
}

func TestVerifyThresholds(t *testing.T) {
	tk := &protocol.Ticket{ID: "t1", RetryCount: 2}

	comm := protocol.Response{Content: "ok", Confidence: conf(0.75)}
	if vf := Verify(tk, protocol.DeliverableCommunication, comm, 80, 70); vf == nil {
		t.Error("communication below clarity threshold passed")
	} else if vf.Attempt != 3 || vf.Score != 75 {
		t.Errorf("vf = %+v", vf)
	}

	work := protocol.Response{Content: goodCode, Confidence: conf(0.75)}
	if vf := Verify(tk, protocol.DeliverableCodeGeneration, work, 80, 70); vf != nil {
		t.Errorf("work at 75 failed: %v", vf)
	}

	both := protocol.Response{Content: "no code", Confidence: conf(0.1)}
	vf := Verify(tk, protocol.DeliverableCodeGeneration, both, 80, 70)
	if vf == nil || len(vf.Checks) != 2 {
		t.Fatalf("vf = %+v, want two failed checks", vf)
	}

	directive := protocol.Response{Actions: []protocol.Action{protocol.LogAction{Message: "x"}}}
	if vf := Verify(tk, protocol.DeliverableBossDirective, directive, 80, 70); vf != nil {
		t.Errorf("boss directive with actions failed: %v", vf)
	}
}

func TestStepMessageTemplates(t *testing.T) {
	tk := &protocol.Ticket{Number: 3, Title: "Build", OperationType: protocol.OpCodeGeneration}
	p := router.Route(tk)
	base := AssemblePrompt(PromptParams{Ticket: tk})

	first := StepMessage(base, p, 0, "")
	if !strings.Contains(first, "Assess this ticket") {
		t.Errorf("first step missing assessment role: %q", first)
	}
	middle := StepMessage(base, p, 2, "the plan")
	if !strings.HasPrefix(middle, "## Previous Step Output\n\nthe plan") {
		t.Errorf("middle step does not lead with previous output: %q", middle)
	}
	last := StepMessage(base, p, len(p)-1, "the code")
	if !strings.Contains(last, "Review the completed work") || !strings.Contains(last, "the code") {
		t.Errorf("last step missing review template: %q", last)
	}

	single := router.Route(&protocol.Ticket{Title: "q", IsGhost: true})
	if got := StepMessage(base, single, 0, ""); got != base {
		t.Errorf("single step message altered: %q", got)
	}
}

func TestAssemblePromptSections(t *testing.T) {
	tk := &protocol.Ticket{
		Number:             7,
		Title:              "Add login",
		Body:               "Users need to log in.",
		AcceptanceCriteria: "- login works",
		Priority:           protocol.P1,
	}
	got := AssemblePrompt(PromptParams{
		Ticket:       tk,
		FailedRuns:   []protocol.Run{{Error: "e1"}, {Error: "e2"}, {Error: "e3"}, {Error: "e4"}},
		Conversation: []protocol.ConversationEntry{{Author: "user", Content: "use OAuth"}},
	})
	for _, want := range []string{"## Ticket", "#7", "## Description", "## Acceptance Criteria", "## Previous Failed Attempts", "**user:** use OAuth"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(got, "e4") {
		t.Error("prompt includes more than three failed runs")
	}
	if strings.Contains(got, "Retry attempt") {
		t.Error("fresh ticket prompt mentions retry")
	}
}

func TestExcerptCutsOnRuneBoundary(t *testing.T) {
	got := excerpt("a" + strings.Repeat("é", protocol.StepExcerptLimit))
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt produced invalid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) > protocol.StepExcerptLimit {
		t.Errorf("excerpt length = %d, limit %d", len(got), protocol.StepExcerptLimit)
	}

	if got := truncate("ü"+strings.Repeat("ö", 10), 4); got != "üö…" {
		t.Errorf("truncate = %q, want %q", got, "üö…")
	}
}

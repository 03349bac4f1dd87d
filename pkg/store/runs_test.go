package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"coe/pkg/protocol"
)

func TestRecentConversationWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := range 5 {
		if err := s.AddConversation(ctx, "t1", "coding", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("AddConversation: %v", err)
		}
	}
	_ = s.AddConversation(ctx, "t2", "coding", "other ticket")

	got, err := s.RecentConversation(ctx, "t1", 3)
	if err != nil {
		t.Fatalf("RecentConversation: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i, want := range []string{"msg 2", "msg 3", "msg 4"} {
		if got[i].Content != want {
			t.Errorf("entry %d = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestRunsAndSteps(t *testing.T) {
	s := newTestStore(t)
	clk := &steppingClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.SetNowFunc(clk.Now)
	ctx := context.Background()

	first := &protocol.Run{TicketID: "t1", Prompt: "p1"}
	if err := s.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	first.Status = protocol.RunFailed
	first.Error = "agent down"
	if err := s.FinishRun(ctx, first); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	second := &protocol.Run{TicketID: "t1", Prompt: "p2"}
	_ = s.CreateRun(ctx, second)

	step := &protocol.RunStep{RunID: second.ID, Index: 0, Agent: "coding", DeliverableType: "code_generation", Stage: 1}
	if err := s.AddRunStep(ctx, step); err != nil {
		t.Fatalf("AddRunStep: %v", err)
	}
	step.Status = protocol.RunCompleted
	step.ResponseExcerpt = "func main() {}"
	step.DurationMS = 42
	if err := s.FinishRunStep(ctx, step); err != nil {
		t.Fatalf("FinishRunStep: %v", err)
	}

	runs, err := s.ListRuns(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID {
		t.Fatalf("expected newest run first, got %d runs", len(runs))
	}
	if runs[1].Status != protocol.RunFailed || runs[1].Error != "agent down" || runs[1].FinishedAt.IsZero() {
		t.Errorf("failed run = %+v", runs[1])
	}

	steps, _ := s.ListRunSteps(ctx, second.ID)
	if len(steps) != 1 || steps[0].DurationMS != 42 || steps[0].Status != protocol.RunCompleted {
		t.Errorf("steps = %+v", steps)
	}
}

func TestAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Audit(ctx, protocol.AuditEntry{Kind: "boss_log", Source: "boss", Detail: "a"})
	_ = s.Audit(ctx, protocol.AuditEntry{Kind: "escalation_without_question", Source: "retry", TicketID: "t1", Detail: "b"})

	all, err := s.ListAudit(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(all) != 2 || all[0].Detail != "b" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	logs, _ := s.ListAudit(ctx, "boss_log", 0)
	if len(logs) != 1 || logs[0].TicketID != "" {
		t.Errorf("kind filter = %+v", logs)
	}
}

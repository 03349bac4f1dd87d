package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coe/pkg/config"
	"coe/pkg/phase"
	"coe/pkg/protocol"
	"coe/pkg/store"
)

// runCLI executes the root command with args against a private COE_HOME.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func setupHome(t *testing.T) *config.Paths {
	t.Helper()
	t.Setenv("COE_HOME", t.TempDir())
	t.Setenv("COE_DB_PATH", "")
	t.Setenv("COE_CONFIG", "")
	p, err := config.ResolvePaths()
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func openTestStore(t *testing.T, p *config.Paths) *store.SQLite {
	t.Helper()
	st, err := store.Open(p.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"run", "status", "ticket", "plan", "task", "question", "recover"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	out, err := runCLI(t, "--version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "coe ") {
		t.Errorf("version output = %q", out)
	}
}

func TestTicketCreateAndList(t *testing.T) {
	p := setupHome(t)

	out, err := runCLI(t, "ticket", "create", "Fix", "login", "redirect", "-p", "P1", "--op", "code_generation")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(out, "created #1 ") {
		t.Errorf("create output = %q", out)
	}
	if _, err := os.Stat(p.KickPath); err != nil {
		t.Errorf("kick file not touched: %v", err)
	}

	out, err = runCLI(t, "ticket", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "Fix login redirect") || !strings.Contains(out, "P1") {
		t.Errorf("list output = %q", out)
	}
}

func TestTicketCreateRejectsUnknownAIMode(t *testing.T) {
	setupHome(t)
	if _, err := runCLI(t, "ticket", "create", "x", "--ai-mode", "yolo"); err == nil {
		t.Error("expected an error for an unknown ai mode")
	}
}

func TestTicketReplyReopensEscalatedTicket(t *testing.T) {
	p := setupHome(t)
	st := openTestStore(t, p)
	ctx := context.Background()
	tk, err := st.CreateTicket(ctx, &protocol.Ticket{
		Title:            "stuck",
		Status:           protocol.StatusEscalated,
		ProcessingStatus: protocol.ProcessingAwaitingUser,
		RetryCount:       3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, "ticket", "reply", "#1", "use", "the", "staging", "db"); err != nil {
		t.Fatalf("reply: %v", err)
	}

	got, err := st.GetTicket(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != protocol.StatusOpen || got.RetryCount != 0 {
		t.Errorf("ticket = %s retry %d, want open retry 0", got.Status, got.RetryCount)
	}
	conv, _ := st.RecentConversation(ctx, tk.ID, 5)
	if len(conv) == 0 || conv[len(conv)-1].Content != "use the staging db" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestQuestionAnswerResumesSubject(t *testing.T) {
	p := setupHome(t)
	st := openTestStore(t, p)
	ctx := context.Background()
	plan, err := st.CreatePlan(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	subject, err := st.CreateTicket(ctx, &protocol.Ticket{
		Title:            "needs input",
		Status:           protocol.StatusEscalated,
		ProcessingStatus: protocol.ProcessingAwaitingUser,
		PlanID:           plan.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	q, err := st.CreateQuestion(ctx, store.Question{PlanID: plan.ID, SubjectID: subject.ID, Title: "Which region?"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "question", "list")
	if err != nil || !strings.Contains(out, "Which region?") {
		t.Fatalf("question list = %q, %v", out, err)
	}
	if _, err := runCLI(t, "question", "answer", q.ID, "eu-west-1"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	got, _ := st.GetTicket(ctx, subject.ID)
	if got.Status != protocol.StatusOpen || got.ProcessingStatus != protocol.ProcessingNone {
		t.Errorf("subject = %s/%q, want open/none", got.Status, got.ProcessingStatus)
	}
	ghost, _ := st.GetTicket(ctx, q.ID)
	if ghost.ProcessingStatus != protocol.ProcessingNone {
		t.Errorf("question processing = %q, want none", ghost.ProcessingStatus)
	}
}

func TestPlanApproveAnswersDesignQuestion(t *testing.T) {
	p := setupHome(t)
	st := openTestStore(t, p)
	ctx := context.Background()
	plan, err := st.CreatePlan(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetPlanPhase(ctx, plan.ID, protocol.PhaseDesignReview); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateQuestion(ctx, store.Question{PlanID: plan.ID, Title: "Approve the design", OperationType: protocol.OpApproval}); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "plan", "approve")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !strings.Contains(out, "1 question(s) answered") {
		t.Errorf("approve output = %q", out)
	}

	res, err := phase.New(st, nil, nil, nil).Evaluate(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Errorf("design review gate blocked after approval: %v", res.Blockers)
	}
}

func TestPlanAdvanceReportsBlockers(t *testing.T) {
	setupHome(t)
	if _, err := runCLI(t, "plan", "create", "demo"); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, "plan", "advance")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !strings.Contains(out, "stays in planning") {
		t.Errorf("advance output = %q", out)
	}
}

func TestRecoverReleasesOnlyStuckTickets(t *testing.T) {
	p := setupHome(t)
	st := openTestStore(t, p)
	ctx := context.Background()
	stuck, err := st.CreateTicket(ctx, &protocol.Ticket{
		Title:               "stuck",
		Status:              protocol.StatusInReview,
		ProcessingStatus:    protocol.ProcessingActive,
		ProcessingStartedAt: time.Now().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	running, err := st.CreateTicket(ctx, &protocol.Ticket{
		Title:               "running",
		Status:              protocol.StatusInReview,
		ProcessingStatus:    protocol.ProcessingActive,
		ProcessingStartedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "recover")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(out, "recovered 1 ticket(s)") {
		t.Errorf("recover output = %q", out)
	}
	got, _ := st.GetTicket(ctx, stuck.ID)
	if got.Status != protocol.StatusOpen || got.ProcessingStatus != protocol.ProcessingNone {
		t.Errorf("stuck ticket = %s/%q, want open/none", got.Status, got.ProcessingStatus)
	}
	got, _ = st.GetTicket(ctx, running.ID)
	if got.Status != protocol.StatusInReview || got.ProcessingStatus != protocol.ProcessingActive {
		t.Errorf("running ticket = %s/%q, want it untouched", got.Status, got.ProcessingStatus)
	}
	if conv, _ := st.RecentConversation(ctx, running.ID, 5); len(conv) != 0 {
		t.Errorf("running ticket got notes: %+v", conv)
	}
}

func TestRenderStatus(t *testing.T) {
	d := statusData{
		Counts: []statusCount{{Status: protocol.StatusOpen, N: 3}, {Status: protocol.StatusEscalated, N: 1}},
		Queued: 2,
		Plan:   &protocol.Plan{Name: "checkout", Phase: protocol.PhaseCoding},
		Gate: &phase.GateResult{
			Phase:    protocol.PhaseCoding,
			Blockers: []string{"2 open coding ticket(s)"},
		},
		Questions: []*protocol.Ticket{{ID: "q1", Number: 7, Title: "Which PSP?"}},
	}
	out := renderStatus(d, defaultTheme())
	for _, want := range []string{"Tickets", "open", "escalated", "checkout", "coding", "blocked", "2 open coding ticket(s)", "Questions (1)", "#7 Which PSP?"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStatusWithoutPlan(t *testing.T) {
	out := renderStatus(statusData{}, defaultTheme())
	if !strings.Contains(out, "no active plan") {
		t.Errorf("status output = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWatchKickCallsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kick")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kicked := make(chan struct{}, 16)
	go watchKick(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func() { kicked <- struct{}{} })

	deadline := time.After(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case <-kicked:
			return
		case <-deadline:
			t.Fatal("kick callback never ran")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

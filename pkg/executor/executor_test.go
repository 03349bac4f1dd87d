package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"coe/pkg/config"
	"coe/pkg/events"
	"coe/pkg/protocol"
	"coe/pkg/retry"
	"coe/pkg/scheduler"
	"coe/pkg/store"
)

// fakeCaller returns canned responses per agent and records every request.
type fakeCaller struct {
	mu        sync.Mutex
	responses map[string]protocol.Response
	errs      map[string]error
	panicOn   string
	review    protocol.Response
	rewrite   string
	calls     []protocol.AgentRequest
	reviews   int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{responses: map[string]protocol.Response{}, errs: map[string]error{}}
}

func (f *fakeCaller) CallAgent(_ context.Context, req protocol.AgentRequest) (protocol.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if req.Agent == f.panicOn {
		panic("agent exploded")
	}
	if err := f.errs[req.Agent]; err != nil {
		return protocol.Response{}, err
	}
	if r, ok := f.responses[req.Agent]; ok {
		return r, nil
	}
	return protocol.Response{Content: req.Agent + " finished the step with a detailed answer", TokensUsed: 10}, nil
}

func (f *fakeCaller) ReviewTicket(context.Context, protocol.ReviewRequest) (protocol.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews++
	return f.review, nil
}

func (f *fakeCaller) CheckSystemHealth(context.Context, protocol.HealthSnapshot) (protocol.Response, error) {
	return protocol.Response{}, nil
}

func (f *fakeCaller) SelectNextTicket(context.Context, []*protocol.Ticket) (string, error) {
	return "", nil
}

func (f *fakeCaller) RewriteForUser(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rewrite == "" {
		return "", errors.New("rewrite unavailable")
	}
	return f.rewrite, nil
}

func (f *fakeCaller) agents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Agent)
	}
	return out
}

type recordingRunner struct {
	mu      sync.Mutex
	actions []protocol.Action
}

func (r *recordingRunner) ExecuteActions(_ context.Context, _ string, actions []protocol.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, actions...)
}

type fixture struct {
	st     *store.SQLite
	caller *fakeCaller
	sched  *scheduler.Scheduler
	exec   *Executor
	seen   map[events.Type]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(fmt.Sprintf("file:executor_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(nil)
	f := &fixture{st: st, caller: newFakeCaller(), seen: map[events.Type]int{}}
	bus.SubscribeAll(func(_ context.Context, ev events.Event) { f.seen[ev.Type]++ })
	cfg := config.Static(config.Config{})
	f.sched = scheduler.New(st, bus, cfg, nil)
	policy := retry.New(st, f.sched, bus, cfg, nil)
	f.exec = New(st, f.caller, f.sched, policy, bus, cfg, nil)
	return f
}

func (f *fixture) create(t *testing.T, tk protocol.Ticket) *protocol.Ticket {
	t.Helper()
	got, err := f.st.CreateTicket(context.Background(), &tk)
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return got
}

func (f *fixture) get(t *testing.T, id string) *protocol.Ticket {
	t.Helper()
	got, err := f.st.GetTicket(context.Background(), id)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	return got
}

func (f *fixture) plan(t *testing.T) *protocol.Plan {
	t.Helper()
	p, err := f.st.CreatePlan(context.Background(), "demo")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func (f *fixture) questions(t *testing.T, subjectID string) []*protocol.Ticket {
	t.Helper()
	ghost := true
	qs, err := f.st.ListTickets(context.Background(), store.TicketFilter{ParentTicketID: subjectID, Ghost: &ghost})
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	return qs
}

func conf(v float64) *float64 { return &v }

const goodCode = "```go\nfunc Add(a, b int) int { return a + b }\n```"

func TestExecuteResolvesCodeTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.caller.responses[protocol.AgentCoding] = protocol.Response{Content: goodCode, Confidence: conf(0.9), TokensUsed: 40}

	blocker := f.create(t, protocol.Ticket{Title: "Add adder", OperationType: protocol.OpCodeGeneration})
	dependent := f.create(t, protocol.Ticket{Title: "Use adder", BlockingTicketID: blocker.ID})

	out := f.exec.Execute(ctx, blocker, protocol.QueuedTicket{TicketID: blocker.ID})
	if out != protocol.OutcomeResolved {
		t.Fatalf("outcome = %v, want resolved", out)
	}

	got := f.get(t, blocker.ID)
	if got.Status != protocol.StatusResolved || got.ProcessingStatus != protocol.ProcessingNone {
		t.Errorf("ticket = %s/%q, want resolved/none", got.Status, got.ProcessingStatus)
	}

	want := []string{protocol.AgentOrchestrator, protocol.AgentPlanning, protocol.AgentCoding, protocol.AgentOrchestrator}
	if agents := f.caller.agents(); strings.Join(agents, ",") != strings.Join(want, ",") {
		t.Errorf("agents = %v, want %v", agents, want)
	}
	if f.caller.reviews != 1 {
		t.Errorf("reviews = %d, want 1", f.caller.reviews)
	}

	runs, err := f.st.ListRuns(ctx, blocker.ID, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	if runs[0].Status != protocol.RunCompleted || runs[0].Response != goodCode {
		t.Errorf("run = %s %q", runs[0].Status, runs[0].Response)
	}
	if runs[0].TokensUsed != 10+10+40+10 {
		t.Errorf("tokens = %d, want 70", runs[0].TokensUsed)
	}
	steps, _ := f.st.ListRunSteps(ctx, runs[0].ID)
	if len(steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(steps))
	}
	for _, s := range steps {
		if s.Status != protocol.RunCompleted {
			t.Errorf("step %d status = %s", s.Index, s.Status)
		}
	}
	conv, _ := f.st.RecentConversation(ctx, blocker.ID, 0)
	if len(conv) != 4 {
		t.Errorf("conversation entries = %d, want 4", len(conv))
	}

	dep := f.get(t, dependent.ID)
	if dep.BlockingTicketID != "" || !f.sched.Queue().Contains(dependent.ID) {
		t.Errorf("dependent not unblocked: blocker=%q queued=%v", dep.BlockingTicketID, f.sched.Queue().Contains(dependent.ID))
	}
	if f.seen[events.TicketResolved] != 1 {
		t.Errorf("resolved events = %d", f.seen[events.TicketResolved])
	}
}

func TestExecuteMiddleStepReceivesPreviousOutput(t *testing.T) {
	f := newFixture(t)
	f.caller.responses[protocol.AgentPlanning] = protocol.Response{Content: "PLAN-MARKER: 1. do it 2. test it"}
	f.caller.responses[protocol.AgentCoding] = protocol.Response{Content: goodCode}
	tk := f.create(t, protocol.Ticket{Title: "Build it", OperationType: protocol.OpCodeGeneration})

	f.exec.Execute(context.Background(), tk, protocol.QueuedTicket{TicketID: tk.ID})

	f.caller.mu.Lock()
	defer f.caller.mu.Unlock()
	coding := f.caller.calls[2]
	if coding.Agent != protocol.AgentCoding || !strings.Contains(coding.Message, "PLAN-MARKER") {
		t.Errorf("coding step did not receive planning output: %q", coding.Message)
	}
	review := f.caller.calls[3]
	if !strings.Contains(review.Message, "Completed Work") || !strings.Contains(review.Message, "func Add") {
		t.Errorf("completion review missing work: %q", review.Message)
	}
}

func TestExecuteSkipsConfigPhaseTicket(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, protocol.Ticket{Title: protocol.ConfigPhasePrefix + " choose stack"})

	out := f.exec.Execute(context.Background(), tk, protocol.QueuedTicket{TicketID: tk.ID})
	if out != protocol.OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", out)
	}
	if got := f.get(t, tk.ID); got.Status != protocol.StatusResolved {
		t.Errorf("status = %s, want resolved", got.Status)
	}
	if len(f.caller.agents()) != 0 {
		t.Errorf("agents called for skipped ticket: %v", f.caller.agents())
	}
	runs, _ := f.st.ListRuns(context.Background(), tk.ID, 0)
	if len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
}

func TestExecuteVerificationFailureRetriesThenEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t)
	f.caller.responses[protocol.AgentCoding] = protocol.Response{Content: "I could not work out what to write here."}
	tk := f.create(t, protocol.Ticket{Title: "Implement parser", OperationType: protocol.OpCodeGeneration, PlanID: plan.ID})

	out := f.exec.Execute(ctx, tk, protocol.QueuedTicket{TicketID: tk.ID})
	if out != protocol.OutcomeRetry {
		t.Fatalf("attempt 1 outcome = %v, want retry", out)
	}
	got := f.get(t, tk.ID)
	if got.RetryCount != 1 || got.ProcessingStatus != protocol.ProcessingQueued {
		t.Errorf("after attempt 1: retry=%d processing=%q", got.RetryCount, got.ProcessingStatus)
	}
	conv, _ := f.st.RecentConversation(ctx, tk.ID, 0)
	if last := conv[len(conv)-1]; !strings.Contains(last.Content, "Retry 1/3") || !strings.Contains(last.Content, "deliverable_check=false") {
		t.Errorf("retry note = %q", last.Content)
	}
	runs, _ := f.st.ListRuns(ctx, tk.ID, 0)
	if runs[0].Status != protocol.RunFailed {
		t.Errorf("run status = %s, want failed", runs[0].Status)
	}

	for attempt := 2; attempt <= 3; attempt++ {
		cur := f.get(t, tk.ID)
		if out := f.exec.Execute(ctx, cur, protocol.QueuedTicket{TicketID: tk.ID}); out != protocol.OutcomeRetry {
			t.Fatalf("attempt %d outcome = %v, want retry", attempt, out)
		}
	}

	cur := f.get(t, tk.ID)
	if out := f.exec.Execute(ctx, cur, protocol.QueuedTicket{TicketID: tk.ID}); out != protocol.OutcomeEscalated {
		t.Fatalf("attempt 4 outcome = %v, want escalated", out)
	}
	final := f.get(t, tk.ID)
	if final.Status != protocol.StatusEscalated || final.ProcessingStatus != protocol.ProcessingAwaitingUser {
		t.Errorf("final = %s/%q", final.Status, final.ProcessingStatus)
	}
	qs := f.questions(t, tk.ID)
	if len(qs) != 1 || !strings.Contains(qs[0].Body, "VERIFICATION_FAILED") {
		t.Fatalf("questions = %+v", qs)
	}
	if f.sched.Queue().Contains(tk.ID) {
		t.Error("escalated ticket still queued")
	}
}

func TestExecuteAgentErrorUsesErrorTrack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.caller.errs[protocol.AgentPlanning] = errors.New("connection reset")
	tk := f.create(t, protocol.Ticket{Title: "Wire it", OperationType: protocol.OpCodeGeneration})

	out := f.exec.Execute(ctx, tk, protocol.QueuedTicket{TicketID: tk.ID})
	if out != protocol.OutcomeRetry {
		t.Fatalf("outcome = %v, want retry", out)
	}
	entry, ok := f.sched.Queue().Get(tk.ID)
	if !ok || entry.ErrorRetryCount != 1 {
		t.Fatalf("entry = %+v ok=%v, want error retry 1", entry, ok)
	}
	got := f.get(t, tk.ID)
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, infra failures must not touch it", got.RetryCount)
	}
	if !strings.Contains(got.LastError, "connection reset") {
		t.Errorf("last_error = %q", got.LastError)
	}
	runs, _ := f.st.ListRuns(ctx, tk.ID, 0)
	if runs[0].Status != protocol.RunFailed {
		t.Errorf("run = %s, want failed", runs[0].Status)
	}
	steps, _ := f.st.ListRunSteps(ctx, runs[0].ID)
	if len(steps) != 2 || steps[1].Status != protocol.RunFailed {
		t.Errorf("steps = %+v", steps)
	}
}

func TestExecuteEscalatesOnFourthFailingAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.caller.errs[protocol.AgentOrchestrator] = errors.New("boom")
	tk := f.create(t, protocol.Ticket{Title: "Always fails"})

	entry := protocol.QueuedTicket{TicketID: tk.ID}
	for attempt := 1; attempt <= 3; attempt++ {
		out := f.exec.Execute(ctx, f.get(t, tk.ID), entry)
		if out != protocol.OutcomeRetry {
			t.Fatalf("attempt %d outcome = %v, want retry", attempt, out)
		}
		entry, _ = f.sched.Queue().Get(tk.ID)
	}
	if out := f.exec.Execute(ctx, f.get(t, tk.ID), entry); out != protocol.OutcomeEscalated {
		t.Fatalf("attempt 4 outcome = %v, want escalated", out)
	}
	if got := f.get(t, tk.ID); got.Status != protocol.StatusEscalated {
		t.Errorf("status = %s", got.Status)
	}
}

func TestExecuteRecoversAgentPanic(t *testing.T) {
	f := newFixture(t)
	f.caller.panicOn = protocol.AgentOrchestrator
	tk := f.create(t, protocol.Ticket{Title: "Panics"})

	out := f.exec.Execute(context.Background(), tk, protocol.QueuedTicket{TicketID: tk.ID})
	if out != protocol.OutcomeRetry {
		t.Fatalf("outcome = %v, want retry", out)
	}
	if !strings.Contains(f.get(t, tk.ID).LastError, "panic") {
		t.Errorf("last_error = %q", f.get(t, tk.ID).LastError)
	}
}

func TestExecuteReviewEscalationHoldsTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t)
	f.caller.responses[protocol.AgentCoding] = protocol.Response{Content: goodCode}
	f.caller.review = protocol.Response{Actions: []protocol.Action{
		protocol.EscalateAction{Question: "Should this touch the billing schema?", Reason: "schema change"},
	}}
	f.caller.rewrite = "Quick question about the billing schema."
	tk := f.create(t, protocol.Ticket{Title: "Migrate billing", OperationType: protocol.OpCodeGeneration, PlanID: plan.ID})

	out := f.exec.Execute(ctx, tk, protocol.QueuedTicket{TicketID: tk.ID})
	if out != protocol.OutcomeHeld || !out.Handled() {
		t.Fatalf("outcome = %v, want held", out)
	}
	f.exec.Wait()

	got := f.get(t, tk.ID)
	if got.Status != protocol.StatusOnHold || got.ProcessingStatus != protocol.ProcessingHolding {
		t.Errorf("ticket = %s/%q, want on_hold/holding", got.Status, got.ProcessingStatus)
	}
	qs := f.questions(t, tk.ID)
	if len(qs) != 1 {
		t.Fatalf("questions = %d, want 1", len(qs))
	}
	if !strings.HasPrefix(qs[0].Body, "Quick question") || !strings.Contains(qs[0].Body, "REVIEW_HOLD") {
		t.Errorf("question body = %q", qs[0].Body)
	}
	runs, _ := f.st.ListRuns(ctx, tk.ID, 0)
	if runs[0].Status != protocol.RunHeld {
		t.Errorf("run = %s, want held", runs[0].Status)
	}
	if f.seen[events.TicketHeld] != 1 {
		t.Errorf("held events = %d", f.seen[events.TicketHeld])
	}
}

func TestExecuteReviewHoldWithoutPlanRecordsAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.caller.responses[protocol.AgentCoding] = protocol.Response{Content: goodCode}
	f.caller.review = protocol.Response{Actions: []protocol.Action{protocol.EscalateAction{Question: "Is this right?"}}}
	tk := f.create(t, protocol.Ticket{Title: "Orphan", OperationType: protocol.OpCodeGeneration})

	if out := f.exec.Execute(ctx, tk, protocol.QueuedTicket{TicketID: tk.ID}); out != protocol.OutcomeHeld {
		t.Fatalf("outcome = %v, want held", out)
	}
	f.exec.Wait()
	audit, _ := f.st.ListAudit(ctx, "escalation_without_question", 0)
	if len(audit) != 1 {
		t.Errorf("audit entries = %d, want 1", len(audit))
	}
}

func TestExecuteGhostTicketSkipsReview(t *testing.T) {
	f := newFixture(t)
	f.caller.responses[protocol.AgentClarity] = protocol.Response{Content: "Understood, proceeding.", Confidence: conf(0.95)}
	tk := f.create(t, protocol.Ticket{Title: "Which database?", IsGhost: true})

	if out := f.exec.Execute(context.Background(), tk, protocol.QueuedTicket{TicketID: tk.ID}); out != protocol.OutcomeResolved {
		t.Fatalf("outcome = %v, want resolved", out)
	}
	if f.caller.reviews != 0 {
		t.Errorf("reviews = %d, want 0", f.caller.reviews)
	}
}

func TestExecuteBossDirectiveRunsActions(t *testing.T) {
	f := newFixture(t)
	runner := &recordingRunner{}
	f.exec.SetActionRunner(runner)
	f.caller.responses[protocol.AgentBoss] = protocol.Response{Actions: []protocol.Action{
		protocol.LogAction{Message: "queue looks healthy"},
	}}
	tk := f.create(t, protocol.Ticket{Title: protocol.BossDirectivePrefix + " audit the queue"})

	if out := f.exec.Execute(context.Background(), tk, protocol.QueuedTicket{TicketID: tk.ID}); out != protocol.OutcomeResolved {
		t.Fatalf("outcome = %v, want resolved", out)
	}
	if len(runner.actions) != 1 {
		t.Errorf("actions run = %d, want 1", len(runner.actions))
	}
}

func TestExecutePromptCarriesFailureContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.caller.responses[protocol.AgentCoding] = protocol.Response{Content: "nothing useful in this answer"}
	tk := f.create(t, protocol.Ticket{Title: "Retry me", OperationType: protocol.OpCodeGeneration})

	f.exec.Execute(ctx, tk, protocol.QueuedTicket{TicketID: tk.ID})
	f.caller.mu.Lock()
	f.caller.calls = nil
	f.caller.mu.Unlock()

	f.exec.Execute(ctx, f.get(t, tk.ID), protocol.QueuedTicket{TicketID: tk.ID})

	f.caller.mu.Lock()
	defer f.caller.mu.Unlock()
	msg := f.caller.calls[0].Message
	for _, want := range []string{"Retry attempt 1", "Previous Failed Attempts", "Recent Conversation", "Retry 1/3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("second attempt prompt missing %q", want)
		}
	}
}

func TestExecuteInjectsTaskDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t)
	task := &protocol.Task{PlanID: plan.ID, Title: "Parser", Priority: protocol.P2}
	if err := f.st.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.st.AddDocument(ctx, &protocol.Document{PlanID: plan.ID, TaskID: task.ID, Title: "Grammar", Content: "EBNF-MARKER"}); err != nil {
		t.Fatalf("add document: %v", err)
	}
	f.caller.responses[protocol.AgentCoding] = protocol.Response{Content: goodCode}
	tk := f.create(t, protocol.Ticket{Title: "Write parser", TaskID: task.ID, PlanID: plan.ID})

	f.exec.Execute(ctx, tk, protocol.QueuedTicket{TicketID: tk.ID})

	f.caller.mu.Lock()
	defer f.caller.mu.Unlock()
	if !strings.Contains(f.caller.calls[0].Message, "Reference: Grammar") ||
		!strings.Contains(f.caller.calls[0].Message, "EBNF-MARKER") {
		t.Errorf("prompt missing reference document")
	}
}

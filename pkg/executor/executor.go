// Package executor runs one dispatch attempt for a ticket: it walks the
// routed agent pipeline, reviews and verifies the final deliverable, and
// hands failures to the retry policy.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coe/pkg/config"
	"coe/pkg/events"
	"coe/pkg/protocol"
	"coe/pkg/retry"
	"coe/pkg/router"
	"coe/pkg/scheduler"
	"coe/pkg/store"
)

// ActionRunner executes actions returned by a boss-directive pipeline.
type ActionRunner interface {
	ExecuteActions(ctx context.Context, source string, actions []protocol.Action)
}

// Executor executes tickets against the agent caller.
type Executor struct {
	store   store.Store
	caller  protocol.Caller
	sched   *scheduler.Scheduler
	policy  *retry.Policy
	bus     events.Emitter
	cfg     config.Source
	logger  *slog.Logger
	actions ActionRunner
	nowFunc func() time.Time

	rewrites sync.WaitGroup
}

// New creates an Executor.
func New(st store.Store, caller protocol.Caller, sched *scheduler.Scheduler, policy *retry.Policy,
	bus events.Emitter, cfg config.Source, logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.Discard{}
	}
	return &Executor{
		store:   st,
		caller:  caller,
		sched:   sched,
		policy:  policy,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the time source for testing.
func (e *Executor) SetNowFunc(fn func() time.Time) { e.nowFunc = fn }

// SetActionRunner wires the runner for boss-directive actions.
func (e *Executor) SetActionRunner(r ActionRunner) { e.actions = r }

// Wait blocks until every background question rewrite has finished.
func (e *Executor) Wait() { e.rewrites.Wait() }

// attempt is the state of one Execute call.
type attempt struct {
	ticket   *protocol.Ticket
	pipeline protocol.AgentPipeline
	run      *protocol.Run
}

// Execute runs one dispatch attempt. Any error or panic while executing is
// an infrastructure failure and goes to the retry policy's error track.
func (e *Executor) Execute(ctx context.Context, t *protocol.Ticket, entry protocol.QueuedTicket) (out protocol.Outcome) {
	a := &attempt{ticket: t}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic executing %s: %v", t.Ref(), r)
			e.logger.Error("executor panic", "ticket_id", t.ID, "panic", fmt.Sprint(r))
			e.failRun(ctx, a, err)
			out = e.policy.HandleError(ctx, t, entry, err)
		}
	}()

	a.pipeline = router.Route(t)
	if a.pipeline == nil {
		return e.skip(ctx, t)
	}

	out, err := e.runPipeline(ctx, a)
	if err != nil {
		e.logger.Warn("pipeline failed", "ticket_id", t.ID, "error", err)
		e.failRun(ctx, a, err)
		return e.policy.HandleError(ctx, t, entry, err)
	}
	return out
}

// skip resolves a ticket that has nothing left to run.
func (e *Executor) skip(ctx context.Context, t *protocol.Ticket) protocol.Outcome {
	err := e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		Status:           protocol.Ptr(protocol.StatusResolved),
		ProcessingStatus: protocol.Ptr(protocol.ProcessingNone),
	})
	if err != nil {
		e.logger.Warn("resolve skipped ticket", "ticket_id", t.ID, "error", err)
	}
	t.Status = protocol.StatusResolved
	_ = e.store.Audit(ctx, protocol.AuditEntry{
		Kind: "ticket_skipped", Source: "executor", TicketID: t.ID, Detail: t.Title,
	})
	e.logger.Info("ticket skipped", "ticket_id", t.ID, "title", t.Title)
	e.bus.Emit(ctx, events.Event{Type: events.TicketResolved, TicketID: t.ID, PlanID: t.PlanID, Payload: events.ResolvePayload{Skipped: true}})
	if err := e.sched.OnResolved(ctx, t.ID); err != nil {
		e.logger.Warn("resolve cascade", "ticket_id", t.ID, "error", err)
	}
	return protocol.OutcomeSkipped
}

func (e *Executor) runPipeline(ctx context.Context, a *attempt) (protocol.Outcome, error) {
	t := a.ticket
	cfg := e.cfg.Snapshot()
	now := e.nowFunc()

	err := e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		Status:              protocol.Ptr(protocol.StatusInReview),
		ProcessingStatus:    protocol.Ptr(protocol.ProcessingActive),
		ProcessingStartedAt: &now,
	})
	if err != nil {
		return protocol.OutcomeRetry, fmt.Errorf("mark processing: %w", err)
	}
	t.Status = protocol.StatusInReview
	t.ProcessingStatus = protocol.ProcessingActive

	base, err := e.basePrompt(ctx, t, cfg.ConversationWindow)
	if err != nil {
		return protocol.OutcomeRetry, err
	}
	run := &protocol.Run{TicketID: t.ID, Prompt: base, StartedAt: now}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return protocol.OutcomeRetry, err
	}
	a.run = run
	e.logger.Info("pipeline started", "ticket_id", t.ID, "run_id", run.ID, "steps", len(a.pipeline))

	finalIdx := finalStep(a.pipeline)
	var final protocol.Response
	var prev string
	for i := range a.pipeline {
		resp, err := e.step(ctx, a, i, base, prev)
		if err != nil {
			return protocol.OutcomeRetry, err
		}
		run.TokensUsed += resp.TokensUsed
		if i == finalIdx {
			final = resp
		}
		prev = resp.Content
	}
	run.Response = final.Content
	deliverable := router.FinalDeliverable(a.pipeline)

	if deliverable == protocol.DeliverableBossDirective && len(final.Actions) > 0 && e.actions != nil {
		e.actions.ExecuteActions(ctx, "boss_directive", final.Actions)
	}

	if needsReview(deliverable) {
		held, err := e.review(ctx, a, deliverable, final.Content)
		if err != nil {
			return protocol.OutcomeRetry, err
		}
		if held {
			return protocol.OutcomeHeld, nil
		}
	}

	err = e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		ProcessingStatus: protocol.Ptr(protocol.ProcessingVerifying),
	})
	if err != nil {
		return protocol.OutcomeRetry, fmt.Errorf("mark verifying: %w", err)
	}
	t.ProcessingStatus = protocol.ProcessingVerifying

	if vf := Verify(t, deliverable, final, cfg.ClarityThreshold, cfg.WorkClarityThreshold); vf != nil {
		run.Status = protocol.RunFailed
		run.Error = vf.Error()
		e.finishRun(ctx, run)
		e.logger.Info("verification failed", "ticket_id", t.ID, "score", vf.Score, "checks", vf.Checks)
		return e.policy.HandleVerificationFailure(ctx, t, vf), nil
	}

	return e.resolve(ctx, a)
}

func (e *Executor) step(ctx context.Context, a *attempt, i int, base, prev string) (protocol.Response, error) {
	t := a.ticket
	route := a.pipeline[i]
	st := &protocol.RunStep{
		RunID:           a.run.ID,
		Index:           i,
		Agent:           route.Agent,
		DeliverableType: route.DeliverableType,
		Stage:           route.Stage,
		StartedAt:       e.nowFunc(),
	}
	if err := e.store.AddRunStep(ctx, st); err != nil {
		return protocol.Response{}, err
	}

	resp, err := e.callAgent(ctx, protocol.AgentRequest{
		Agent:           route.Agent,
		DeliverableType: route.DeliverableType,
		TicketID:        t.ID,
		Message:         StepMessage(base, a.pipeline, i, prev),
	})
	st.DurationMS = e.nowFunc().Sub(st.StartedAt).Milliseconds()
	if err != nil {
		st.Status = protocol.RunFailed
		st.ResponseExcerpt = excerpt(err.Error())
		_ = e.store.FinishRunStep(ctx, st)
		return resp, err
	}

	if err := e.store.AddConversation(ctx, t.ID, route.Agent, resp.Content); err != nil {
		return resp, err
	}
	st.Status = protocol.RunCompleted
	st.ResponseExcerpt = excerpt(resp.Content)
	if err := e.store.FinishRunStep(ctx, st); err != nil {
		return resp, err
	}
	e.logger.Debug("step completed", "ticket_id", t.ID, "step", route.String(),
		"duration_ms", st.DurationMS, "tokens", resp.TokensUsed)
	return resp, nil
}

// callAgent converts caller errors and panics into AgentCallError.
func (e *Executor) callAgent(ctx context.Context, req protocol.AgentRequest) (resp protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &protocol.AgentCallError{Agent: req.Agent, TicketID: req.TicketID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	resp, err = e.caller.CallAgent(ctx, req)
	if err != nil {
		var ace *protocol.AgentCallError
		if !errors.As(err, &ace) {
			err = &protocol.AgentCallError{Agent: req.Agent, TicketID: req.TicketID, Err: err}
		}
	}
	return resp, err
}

// review asks the reviewer about the final output. It reports true when
// the ticket was put on hold for a human.
func (e *Executor) review(ctx context.Context, a *attempt, deliverable, output string) (bool, error) {
	resp, err := e.caller.ReviewTicket(ctx, protocol.ReviewRequest{
		Ticket:          a.ticket,
		DeliverableType: deliverable,
		Output:          output,
	})
	if err != nil {
		return false, &protocol.AgentCallError{Agent: "review", TicketID: a.ticket.ID, Err: err}
	}
	esc, ok := protocol.HasEscalation(resp.Actions)
	if !ok {
		return false, nil
	}
	return true, e.hold(ctx, a, esc)
}

// hold parks the ticket for a human and asks a question about it.
func (e *Executor) hold(ctx context.Context, a *attempt, esc protocol.EscalateAction) error {
	t := a.ticket
	err := e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		Status:              protocol.Ptr(protocol.StatusOnHold),
		ProcessingStatus:    protocol.Ptr(protocol.ProcessingHolding),
		ProcessingStartedAt: &time.Time{},
	})
	if err != nil {
		return fmt.Errorf("mark on hold: %w", err)
	}
	t.Status = protocol.StatusOnHold
	t.ProcessingStatus = protocol.ProcessingHolding

	details := esc.Question
	if esc.Reason != "" && esc.Reason != esc.Question {
		details += ". Reason: " + esc.Reason
	}
	body := protocol.FormatEscalation(protocol.EscReviewHold, t.Ref(), "review flagged the output for human attention", details)

	q, err := e.policy.Ask(ctx, t, protocol.EscReviewHold, fmt.Sprintf("%s is on hold: %s", t.Ref(), t.Title), body)
	if err != nil {
		e.logger.Warn("hold question failed", "ticket_id", t.ID, "error", err)
	}
	if q == nil {
		e.policy.RecordWithoutQuestion(ctx, t, body)
	} else {
		e.rewriteQuestion(ctx, q.ID, body)
	}

	a.run.Status = protocol.RunHeld
	e.finishRun(ctx, a.run)
	e.logger.Info("ticket held for review", "ticket_id", t.ID, "question", esc.Question)
	e.bus.Emit(ctx, events.Event{Type: events.TicketHeld, TicketID: t.ID, PlanID: t.PlanID, Payload: events.HoldPayload{Question: esc.Question}})
	return nil
}

// rewriteQuestion replaces a question body with a friendlier version in the
// background. Failures keep the original body.
func (e *Executor) rewriteQuestion(ctx context.Context, questionID, body string) {
	ctx = context.WithoutCancel(ctx)
	e.rewrites.Add(1)
	go func() {
		defer e.rewrites.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("question rewrite panic", "question_id", questionID, "panic", fmt.Sprint(r))
			}
		}()
		friendly, err := e.caller.RewriteForUser(ctx, body)
		if err != nil || friendly == "" {
			if err != nil {
				e.logger.Warn("question rewrite failed", "question_id", questionID, "error", err)
			}
			return
		}
		newBody := friendly + "\n\n---\n" + body
		if err := e.store.UpdateTicket(ctx, questionID, protocol.TicketUpdate{Body: &newBody}); err != nil {
			e.logger.Warn("store rewritten question", "question_id", questionID, "error", err)
		}
	}()
}

func (e *Executor) resolve(ctx context.Context, a *attempt) (protocol.Outcome, error) {
	t := a.ticket
	err := e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		Status:              protocol.Ptr(protocol.StatusResolved),
		ProcessingStatus:    protocol.Ptr(protocol.ProcessingNone),
		LastError:           protocol.Ptr(""),
		ProcessingStartedAt: &time.Time{},
	})
	if err != nil {
		return protocol.OutcomeRetry, fmt.Errorf("mark resolved: %w", err)
	}
	t.Status = protocol.StatusResolved
	t.ProcessingStatus = protocol.ProcessingNone

	a.run.Status = protocol.RunCompleted
	e.finishRun(ctx, a.run)
	e.logger.Info("ticket resolved", "ticket_id", t.ID, "run_id", a.run.ID, "tokens", a.run.TokensUsed)
	e.bus.Emit(ctx, events.Event{Type: events.TicketResolved, TicketID: t.ID, PlanID: t.PlanID})

	if err := e.sched.OnResolved(ctx, t.ID); err != nil {
		e.logger.Warn("resolve cascade", "ticket_id", t.ID, "error", err)
	}
	return protocol.OutcomeResolved, nil
}

func (e *Executor) basePrompt(ctx context.Context, t *protocol.Ticket, window int) (string, error) {
	runs, err := e.store.ListRuns(ctx, t.ID, 0)
	if err != nil {
		return "", err
	}
	var failed []protocol.Run
	for _, r := range runs {
		if r.Status == protocol.RunFailed {
			failed = append(failed, r)
		}
	}

	conv, err := e.store.RecentConversation(ctx, t.ID, window)
	if err != nil {
		return "", err
	}

	var docs []protocol.Document
	if t.TaskID != "" {
		task, err := e.store.GetTask(ctx, t.TaskID)
		switch {
		case err == nil:
			docs, err = e.store.ListDocuments(ctx, task.PlanID, task.ID)
			if err != nil {
				return "", err
			}
		case !protocol.IsNotFound(err):
			e.logger.Warn("load task for prompt", "ticket_id", t.ID, "task_id", t.TaskID, "error", err)
		}
	}

	return AssemblePrompt(PromptParams{
		Ticket:       t,
		FailedRuns:   failed,
		Conversation: conv,
		Documents:    docs,
	}), nil
}

// failRun closes an open run as failed. Safe to call before a run exists.
func (e *Executor) failRun(ctx context.Context, a *attempt, cause error) {
	if a.run == nil || a.run.Status != protocol.RunRunning {
		return
	}
	a.run.Status = protocol.RunFailed
	a.run.Error = cause.Error()
	e.finishRun(ctx, a.run)
}

func (e *Executor) finishRun(ctx context.Context, r *protocol.Run) {
	r.FinishedAt = e.nowFunc()
	if err := e.store.FinishRun(ctx, r); err != nil {
		e.logger.Warn("finish run", "run_id", r.ID, "error", err)
	}
}

// finalStep is the index whose reply is the deliverable: the last
// non-orchestrator step, or the last step.
func finalStep(p protocol.AgentPipeline) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Agent != protocol.AgentOrchestrator {
			return i
		}
	}
	return len(p) - 1
}

func needsReview(deliverable string) bool {
	return deliverable != protocol.DeliverableCommunication && deliverable != protocol.DeliverableBossDirective
}

func excerpt(s string) string {
	return protocol.Truncate(s, protocol.StepExcerptLimit)
}

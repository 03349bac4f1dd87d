// Package boss is the supervisory loop. It drains the ticket queue one
// ticket at a time, gates dispatch on the effective AI mode, runs health
// checks between tickets, and keeps an idle watchdog armed while there is
// nothing to do.
package boss

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coe/pkg/clock"
	"coe/pkg/config"
	"coe/pkg/events"
	"coe/pkg/protocol"
	"coe/pkg/retry"
	"coe/pkg/router"
	"coe/pkg/scheduler"
	"coe/pkg/store"
)

// State is the engine's coarse lifecycle state.
type State string

const (
	// StateIdle means no cycle is running and none is scheduled.
	StateIdle State = "idle"
	// StateWaiting means a cycle restart is scheduled after a retry.
	StateWaiting State = "waiting"
	// StateActive means a cycle is draining the queue.
	StateActive State = "active"
)

// Dispatcher executes one queued ticket.
type Dispatcher interface {
	Execute(ctx context.Context, t *protocol.Ticket, entry protocol.QueuedTicket) protocol.Outcome
}

// Engine is the boss.
type Engine struct {
	cfg    config.Source
	store  store.Store
	caller protocol.Caller
	sched  *scheduler.Scheduler
	exec   Dispatcher
	policy *retry.Policy
	bus    *events.Bus
	logger *slog.Logger
	clock  clock.Clock

	countdown *Countdown

	mu           sync.Mutex
	state        State
	processing   bool
	assessing    bool
	deferredKick bool
	rekick       bool
	inFlight     string
	restart      clock.Timer
	runCtx       context.Context
	unsubscribe  func()
}

// New creates an Engine. bus may be nil when nothing else listens.
func New(cfg config.Source, st store.Store, caller protocol.Caller, sched *scheduler.Scheduler,
	exec Dispatcher, policy *retry.Policy, bus *events.Bus, logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	e := &Engine{
		cfg:    cfg,
		store:  st,
		caller: caller,
		sched:  sched,
		exec:   exec,
		policy: policy,
		bus:    bus,
		logger: logger,
		clock:  clock.Real(),
		state:  StateIdle,
		runCtx: context.Background(),
	}
	e.countdown = NewCountdown(e.clock, e.onCountdown)
	return e
}

// SetClock replaces the timer source. Call before Start.
func (e *Engine) SetClock(c clock.Clock) {
	e.clock = c
	e.countdown = NewCountdown(c, e.onCountdown)
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Countdown exposes the idle watchdog.
func (e *Engine) Countdown() *Countdown { return e.countdown }

// context returns the context timers run under.
func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// Run starts the engine and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.shutdown()
	return nil
}

// Start subscribes to ticket events, recovers crashed work, runs the
// startup assessment and then either starts a cycle or arms the countdown.
// It returns once that first step is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.assessing = true
	e.mu.Unlock()

	e.unsubscribe = e.attach()

	report, err := e.Recover(ctx)
	if err != nil {
		e.logger.Warn("startup recovery failed", "error", err)
	} else if report.Total() > 0 {
		e.logger.Info("recovered tickets", "count", report.Total(),
			"in_review", len(report.InReview), "orphaned", len(report.Orphaned),
			"stale", len(report.Stale), "unqueued", len(report.Unqueued))
	}

	e.healthCheck(ctx, "startup")
	e.finishAssessment(ctx)
	return nil
}

func (e *Engine) finishAssessment(ctx context.Context) {
	e.mu.Lock()
	e.assessing = false
	deferred := e.deferredKick
	e.deferredKick = false
	e.mu.Unlock()

	if deferred || e.sched.Queue().Len() > 0 {
		e.RunCycle(ctx)
		return
	}
	e.armCountdown(ctx)
}

func (e *Engine) shutdown() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.countdown.Cancel()
	e.cancelRestart()
	if w, ok := e.exec.(interface{ Wait() }); ok {
		w.Wait()
	}
	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	e.logger.Info("boss stopped")
}

// attach subscribes the engine to the events that should wake it.
func (e *Engine) attach() func() {
	offs := []func(){
		e.bus.Subscribe(events.TicketCreated, func(ctx context.Context, ev events.Event) {
			e.enqueueByID(ctx, ev.TicketID)
			e.Kick(ctx, "ticket created")
		}),
		e.bus.Subscribe(events.TicketUnblocked, func(ctx context.Context, ev events.Event) {
			e.Kick(ctx, "ticket unblocked")
		}),
		e.bus.Subscribe(events.TicketReplied, func(ctx context.Context, ev events.Event) {
			e.enqueueByID(ctx, ev.TicketID)
			e.Kick(ctx, "ticket replied")
		}),
		e.bus.Subscribe(events.QuestionAnswered, func(ctx context.Context, ev events.Event) {
			e.onAnswered(ctx, ev.TicketID)
			e.Kick(ctx, "question answered")
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (e *Engine) onAnswered(ctx context.Context, ghostID string) {
	ghost, err := e.store.GetTicket(ctx, ghostID)
	if err != nil {
		e.logger.Warn("answered question lookup", "ticket_id", ghostID, "error", err)
		return
	}
	e.enqueueIfEligible(ctx, ghost)
	if ghost.ParentTicketID != "" {
		e.enqueueByID(ctx, ghost.ParentTicketID)
	}
}

func (e *Engine) enqueueByID(ctx context.Context, id string) {
	t, err := e.store.GetTicket(ctx, id)
	if err != nil {
		e.logger.Warn("enqueue lookup", "ticket_id", id, "error", err)
		return
	}
	e.enqueueIfEligible(ctx, t)
}

// enqueueIfEligible queues an open, unheld, unqueued ticket whose
// effective mode is not manual.
func (e *Engine) enqueueIfEligible(ctx context.Context, t *protocol.Ticket) {
	if t.Status != protocol.StatusOpen || t.ProcessingStatus.Held() || e.sched.Queue().Contains(t.ID) {
		return
	}
	if t.ProcessingStatus == protocol.ProcessingActive || t.ProcessingStatus == protocol.ProcessingVerifying {
		return
	}
	if e.sched.EffectiveMode(t) == protocol.ModeManual {
		return
	}
	if _, err := e.sched.Enqueue(ctx, t); err != nil {
		e.logger.Warn("enqueue failed", "ticket_id", t.ID, "error", err)
	}
}

// Kick asks for a cycle. It is a no-op while a cycle runs (the running
// cycle drains the queue again before it stops) and is deferred while the
// startup assessment is in flight.
func (e *Engine) Kick(ctx context.Context, reason string) {
	e.mu.Lock()
	switch {
	case e.assessing:
		e.deferredKick = true
		e.mu.Unlock()
		e.logger.Debug("kick deferred until startup assessment completes", "reason", reason)
		return
	case e.processing:
		e.rekick = true
		e.mu.Unlock()
		e.logger.Debug("kick while cycle running", "reason", reason)
		return
	}
	e.mu.Unlock()

	e.logger.Debug("kick", "reason", reason)
	e.RunCycle(ctx)
}

// Sync reconciles with changes made by other processes and kicks.
func (e *Engine) Sync(ctx context.Context, reason string) {
	if _, err := e.Recover(ctx); err != nil {
		e.logger.Warn("sync recovery failed", "error", err)
	}
	e.Kick(ctx, reason)
}

// RunCycle drains the queue. It returns false without doing anything when
// another cycle is already in flight.
func (e *Engine) RunCycle(ctx context.Context) bool {
	e.mu.Lock()
	if e.processing {
		e.rekick = true
		e.mu.Unlock()
		return false
	}
	e.processing = true
	e.state = StateActive
	e.mu.Unlock()

	e.countdown.Cancel()
	e.cancelRestart()

	dispatched := 0
	retrying := false
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("boss cycle panicked", "panic", fmt.Sprint(r))
			retrying = true
		}
		e.finishCycle(ctx, dispatched, retrying)
	}()

	for {
		n, retry := e.drain(ctx)
		dispatched += n
		if retry {
			retrying = true
			return true
		}
		e.mu.Lock()
		again := e.rekick
		e.rekick = false
		e.mu.Unlock()
		if !again || ctx.Err() != nil {
			return true
		}
	}
}

func (e *Engine) finishCycle(ctx context.Context, dispatched int, retrying bool) {
	e.mu.Lock()
	e.processing = false
	e.rekick = false
	e.inFlight = ""
	if retrying {
		e.state = StateWaiting
	} else {
		e.state = StateIdle
	}
	e.mu.Unlock()

	e.logger.Info("boss cycle completed", "dispatched", dispatched, "queue", e.sched.Queue().Len())
	e.bus.Emit(ctx, events.Event{Type: events.CycleCompleted, Payload: events.CyclePayload{Dispatched: dispatched}})

	if ctx.Err() != nil {
		return
	}
	if retrying {
		e.scheduleRestart(ctx)
		return
	}
	e.armCountdown(ctx)
}

// drain runs the main loop until the queue is empty, its head is blocked,
// or a ticket asks for a retry.
func (e *Engine) drain(ctx context.Context) (dispatched int, retry bool) {
	needCheck := false
	for e.sched.Queue().Len() > 0 {
		if ctx.Err() != nil {
			return dispatched, false
		}
		if needCheck {
			e.healthCheck(ctx, "inter_ticket")
			needCheck = false
		}

		e.sched.SortQueue(ctx)
		e.rerank(ctx)
		entry, blocked, ok := e.sched.Head(ctx)
		if !ok {
			break
		}
		if blocked {
			e.logger.Info("queue head blocked", "ticket_id", entry.TicketID)
			break
		}

		t, err := e.store.GetTicket(ctx, entry.TicketID)
		if err != nil {
			if protocol.IsNotFound(err) {
				e.sched.Drop(entry.TicketID)
				continue
			}
			e.logger.Error("load queued ticket", "ticket_id", entry.TicketID, "error", err)
			return dispatched, true
		}
		if stale(t) {
			e.logger.Info("dropping stale queue entry", "ticket_id", t.ID, "status", string(t.Status))
			e.sched.Drop(t.ID)
			continue
		}
		if e.gate(ctx, t) {
			continue
		}

		e.mu.Lock()
		e.inFlight = t.ID
		e.mu.Unlock()
		e.logger.Info("dispatching ticket", "ticket_id", t.ID, "ref", t.Ref(), "priority", string(t.Priority))
		outcome := e.exec.Execute(ctx, t, entry)
		e.mu.Lock()
		e.inFlight = ""
		e.mu.Unlock()
		dispatched++
		needCheck = true

		if !outcome.Handled() {
			e.logger.Info("ticket requested retry", "ticket_id", t.ID)
			return dispatched, true
		}
		e.sched.Drop(t.ID)
	}
	return dispatched, false
}

// stale reports whether a queue entry's ticket no longer wants dispatch.
func stale(t *protocol.Ticket) bool {
	switch t.Status {
	case protocol.StatusResolved, protocol.StatusEscalated, protocol.StatusOnHold:
		return true
	}
	return t.ProcessingStatus.Held()
}

// gate applies the effective AI mode. It reports whether t was taken off
// the queue instead of being dispatched. Answered questions never need
// dispatch approval.
func (e *Engine) gate(ctx context.Context, t *protocol.Ticket) bool {
	switch e.sched.EffectiveMode(t) {
	case protocol.ModeManual:
		e.sched.Drop(t.ID)
		err := e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
			ProcessingStatus: protocol.Ptr(protocol.ProcessingNone),
		})
		if err != nil {
			e.logger.Warn("release manual ticket", "ticket_id", t.ID, "error", err)
		}
		_ = e.store.Audit(ctx, protocol.AuditEntry{
			Kind: "manual_skip", Source: "boss", TicketID: t.ID, Detail: "manual mode: left for a human",
		})
		return true
	case protocol.ModeSuggest:
		if t.IsGhost {
			return false
		}
		return e.requestApproval(ctx, t, "suggest mode requires approval for every dispatch")
	case protocol.ModeHybrid:
		if !t.IsGhost && router.IsFrontendWork(t) {
			return e.requestApproval(ctx, t, "hybrid mode requires approval for frontend work")
		}
	}
	return false
}

// requestApproval parks t until a human approves its dispatch. It returns
// false when approval was already given.
func (e *Engine) requestApproval(ctx context.Context, t *protocol.Ticket, reason string) bool {
	approved, err := DispatchApproved(ctx, e.store, t.ID)
	if err != nil {
		e.logger.Warn("approval lookup", "ticket_id", t.ID, "error", err)
	}
	if approved {
		return false
	}

	e.sched.Drop(t.ID)
	err = e.store.UpdateTicket(ctx, t.ID, protocol.TicketUpdate{
		Status:           protocol.Ptr(protocol.StatusOpen),
		ProcessingStatus: protocol.Ptr(protocol.ProcessingAwaitingUser),
	})
	if err != nil {
		e.logger.Warn("park ticket for approval", "ticket_id", t.ID, "error", err)
	}

	body := protocol.FormatEscalation(protocol.EscApproval, t.Ref(), "dispatch needs approval", reason)
	q, err := e.policy.Ask(ctx, t, protocol.EscApproval, fmt.Sprintf("Approve dispatch of %s: %s", t.Ref(), t.Title), body)
	if err != nil {
		e.logger.Warn("approval question failed", "ticket_id", t.ID, "error", err)
	}
	if q == nil {
		e.policy.RecordWithoutQuestion(ctx, t, body)
	}
	e.logger.Info("ticket awaiting dispatch approval", "ticket_id", t.ID, "reason", reason)
	return true
}

// rerank lets the boss agent pick among the top unblocked candidates.
func (e *Engine) rerank(ctx context.Context) {
	cfg := e.cfg.Snapshot()
	if !cfg.RerankEnabled {
		return
	}
	entries := e.sched.Queue().Snapshot()
	var candidates []*protocol.Ticket
	for _, entry := range entries {
		if len(candidates) >= cfg.RerankTopN {
			break
		}
		if e.sched.Blocked(ctx, entry.TicketID) {
			break
		}
		t, err := e.store.GetTicket(ctx, entry.TicketID)
		if err != nil {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) < 2 {
		return
	}

	id, err := e.selectNext(ctx, candidates)
	if err != nil {
		e.logger.Warn("rerank failed, keeping queue order", "error", err)
		return
	}
	if id == "" || id == candidates[0].ID {
		return
	}
	if e.sched.Queue().MoveToFront(id) {
		e.logger.Info("rerank moved ticket to front", "ticket_id", id)
	}
}

func (e *Engine) selectNext(ctx context.Context, candidates []*protocol.Ticket) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("select next ticket panicked: %v", r)
		}
	}()
	return e.caller.SelectNextTicket(ctx, candidates)
}

// healthCheck asks the boss agent to assess the system and executes the
// actions it returns. Failures are logged and never stop the cycle.
func (e *Engine) healthCheck(ctx context.Context, trigger string) {
	snap := e.snapshot(ctx, trigger)
	resp, err := e.checkHealth(ctx, snap)
	if err != nil {
		e.logger.Warn("health check failed", "trigger", trigger, "error", err)
		_ = e.store.Audit(ctx, protocol.AuditEntry{
			Kind: "health_check_failed", Source: "boss", Detail: fmt.Sprintf("%s: %v", trigger, err),
		})
		return
	}
	if len(resp.Actions) > 0 {
		e.ExecuteActions(ctx, "health_check:"+trigger, resp.Actions)
	}
}

func (e *Engine) checkHealth(ctx context.Context, snap protocol.HealthSnapshot) (resp protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return e.caller.CheckSystemHealth(ctx, snap)
}

func (e *Engine) snapshot(ctx context.Context, trigger string) protocol.HealthSnapshot {
	snap := protocol.HealthSnapshot{Trigger: trigger, QueueLength: e.sched.Queue().Len()}
	count := func(f store.TicketFilter) int {
		ts, err := e.store.ListTickets(ctx, f)
		if err != nil {
			e.logger.Warn("health snapshot query", "error", err)
			return 0
		}
		return len(ts)
	}
	snap.OpenTickets = count(store.TicketFilter{Statuses: []protocol.TicketStatus{protocol.StatusOpen}})
	snap.InReview = count(store.TicketFilter{Statuses: []protocol.TicketStatus{protocol.StatusInReview}})
	snap.AwaitingUser = count(store.TicketFilter{Processing: []protocol.ProcessingStatus{protocol.ProcessingAwaitingUser}})

	escalated, err := e.store.ListTickets(ctx, store.TicketFilter{Statuses: []protocol.TicketStatus{protocol.StatusEscalated}})
	if err == nil {
		snap.Escalated = len(escalated)
		for _, t := range escalated {
			if len(snap.RecentFailures) == 5 {
				break
			}
			if t.LastError != "" {
				snap.RecentFailures = append(snap.RecentFailures, fmt.Sprintf("%s: %s", t.Ref(), t.LastError))
			}
		}
	}
	if p, err := e.store.GetActivePlan(ctx); err == nil {
		snap.ActivePlan = p.Name
		snap.ActivePhase = p.Phase
	}
	return snap
}

func (e *Engine) armCountdown(ctx context.Context) {
	cfg := e.cfg.Snapshot()
	if !cfg.AutoRun() || cfg.AIMode == protocol.ModeManual {
		e.countdown.Cancel()
		e.logger.Debug("idle countdown disabled", "auto_run", cfg.AutoRun(), "ai_mode", string(cfg.AIMode))
		return
	}
	d := cfg.IdleTimeout()
	e.countdown.Arm(d)
	e.bus.Emit(ctx, events.Event{Type: events.BossIdle, Payload: events.IdlePayload{Timeout: d}})
}

// onCountdown is the idle watchdog: assess, recover stuck work, and either
// start a cycle or wait another round.
func (e *Engine) onCountdown() {
	ctx := e.context()
	if ctx.Err() != nil {
		return
	}
	e.logger.Info("idle countdown fired")
	e.healthCheck(ctx, "idle")
	if _, err := e.Recover(ctx); err != nil {
		e.logger.Warn("watchdog recovery failed", "error", err)
	}
	if e.sched.Queue().Len() > 0 {
		if e.RunCycle(ctx) {
			return
		}
	}
	e.mu.Lock()
	busy := e.processing
	e.mu.Unlock()
	if !busy {
		e.armCountdown(ctx)
	}
}

func (e *Engine) scheduleRestart(ctx context.Context) {
	d := e.cfg.Snapshot().RetryDelay()
	if d <= 0 {
		d = time.Second
	}
	t := e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		e.restart = nil
		e.mu.Unlock()
		e.RunCycle(e.context())
	})
	e.mu.Lock()
	old := e.restart
	e.restart = t
	e.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	e.logger.Info("cycle restart scheduled", "delay", d.String())
}

func (e *Engine) cancelRestart() {
	e.mu.Lock()
	t := e.restart
	e.restart = nil
	e.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

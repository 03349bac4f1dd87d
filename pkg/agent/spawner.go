// Package agent implements protocol.Caller by spawning short-lived
// claude -p processes, one per agent call.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Process represents a running subprocess.
type Process interface {
	Wait() error
	Kill() error
	Output() (string, error) // read stdout after completion
}

// BatchSpawner creates new one-shot agent processes.
type BatchSpawner interface {
	Spawn(ctx context.Context, model string, prompt string, workdir string) (Process, error)
}

// Invocation is one agent process run.
type Invocation struct {
	ID       string
	Role     string
	TicketID string
	Started  time.Time
	proc     Process
}

// result is the outcome of one invocation.
type result struct {
	stdout string
	err    error
}

// Spawner runs agent processes with a timeout and tracks the live ones.
type Spawner struct {
	mu      sync.Mutex
	active  map[string]*Invocation
	spawner BatchSpawner
	timeout time.Duration // one-shot process timeout (defaults to 5 minutes)
}

// NewSpawner creates a Spawner backed by the given BatchSpawner.
func NewSpawner(sp BatchSpawner, timeout time.Duration) *Spawner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Spawner{
		active:  make(map[string]*Invocation),
		spawner: sp,
		timeout: timeout,
	}
}

// Run spawns a process and blocks until it exits, times out, or ctx is done.
func (s *Spawner) Run(ctx context.Context, role, ticketID, model, prompt, workdir string) (string, error) {
	select {
	case r := <-s.run(ctx, role, ticketID, model, prompt, workdir):
		return r.stdout, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel kills a running invocation by ID.
func (s *Spawner) Cancel(id string) error {
	s.mu.Lock()
	inv, ok := s.active[id]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent: no active invocation with ID %q", id)
	}
	if err := inv.proc.Kill(); err != nil {
		return fmt.Errorf("agent: kill invocation %q: %w", id, err)
	}
	return nil
}

// CancelForTicket kills all running invocations for the given ticket.
// Returns the number cancelled and the first kill failure.
func (s *Spawner) CancelForTicket(ticketID string) (int, error) {
	s.mu.Lock()
	var toCancel []*Invocation
	for _, inv := range s.active {
		if inv.TicketID == ticketID {
			toCancel = append(toCancel, inv)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, inv := range toCancel {
		if err := inv.proc.Kill(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("agent: kill invocation %q for ticket %q: %w", inv.ID, ticketID, err)
		}
	}
	return len(toCancel), firstErr
}

// Active returns the IDs of all running invocations.
func (s *Spawner) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

func (s *Spawner) run(ctx context.Context, role, ticketID, model, prompt, workdir string) <-chan result {
	ch := make(chan result, 1)
	id := uuid.New().String()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, id)
			s.mu.Unlock()
		}()

		proc, err := s.spawner.Spawn(ctx, model, prompt, workdir)
		if err != nil {
			ch <- result{err: fmt.Errorf("agent: spawn %s failed: %w", role, err)}
			return
		}

		s.mu.Lock()
		s.active[id] = &Invocation{ID: id, Role: role, TicketID: ticketID, Started: time.Now(), proc: proc}
		s.mu.Unlock()

		completed, waitErr := s.waitForProcess(ctx, proc, role, ch)
		if !completed {
			return // timeout or cancellation, result already sent
		}

		stdout, _ := proc.Output()
		if waitErr != nil {
			ch <- result{stdout: stdout, err: fmt.Errorf("agent: %s process exited with error: %w", role, waitErr)}
			return
		}
		ch <- result{stdout: stdout}
	}()

	return ch
}

// waitForProcess waits for a process to complete with timeout and context
// cancellation. It returns (true, waitErr) when the process exited and
// (false, nil) when it was killed, in which case the result is already sent.
func (s *Spawner) waitForProcess(ctx context.Context, proc Process, role string, ch chan<- result) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return true, waitErr
	case <-timer.C:
		_ = proc.Kill()
		ch <- result{err: fmt.Errorf("agent: %s process exceeded %v timeout", role, s.timeout)}
		return false, nil
	case <-ctx.Done():
		_ = proc.Kill()
		ch <- result{err: ctx.Err()}
		return false, nil
	}
}

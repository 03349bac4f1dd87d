// Package scheduler owns the in-memory ticket queue: capacity and bumping,
// the blocked/priority/FIFO sort policy, and the store-aware enqueue,
// unblock and child cascades.
package scheduler

import (
	"slices"
	"sync"

	"coe/pkg/protocol"
)

// AddResult reports what Add did.
type AddResult int

// Add outcomes.
const (
	Added AddResult = iota
	AddedWithEviction
	Duplicate
	Rejected
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case AddedWithEviction:
		return "added_with_eviction"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Queue is an ordered, capacity-bounded set of queue entries. A ticket ID
// appears at most once.
type Queue struct {
	mu       sync.Mutex
	entries  []protocol.QueuedTicket
	capacity func() int
}

// NewQueue creates a queue whose capacity is read on every Add, so config
// reloads take effect immediately. A non-positive capacity means unbounded.
func NewQueue(capacity func() int) *Queue {
	if capacity == nil {
		capacity = func() int { return 0 }
	}
	return &Queue{capacity: capacity}
}

// Add appends e. At capacity, a P1 entry evicts the most recently enqueued
// P3 entry (returned as evicted); anything else is rejected.
func (q *Queue) Add(e protocol.QueuedTicket) (res AddResult, evicted *protocol.QueuedTicket) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexLocked(e.TicketID) >= 0 {
		return Duplicate, nil
	}

	limit := q.capacity()
	if limit <= 0 || len(q.entries) < limit {
		q.entries = append(q.entries, e)
		return Added, nil
	}

	if e.Priority != protocol.P1 {
		return Rejected, nil
	}
	victim := -1
	for i, cur := range q.entries {
		if cur.Priority != protocol.P3 {
			continue
		}
		if victim < 0 || !cur.EnqueuedAt.Before(q.entries[victim].EnqueuedAt) {
			victim = i
		}
	}
	if victim < 0 {
		return Rejected, nil
	}
	out := q.entries[victim]
	q.entries = slices.Delete(q.entries, victim, victim+1)
	q.entries = append(q.entries, e)
	return AddedWithEviction, &out
}

// Remove deletes the entry for id and returns it.
func (q *Queue) Remove(id string) (protocol.QueuedTicket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return protocol.QueuedTicket{}, false
	}
	e := q.entries[i]
	q.entries = slices.Delete(q.entries, i, i+1)
	return e, true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(id) >= 0
}

// Get returns the entry for id.
func (q *Queue) Get(id string) (protocol.QueuedTicket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return protocol.QueuedTicket{}, false
	}
	return q.entries[i], true
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (protocol.QueuedTicket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return protocol.QueuedTicket{}, false
	}
	return q.entries[0], true
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the entries in queue order.
func (q *Queue) Snapshot() []protocol.QueuedTicket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

// MoveToFront moves id to the head. Used by re-ranking.
func (q *Queue) MoveToFront(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return false
	}
	e := q.entries[i]
	q.entries = slices.Delete(q.entries, i, i+1)
	q.entries = slices.Insert(q.entries, 0, e)
	return true
}

// Sort orders the queue: unblocked before blocked, then priority rank,
// then earliest enqueue. blocked is called once per entry, outside the
// queue lock.
func (q *Queue) Sort(blocked func(id string) bool) {
	snap := q.Snapshot()
	flags := make(map[string]bool, len(snap))
	for _, e := range snap {
		flags[e.TicketID] = blocked != nil && blocked(e.TicketID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	slices.SortStableFunc(q.entries, func(a, b protocol.QueuedTicket) int {
		return Compare(a, flags[a.TicketID], b, flags[b.TicketID])
	})
}

// Compare is the sort key comparison: (blocked, priority rank, enqueuedAt).
func Compare(a protocol.QueuedTicket, aBlocked bool, b protocol.QueuedTicket, bBlocked bool) int {
	if aBlocked != bBlocked {
		if aBlocked {
			return 1
		}
		return -1
	}
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra - rb
	}
	return a.EnqueuedAt.Compare(b.EnqueuedAt)
}

func (q *Queue) indexLocked(id string) int {
	for i, e := range q.entries {
		if e.TicketID == id {
			return i
		}
	}
	return -1
}

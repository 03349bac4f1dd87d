package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// Callbacks whose deadline is reached fire synchronously inside Advance,
// in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to fire once the fake time reaches now+d. A
// non-positive d fires f immediately on the calling goroutine.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return &fakeTimer{clock: c, waiter: &fakeWaiter{fired: true}}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	return &fakeTimer{clock: c, waiter: w}
}

// Advance moves the fake time forward by d and fires every callback whose
// deadline has been reached. Timers registered by a callback are measured
// from the advanced time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		toFire := c.collectExpired(target)
		if len(toFire) == 0 {
			return
		}
		sort.Slice(toFire, func(i, j int) bool {
			return toFire[i].deadline.Before(toFire[j].deadline)
		})
		for _, w := range toFire {
			w.callback()
		}
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

func (c *FakeClock) collectExpired(target time.Time) []*fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toFire, remaining []*fakeWaiter
	for _, w := range c.waiters {
		switch {
		case w.stopped || w.fired:
			// dropped
		case !w.deadline.After(target):
			w.fired = true
			toFire = append(toFire, w)
		default:
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	return toFire
}

type fakeTimer struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.waiter.stopped || t.waiter.fired {
		return false
	}
	t.waiter.stopped = true
	return true
}

package boss

import (
	"sync"
	"time"

	"coe/pkg/clock"
)

// Countdown is the idle watchdog timer. It has a single owner (the engine):
// arming replaces any pending timer and a cancelled or replaced timer never
// fires.
type Countdown struct {
	clock clock.Clock
	fire  func()

	mu       sync.Mutex
	timer    clock.Timer
	gen      uint64
	deadline time.Time
}

// NewCountdown creates a disarmed countdown that calls fire on expiry.
func NewCountdown(c clock.Clock, fire func()) *Countdown {
	return &Countdown{clock: c, fire: fire}
}

// Arm (re)starts the countdown. Non-positive durations are raised to one
// millisecond so fire never runs on the arming goroutine.
func (c *Countdown) Arm(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.deadline = c.clock.Now().Add(d)
	c.timer = c.clock.AfterFunc(d, func() { c.expire(gen) })
}

// Cancel stops a pending countdown. It reports whether one was armed.
func (c *Countdown) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return false
	}
	c.timer.Stop()
	c.timer = nil
	c.gen++
	return true
}

// Armed reports whether the countdown is pending.
func (c *Countdown) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Deadline returns when the pending countdown fires.
func (c *Countdown) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.timer != nil
}

func (c *Countdown) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.fire()
}

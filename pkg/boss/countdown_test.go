package boss

import (
	"sync"
	"testing"
	"time"

	"coe/pkg/clock"
)

type fireCounter struct {
	mu sync.Mutex
	n  int
}

func (c *fireCounter) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *fireCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestCountdownFiresOnce(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	var fc fireCounter
	cd := NewCountdown(clk, fc.fire)

	cd.Arm(time.Minute)
	if !cd.Armed() {
		t.Fatal("countdown not armed")
	}
	if dl, ok := cd.Deadline(); !ok || !dl.Equal(time.Unix(1060, 0)) {
		t.Errorf("deadline = %v, %v", dl, ok)
	}

	clk.Advance(59 * time.Second)
	if fc.count() != 0 {
		t.Fatal("fired early")
	}
	clk.Advance(time.Second)
	if fc.count() != 1 {
		t.Fatalf("fired %d times, want 1", fc.count())
	}
	if cd.Armed() {
		t.Error("countdown still armed after firing")
	}
	clk.Advance(time.Hour)
	if fc.count() != 1 {
		t.Errorf("fired %d times after expiry, want 1", fc.count())
	}
}

func TestCountdownRearmReplacesPendingTimer(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	var fc fireCounter
	cd := NewCountdown(clk, fc.fire)

	cd.Arm(time.Minute)
	clk.Advance(30 * time.Second)
	cd.Arm(time.Minute)

	clk.Advance(45 * time.Second)
	if fc.count() != 0 {
		t.Fatal("replaced timer fired")
	}
	clk.Advance(15 * time.Second)
	if fc.count() != 1 {
		t.Errorf("fired %d times, want 1", fc.count())
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestCountdownCancel(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	var fc fireCounter
	cd := NewCountdown(clk, fc.fire)

	if cd.Cancel() {
		t.Error("Cancel on idle countdown reported true")
	}
	cd.Arm(time.Minute)
	if !cd.Cancel() {
		t.Error("Cancel on armed countdown reported false")
	}
	clk.Advance(time.Hour)
	if fc.count() != 0 {
		t.Errorf("cancelled countdown fired %d times", fc.count())
	}
}

func TestCountdownNonPositiveDurationDoesNotFireInline(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	var fc fireCounter
	cd := NewCountdown(clk, fc.fire)

	cd.Arm(0)
	if fc.count() != 0 {
		t.Fatal("fired on the arming goroutine")
	}
	clk.Advance(time.Millisecond)
	if fc.count() != 1 {
		t.Errorf("fired %d times, want 1", fc.count())
	}
}

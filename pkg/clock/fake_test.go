package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(5*time.Minute, func() { fired++ })

	c.Advance(4 * time.Minute)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("got %d fires, want 1", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := Fake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Fatal("expected Stop to report an active timer")
	}
	if tm.Stop() {
		t.Fatal("expected second Stop to return false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", c.Pending())
	}
}

func TestFakeCallbackCanRearm(t *testing.T) {
	c := Fake(epoch)
	fires := 0
	var arm func()
	arm = func() {
		c.AfterFunc(time.Minute, func() {
			fires++
			arm()
		})
	}
	arm()

	for range 3 {
		c.Advance(time.Minute)
	}
	if fires != 3 {
		t.Fatalf("got %d fires, want 3", fires)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", c.Pending())
	}
}

func TestFakeNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(epoch)
	fired := false
	tm := c.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Fatal("expected immediate fire")
	}
	if tm.Stop() {
		t.Fatal("expected Stop on fired timer to return false")
	}
}

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	c := NewFake(time.Time{})
	var fired []string
	c.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "late") })
	c.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "early") })
	stopped := c.AfterFunc(150*time.Millisecond, func() { fired = append(fired, "stopped") })

	if !stopped.Stop() {
		t.Fatalf("expected Stop to report a pending timer")
	}
	c.Advance(99 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("nothing should fire before the deadline, got %v", fired)
	}
	if d, ok := c.Waiting(); !ok || d != time.Millisecond {
		t.Fatalf("expected 1ms until next timer, got %v %v", d, ok)
	}
	c.Advance(200 * time.Millisecond)
	if len(fired) != 2 || fired[0] != "early" || fired[1] != "late" {
		t.Fatalf("unexpected firing order: %v", fired)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
	if stopped.Stop() {
		t.Fatalf("second Stop should return false")
	}
}

func TestFakeSince(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	c.Advance(3 * time.Second)
	if got := c.Since(start); got != 3*time.Second {
		t.Fatalf("Since = %v", got)
	}
}

package snipe

import (
	"testing"
	"time"
)

// fakePacerClock drives a pacer with a controllable clock and records the
// sleeps it asks for.
type fakePacerClock struct {
	now   time.Time
	slept []time.Duration
}

func newFakePacer(enabled bool) (*pacer, *fakePacerClock) {
	c := &fakePacerClock{now: time.Unix(1700000000, 0)}
	p := newPacer(enabled)
	p.now = func() time.Time { return c.now }
	p.sleep = func(d time.Duration) { c.slept = append(c.slept, d) }
	return p, c
}

func TestPacerDisabledNeverSleeps(t *testing.T) {
	p, c := newFakePacer(false)
	for i := 0; i < 10; i++ {
		p.wait()
	}
	if len(c.slept) != 0 {
		t.Errorf("disabled pacer slept %d times", len(c.slept))
	}
}

func TestPacerSeedsTheFirstCall(t *testing.T) {
	p, c := newFakePacer(true)
	p.wait()

	if len(c.slept) != 1 {
		t.Fatalf("first call slept %d times, want 1", len(c.slept))
	}
	if c.slept[0] != 500*time.Millisecond {
		t.Errorf("seed sleep = %v, want 500ms", c.slept[0])
	}
}

func TestPacerSleepsWhenObservedRateExceedsCeiling(t *testing.T) {
	p, c := newFakePacer(true)

	p.wait() // seeds, sleeps 500ms
	c.now = c.now.Add(1050 * time.Millisecond)
	p.wait() // 2 calls / 1.05s = 1.90/s, under the ceiling
	if len(c.slept) != 1 {
		t.Fatalf("second call slept; observed rate should be under the ceiling")
	}

	c.now = c.now.Add(150 * time.Millisecond)
	p.wait() // 3 calls / 1.2s = 2.5/s, over the ceiling
	if len(c.slept) != 2 {
		t.Fatalf("third call did not sleep; observed rate exceeds the ceiling")
	}
	// Sleep is 0.5 + (observed - ceiling) = 0.5 + (2.5 - 1.95) = 1.05s.
	got := c.slept[1]
	if got < 1040*time.Millisecond || got > 1060*time.Millisecond {
		t.Errorf("over-ceiling sleep = %v, want about 1.05s", got)
	}
}

package snipe

import "time"

// ceilingRate is just under the asset-management service's documented
// 120-requests-per-minute limit.
const ceilingRate = 1.95

// pacer keeps the running request rate under the server's published
// ceiling. The measurement is the average rate since the first request of
// the run, not a token bucket: the first call seeds the window with a fixed
// half-second sleep, and each later call sleeps just long enough to bring
// the average back under the ceiling.
//
// The clock and sleep functions are injectable for tests. The pacer is only
// touched from the single request path, so it needs no locking.
type pacer struct {
	enabled bool
	calls   int
	first   time.Time
	now     func() time.Time
	sleep   func(time.Duration)
}

func newPacer(enabled bool) *pacer {
	return &pacer{
		enabled: enabled,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// wait blocks as needed before the next request may be sent.
func (p *pacer) wait() {
	if !p.enabled {
		return
	}
	if p.calls == 0 {
		p.first = p.now()
		p.calls = 1
		p.sleep(500 * time.Millisecond)
		return
	}

	p.calls++
	elapsed := p.now().Sub(p.first).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	observed := float64(p.calls) / elapsed
	if observed > ceilingRate {
		p.sleep(time.Duration((0.5 + observed - ceilingRate) * float64(time.Second)))
	}
}

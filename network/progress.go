package network

import (
	"sync"
	"time"
)

// progressThrottle limits progress emission for one file to one event per
// interval plus the final one, and tracks the transfer rate since start.
type progressThrottle struct {
	interval time.Duration
	now      func() time.Time

	mu          sync.Mutex
	started     time.Time
	startOffset int64
	lastEmit    time.Time
}

func newProgressThrottle(interval time.Duration, startOffset int64) *progressThrottle {
	now := time.Now
	return &progressThrottle{
		interval:    interval,
		now:         now,
		started:     now(),
		startOffset: startOffset,
	}
}

// allow reports whether a progress event may be emitted now and the rate in
// bytes per second for the bytes moved since the throttle was created.
func (p *progressThrottle) allow(bytesDone int64, final bool) (bool, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !final && !p.lastEmit.IsZero() && now.Sub(p.lastEmit) < p.interval {
		return false, 0
	}
	p.lastEmit = now

	elapsed := now.Sub(p.started).Seconds()
	if elapsed <= 0 {
		return true, 0
	}
	return true, float64(bytesDone-p.startOffset) / elapsed
}

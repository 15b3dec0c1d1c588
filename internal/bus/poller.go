package bus

import (
	"context"
	"time"
)

// Poller emits the same wake signal every interval, so no
// NOTIFY is ever required for correctness: delayed events whose run_at
// passes while no producer is active still get claimed, and lost signals
// get recovered within one interval.
type Poller struct {
	interval time.Duration
	onWake   func()
}

func NewPoller(interval time.Duration, onWake func()) *Poller {
	return &Poller{interval: interval, onWake: onWake}
}

// Run blocks until ctx is cancelled, calling onWake on interval.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.onWake()
		}
	}
}

// Package ccem conditions the channel on both sides of a link: transmit
// pacing to bound upstream-induced jitter, a receive reorder buffer that
// re-sequences out-of-order arrivals on a best-effort basis, and a clock
// drift estimator fed by timestamped probes.
package ccem

import (
	"context"
	"sync"
	"time"
)

// Pacer smooths burst emission to approximate a target inter-unit
// interval, leaky-bucket style. A zero interval disables pacing.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval}
}

// Pace blocks until the next emission slot or ctx is done. Slots are
// reserved under the lock so concurrent callers are serialized fairly.
func (p *Pacer) Pace(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}
	now := time.Now()
	p.mu.Lock()
	var wait time.Duration
	if p.next.After(now) {
		wait = p.next.Sub(now)
		p.next = p.next.Add(p.interval)
	} else {
		p.next = now.Add(p.interval)
	}
	p.mu.Unlock()
	if wait <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

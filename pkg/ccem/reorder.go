package ccem

import (
	"time"

	"github.com/AllanDBB/ARIA/pkg/wire"
)

type held struct {
	unit    wire.Unit
	arrived time.Time
}

// ReorderBuffer re-sequences units of one (topic, source) stream. It holds
// at most `window` units for at most `hold`; when either bound trips, the
// lowest-sequence unit is released and the expected sequence advances past
// the gap. Units older than the window are released out of order rather
// than dropped: ordering here is best-effort, never a correctness
// guarantee.
type ReorderBuffer struct {
	window  int
	hold    time.Duration
	next    uint32
	started bool
	pending map[uint32]held
}

func NewReorderBuffer(window int, hold time.Duration) *ReorderBuffer {
	if window < 1 {
		window = 1
	}
	return &ReorderBuffer{window: window, hold: hold, pending: make(map[uint32]held)}
}

// Push accepts a unit and returns everything releasable, in sequence
// order. Stale late arrivals (sequence already passed) come back
// immediately.
func (b *ReorderBuffer) Push(u wire.Unit, now time.Time) []wire.Unit {
	if !b.started {
		b.started = true
		b.next = u.Seq + 1
		return []wire.Unit{u}
	}
	if u.Seq < b.next {
		// Late beyond the window; hand it over out of order.
		return []wire.Unit{u}
	}
	if _, dup := b.pending[u.Seq]; dup {
		return nil
	}
	b.pending[u.Seq] = held{unit: u, arrived: now}

	var out []wire.Unit
	out = b.drain(out)
	for len(b.pending) > b.window {
		out = b.skipToOldest(out)
		out = b.drain(out)
	}
	return out
}

// Flush releases units whose hold deadline elapsed, advancing past any
// gaps in front of them. Call it from a timer; it never blocks consumers.
func (b *ReorderBuffer) Flush(now time.Time) []wire.Unit {
	var out []wire.Unit
	for {
		seq, h, ok := b.oldest()
		if !ok || now.Sub(h.arrived) < b.hold {
			return out
		}
		delete(b.pending, seq)
		b.next = seq + 1
		out = append(out, h.unit)
		out = b.drain(out)
	}
}

// Pending reports how many units are buffered.
func (b *ReorderBuffer) Pending() int { return len(b.pending) }

// drain releases the consecutive run starting at the expected sequence.
func (b *ReorderBuffer) drain(out []wire.Unit) []wire.Unit {
	for {
		h, ok := b.pending[b.next]
		if !ok {
			return out
		}
		delete(b.pending, b.next)
		b.next++
		out = append(out, h.unit)
	}
}

// skipToOldest releases the lowest buffered sequence, conceding the gap.
func (b *ReorderBuffer) skipToOldest(out []wire.Unit) []wire.Unit {
	seq, h, ok := b.oldest()
	if !ok {
		return out
	}
	delete(b.pending, seq)
	b.next = seq + 1
	return append(out, h.unit)
}

func (b *ReorderBuffer) oldest() (uint32, held, bool) {
	var (
		best  uint32
		bestH held
		found bool
	)
	for seq, h := range b.pending {
		if !found || seq < best {
			best, bestH, found = seq, h, true
		}
	}
	return best, bestH, found
}

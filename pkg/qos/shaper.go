// Package qos schedules sealed frames for transmission: one bounded FIFO
// per priority class, strict priority between classes, a token bucket per
// class for rate shaping, and a starvation bound that promotes a queue
// whose head has waited too long.
package qos

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AllanDBB/ARIA/pkg/envelope"
)

// ErrQueueFull reports a class queue at capacity. Enqueue never blocks;
// callers decide whether to drop or retry.
var ErrQueueFull = errors.New("qos: queue full")

const defaultMaxWait = 2 * time.Second

// Item is one frame awaiting transmission.
type Item struct {
	Frame    []byte
	Topic    string
	Class    envelope.Priority
	Arrived  time.Time
	Deadline time.Time // zero if none
}

// ClassConfig shapes one priority class.
type ClassConfig struct {
	Rate     int64 // frames per second
	Burst    int64 // bucket capacity
	QueueLen int   // max frames queued
}

// DefaultClassConfigs covers the four classes, highest first.
func DefaultClassConfigs() [envelope.NumPriorities]ClassConfig {
	return [envelope.NumPriorities]ClassConfig{
		{Rate: 1000, Burst: 100, QueueLen: 1000},
		{Rate: 500, Burst: 50, QueueLen: 500},
		{Rate: 200, Burst: 20, QueueLen: 200},
		{Rate: 50, Burst: 10, QueueLen: 100},
	}
}

type classQueue struct {
	items  []Item
	max    int
	bucket *TokenBucket
}

// Shaper is the egress scheduler.
type Shaper struct {
	mu      sync.Mutex
	classes [envelope.NumPriorities]*classQueue
	maxWait time.Duration
	notify  chan struct{}

	dropped uint64
}

// NewShaper builds a shaper from per-class configs. maxWait bounds how long
// a lower class can be starved by higher ones; 0 selects the default 2s.
func NewShaper(cfgs [envelope.NumPriorities]ClassConfig, maxWait time.Duration) *Shaper {
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	s := &Shaper{maxWait: maxWait, notify: make(chan struct{}, 1)}
	for i, c := range cfgs {
		if c.Rate <= 0 {
			c.Rate = 1
		}
		if c.QueueLen <= 0 {
			c.QueueLen = 1
		}
		s.classes[i] = &classQueue{max: c.QueueLen, bucket: NewTokenBucket(c.Rate, c.Burst)}
	}
	return s
}

// Enqueue admits an item or fails fast with ErrQueueFull.
func (s *Shaper) Enqueue(it Item) error {
	if !it.Class.Valid() {
		it.Class = envelope.P2
	}
	if it.Arrived.IsZero() {
		it.Arrived = time.Now()
	}
	s.mu.Lock()
	q := s.classes[it.Class]
	if len(q.items) >= q.max {
		s.dropped++
		s.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, it)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until an item is eligible or ctx is done. Higher classes
// go first; a queue whose head has waited past the starvation bound is
// served ahead of them. Expired-deadline items are discarded.
func (s *Shaper) Dequeue(ctx context.Context) (Item, error) {
	for {
		it, ok, wait := s.tryPop(time.Now())
		if ok {
			return it, nil
		}
		if wait <= 0 || wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Item{}, ctx.Err()
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Depths reports queued frames per class.
func (s *Shaper) Depths() [envelope.NumPriorities]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d [envelope.NumPriorities]int
	for i, q := range s.classes {
		d[i] = len(q.items)
	}
	return d
}

// Dropped reports items rejected at enqueue since construction.
func (s *Shaper) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Shaper) tryPop(now time.Time) (Item, bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropExpired(now)

	// Starved queue first: oldest head past the bound wins.
	starvedIdx := -1
	var starvedAt time.Time
	for i, q := range s.classes {
		if len(q.items) == 0 {
			continue
		}
		head := q.items[0]
		if now.Sub(head.Arrived) >= s.maxWait && (starvedIdx < 0 || head.Arrived.Before(starvedAt)) {
			starvedIdx = i
			starvedAt = head.Arrived
		}
	}
	if starvedIdx >= 0 {
		return s.pop(starvedIdx), true, 0
	}

	var minWait time.Duration
	for i, q := range s.classes {
		if len(q.items) == 0 {
			continue
		}
		ok, wait := q.bucket.Allow(1)
		if ok {
			return s.pop(i), true, 0
		}
		if minWait == 0 || wait < minWait {
			minWait = wait
		}
	}
	return Item{}, false, minWait
}

func (s *Shaper) dropExpired(now time.Time) {
	for _, q := range s.classes {
		kept := q.items[:0]
		for _, it := range q.items {
			if !it.Deadline.IsZero() && now.After(it.Deadline) {
				s.dropped++
				continue
			}
			kept = append(kept, it)
		}
		q.items = kept
	}
}

func (s *Shaper) pop(i int) Item {
	q := s.classes[i]
	it := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	return it
}

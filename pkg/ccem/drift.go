package ccem

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const driftMinSamples = 10

// DriftEstimator maintains a running model of the peer clock:
// receiver_time ≈ rate·sender_time + offset, fit by least squares over a
// sliding window of timestamped probe pairs. The estimate feeds
// reorder-window scheduling only; payload timestamps are never rewritten.
type DriftEstimator struct {
	mu     sync.Mutex
	window int
	x, y   []float64 // seconds relative to the first observation
	x0, y0 time.Time
	rate   float64
	offset float64 // seconds, in the relative frame
}

func NewDriftEstimator(window int) *DriftEstimator {
	if window < driftMinSamples {
		window = driftMinSamples
	}
	return &DriftEstimator{window: window, rate: 1}
}

// Observe records one (sender, receiver) timestamp pair and refits.
func (d *DriftEstimator) Observe(senderTS, receiverTS time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.x) == 0 {
		d.x0, d.y0 = senderTS, receiverTS
	}
	d.x = append(d.x, senderTS.Sub(d.x0).Seconds())
	d.y = append(d.y, receiverTS.Sub(d.y0).Seconds())
	if len(d.x) > d.window {
		d.x = d.x[1:]
		d.y = d.y[1:]
	}
	if len(d.x) >= driftMinSamples {
		alpha, beta := stat.LinearRegression(d.x, d.y, nil, false)
		d.offset, d.rate = alpha, beta
	}
}

// Compensate maps a sender timestamp into the receiver timebase.
func (d *DriftEstimator) Compensate(senderTS time.Time) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.x) < driftMinSamples {
		return senderTS
	}
	xs := senderTS.Sub(d.x0).Seconds()
	ys := d.rate*xs + d.offset
	return d.y0.Add(time.Duration(ys * float64(time.Second)))
}

// Skew returns the fitted clock rate and the current offset between the
// peers at the latest observation.
func (d *DriftEstimator) Skew() (rate float64, offset time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.x) < driftMinSamples {
		return 1, 0
	}
	last := len(d.x) - 1
	ys := d.rate*d.x[last] + d.offset
	sender := d.x0.Add(time.Duration(d.x[last] * float64(time.Second)))
	receiver := d.y0.Add(time.Duration(ys * float64(time.Second)))
	return d.rate, receiver.Sub(sender)
}

// Samples reports how many probe pairs are in the window.
func (d *DriftEstimator) Samples() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.x)
}

package fec

import (
	"math"
	"sync"
)

// LossMeter keeps an exponentially-weighted estimate of shard loss.
type LossMeter struct {
	mu     sync.Mutex
	alpha  float64
	rate   float64
	primed bool
}

// NewLossMeter uses the given smoothing factor; 0 < alpha <= 1, higher
// reacts faster. Zero selects the default 0.2.
func NewLossMeter(alpha float64) *LossMeter {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &LossMeter{alpha: alpha}
}

// Observe folds one block outcome into the estimate.
func (l *LossMeter) Observe(lost, total int) {
	if total <= 0 {
		return
	}
	sample := float64(lost) / float64(total)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.primed {
		l.rate = sample
		l.primed = true
		return
	}
	l.rate = l.alpha*sample + (1-l.alpha)*l.rate
}

// Rate returns the current loss estimate in [0, 1].
func (l *LossMeter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// Adaptive derives the parity count for the next block from observed loss:
// enough parity that expected losses stay below m, clamped to the
// configured bounds. Changes apply only at block boundaries, where the
// Encoder advertises them to the peer.
type Adaptive struct {
	k    int
	mMin int
	mMax int
}

func NewAdaptive(k, mMin, mMax int) *Adaptive {
	if mMin < 1 {
		mMin = 1
	}
	if mMax < mMin {
		mMax = mMin
	}
	return &Adaptive{k: k, mMin: mMin, mMax: mMax}
}

// Next computes the geometry to advertise given the current loss estimate.
func (a *Adaptive) Next(lossRate float64) Params {
	m := a.mMin
	if lossRate > 0.01 && lossRate < 1 {
		m = int(math.Ceil(lossRate*float64(a.k)/(1-lossRate)))
		if m < a.mMin {
			m = a.mMin
		}
		if m > a.mMax {
			m = a.mMax
		}
	}
	return Params{K: a.k, M: m}
}

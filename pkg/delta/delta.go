// Package delta exploits temporal redundancy between successive bodies of
// the same (topic, source) stream. Deltas are byte-wise XOR against the
// previous body of identical length; a length change forces a full frame.
package delta

import (
	"errors"
	"fmt"
)

// ErrCorruptStream reports a delta that cannot be applied to the stream
// state, typically after a dropped full frame.
var ErrCorruptStream = errors.New("delta: corrupt stream")

// Encode XORs curr against prev. Both must have the same length.
func Encode(prev, curr []byte) ([]byte, error) {
	if len(prev) != len(curr) {
		return nil, fmt.Errorf("%w: length %d vs %d", ErrCorruptStream, len(prev), len(curr))
	}
	out := make([]byte, len(curr))
	for i := range curr {
		out[i] = curr[i] ^ prev[i]
	}
	return out, nil
}

// Decode applies a delta to prev, recovering the original body.
func Decode(prev, delta []byte) ([]byte, error) {
	return Encode(prev, delta) // XOR is its own inverse
}

// Stream holds per-(topic, source) delta state. The zero threshold means
// "always delta when lengths match"; a threshold in (0,1] falls back to a
// full frame when the changed-byte fraction reaches it.
type Stream struct {
	threshold float64
	prev      []byte
	started   bool
}

func NewStream(threshold float64) *Stream {
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	return &Stream{threshold: threshold}
}

// Encode returns the body to transmit and whether it is a delta. The first
// body of a stream and any length change emit a full frame.
func (s *Stream) Encode(curr []byte) (out []byte, isDelta bool) {
	if !s.started || len(curr) != len(s.prev) {
		s.remember(curr)
		return curr, false
	}
	d, err := Encode(s.prev, curr)
	if err != nil {
		s.remember(curr)
		return curr, false
	}
	if len(d) > 0 {
		changed := 0
		for _, b := range d {
			if b != 0 {
				changed++
			}
		}
		if float64(changed)/float64(len(d)) >= s.threshold {
			s.remember(curr)
			return curr, false
		}
	}
	s.remember(curr)
	return d, true
}

// Decode reverses Encode on the receive side. Bodies must be decoded in
// stream order.
func (s *Stream) Decode(body []byte, isDelta bool) ([]byte, error) {
	if !isDelta {
		s.remember(body)
		return append([]byte(nil), body...), nil
	}
	if !s.started {
		return nil, fmt.Errorf("%w: delta without a previous frame", ErrCorruptStream)
	}
	curr, err := Decode(s.prev, body)
	if err != nil {
		return nil, err
	}
	s.remember(curr)
	return curr, nil
}

// Reset clears stream state, forcing the next frame to be full.
func (s *Stream) Reset() {
	s.prev = nil
	s.started = false
}

func (s *Stream) remember(b []byte) {
	s.prev = append(s.prev[:0], b...)
	s.started = true
}

package delta

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodePair(t *testing.T) {
	prev := []byte{1, 2, 3, 4}
	curr := []byte{1, 2, 9, 4}
	d, err := Encode(prev, curr)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(prev, d)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, curr) {
		t.Fatalf("roundtrip mismatch: %v vs %v", got, curr)
	}
}

func TestEncodeLengthMismatch(t *testing.T) {
	if _, err := Encode([]byte{1}, []byte{1, 2}); !errors.Is(err, ErrCorruptStream) {
		t.Fatalf("got %v, want ErrCorruptStream", err)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	tx := NewStream(0.5)
	rx := NewStream(0.5)

	bodies := [][]byte{
		[]byte("sensor frame aaaa"),
		[]byte("sensor frame aaab"), // small change, delta expected
		[]byte("sensor frame aabb"),
		[]byte("longer sensor frame forces full"), // length change
		[]byte("longer sensor frame forces full"), // identical, all-zero delta
	}
	for i, body := range bodies {
		out, isDelta := tx.Encode(body)
		got, err := rx.Decode(out, isDelta)
		if err != nil {
			t.Fatalf("frame %d: decode: %v", i, err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("frame %d: got %q, want %q", i, got, body)
		}
	}
}

func TestStreamFirstFrameIsFull(t *testing.T) {
	s := NewStream(1)
	_, isDelta := s.Encode([]byte("first"))
	if isDelta {
		t.Fatalf("first frame emitted as delta")
	}
}

func TestStreamLengthChangeForcesFull(t *testing.T) {
	s := NewStream(1)
	s.Encode([]byte("aaaa"))
	_, isDelta := s.Encode([]byte("aaaaaaaa"))
	if isDelta {
		t.Fatalf("length change emitted as delta")
	}
}

func TestStreamThresholdFallback(t *testing.T) {
	s := NewStream(0.25)
	s.Encode([]byte{0, 0, 0, 0})
	// All four bytes change: 100% >= 25% threshold, full frame expected.
	_, isDelta := s.Encode([]byte{1, 1, 1, 1})
	if isDelta {
		t.Fatalf("churn above threshold emitted as delta")
	}

	s = NewStream(0.5)
	s.Encode([]byte{0, 0, 0, 0})
	// One of four bytes changes: 25% < 50%, delta expected.
	_, isDelta = s.Encode([]byte{1, 0, 0, 0})
	if !isDelta {
		t.Fatalf("small churn emitted as full frame")
	}
}

func TestStreamDecodeWithoutHistory(t *testing.T) {
	s := NewStream(1)
	if _, err := s.Decode([]byte{0}, true); !errors.Is(err, ErrCorruptStream) {
		t.Fatalf("got %v, want ErrCorruptStream", err)
	}
}

func TestStreamReset(t *testing.T) {
	s := NewStream(1)
	s.Encode([]byte("aaaa"))
	s.Reset()
	_, isDelta := s.Encode([]byte("aaab"))
	if isDelta {
		t.Fatalf("frame after reset emitted as delta")
	}
}

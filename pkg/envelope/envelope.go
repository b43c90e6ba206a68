// Package envelope defines the canonical message unit crossing the
// telemetry core boundary. An Envelope is immutable once handed to the
// wire codec; every downstream stage operates on encoded byte buffers.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders envelopes into four strict classes, P0 highest.
type Priority uint8

const (
	P0 Priority = iota // critical: commands, acks, safety
	P1                 // high: state updates, control
	P2                 // normal: perception and sensor data
	P3                 // low: logs, diagnostics

	NumPriorities = 4
)

func (p Priority) Valid() bool { return p < NumPriorities }

func (p Priority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	case P3:
		return "P3"
	default:
		return fmt.Sprintf("P?(%d)", uint8(p))
	}
}

// FragmentInfo is attached by the packetizer when an encoded unit had to be
// split. MessageID groups fragments of the same original unit.
type FragmentInfo struct {
	FragmentID     uint32
	TotalFragments uint32
	Offset         uint32
	Length         uint32
	MessageID      uuid.UUID
}

// FECInfo records the erasure-coding geometry a unit travelled under.
type FECInfo struct {
	K       uint16
	M       uint16
	BlockID uint64
}

// CryptoInfo records which session key epoch sealed a unit.
type CryptoInfo struct {
	KeyEpoch uint32
}

// Metadata is populated progressively as the envelope descends the
// pipeline. The application never fills it in.
type Metadata struct {
	SourceNode     string
	SequenceNumber uint32
	Fragment       *FragmentInfo
	FEC            *FECInfo
	Crypto         *CryptoInfo
}

// Envelope is the unit of application data submitted for transmission and
// delivered on receipt.
type Envelope struct {
	ID        uuid.UUID
	Timestamp time.Time
	SchemaID  uint32
	Priority  Priority
	Topic     string
	Payload   []byte
	Metadata  Metadata
}

// New builds an envelope with a fresh id and the current UTC time.
func New(topic string, payload []byte, prio Priority, source string) *Envelope {
	return &Envelope{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		SchemaID:  1,
		Priority:  prio,
		Topic:     topic,
		Payload:   payload,
		Metadata:  Metadata{SourceNode: source},
	}
}

// Equal reports field-for-field equality. Timestamps compare by instant,
// not by location.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.ID != o.ID ||
		!e.Timestamp.Equal(o.Timestamp) ||
		e.SchemaID != o.SchemaID ||
		e.Priority != o.Priority ||
		e.Topic != o.Topic ||
		e.Metadata.SourceNode != o.Metadata.SourceNode ||
		e.Metadata.SequenceNumber != o.Metadata.SequenceNumber {
		return false
	}
	if len(e.Payload) != len(o.Payload) {
		return false
	}
	for i := range e.Payload {
		if e.Payload[i] != o.Payload[i] {
			return false
		}
	}
	ef, of := e.Metadata.Fragment, o.Metadata.Fragment
	if (ef == nil) != (of == nil) {
		return false
	}
	if ef != nil && *ef != *of {
		return false
	}
	return true
}

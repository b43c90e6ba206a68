// Package session tracks per-peer receive state: the link crypto box, the
// defragmenter, and one conditioning pipeline per (topic, source) stream.
// Sessions are created on first contact and swept after an idle period.
package session

import (
	"sync"
	"time"

	"github.com/AllanDBB/ARIA/pkg/ccem"
	"github.com/AllanDBB/ARIA/pkg/cryptobox"
	"github.com/AllanDBB/ARIA/pkg/delta"
	"github.com/AllanDBB/ARIA/pkg/fec"
	"github.com/AllanDBB/ARIA/pkg/fragment"
	"github.com/AllanDBB/ARIA/pkg/transport"
)

// StreamKey identifies one ordered unit stream within a session.
type StreamKey struct {
	Topic  string
	Source string
}

// Stream is the receive-side conditioning state for one unit stream. The
// three stages are shared by the receive and maintenance paths; the
// embedded mutex serializes them.
type Stream struct {
	sync.Mutex

	Assembler *fec.Assembler
	Reorder   *ccem.ReorderBuffer
	Delta     *delta.Stream
}

// Session is the receive state for one peer.
type Session struct {
	Peer   transport.PeerInfo
	Crypto *cryptobox.Box
	Defrag *fragment.Defragmenter
	Loss   *fec.LossMeter
	Drift  *ccem.DriftEstimator

	mu       sync.Mutex
	streams  map[StreamKey]*Stream
	lastSeen time.Time

	newStream func(key StreamKey, loss *fec.LossMeter) *Stream
}

// Stream returns the conditioning state for key, creating it on first use.
func (s *Session) Stream(key StreamKey) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[key]
	if st == nil {
		st = s.newStream(key, s.Loss)
		s.streams[key] = st
	}
	return st
}

// Streams snapshots the active streams for maintenance sweeps.
func (s *Session) Streams() map[StreamKey]*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[StreamKey]*Stream, len(s.streams))
	for k, v := range s.streams {
		out[k] = v
	}
	return out
}

// Touch marks the session alive.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// LastSeen reports the last Touch.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Factory builds the per-session components.
type Factory struct {
	// NewCrypto builds the link crypto box for a peer. Required.
	NewCrypto func(peer transport.PeerInfo) (*cryptobox.Box, error)
	// NewDefrag builds the session defragmenter. Required.
	NewDefrag func() *fragment.Defragmenter
	// NewDrift builds the clock drift estimator. Required.
	NewDrift func() *ccem.DriftEstimator
	// NewStream builds per-stream conditioning state. Required.
	NewStream func(key StreamKey, loss *fec.LossMeter) *Stream
}

// Table holds live sessions keyed by peer.
type Table struct {
	mu       sync.Mutex
	factory  Factory
	idle     time.Duration
	sessions map[transport.PeerID]*Session
}

// NewTable builds a table; sessions untouched for idle are swept.
func NewTable(f Factory, idle time.Duration) *Table {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Table{factory: f, idle: idle, sessions: make(map[transport.PeerID]*Session)}
}

// Get returns the session for peer, creating it on first contact.
func (t *Table) Get(peer transport.PeerInfo, now time.Time) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[peer.ID]; ok {
		s.Touch(now)
		return s, nil
	}
	box, err := t.factory.NewCrypto(peer)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Peer:      peer,
		Crypto:    box,
		Defrag:    t.factory.NewDefrag(),
		Loss:      fec.NewLossMeter(0),
		Drift:     t.factory.NewDrift(),
		streams:   make(map[StreamKey]*Stream),
		lastSeen:  now,
		newStream: t.factory.NewStream,
	}
	t.sessions[peer.ID] = s
	return s, nil
}

// Sweep drops sessions idle past the threshold and returns how many.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, s := range t.sessions {
		if now.Sub(s.LastSeen()) > t.idle {
			delete(t.sessions, id)
			n++
		}
	}
	return n
}

// All snapshots the live sessions.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

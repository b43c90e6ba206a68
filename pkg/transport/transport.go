// Package transport abstracts the links sealed frames travel over. Every
// implementation carries opaque frames; reliability, ordering and security
// are the pipeline's business, not the link's.
package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"
)

// Kind identifies the link type for policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindQUIC
	KindNATS
	KindDTN
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindQUIC:
		return "quic"
	case KindNATS:
		return "nats"
	case KindDTN:
		return "dtn"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// PeerID is an opaque stable peer identity.
type PeerID string

// PeerInfo bundles peer identity and addressing hints.
type PeerInfo struct {
	ID   PeerID
	Addr string // transport-dependent address string
}

// Stats is a snapshot of one connection's traffic counters.
type Stats struct {
	FramesSent uint64
	FramesRecv uint64
	BytesSent  uint64
	BytesRecv  uint64
	LastSend   time.Time
	LastRecv   time.Time
}

// Error wraps a transport failure with enough context to decide on retry.
type Error struct {
	Op        string
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return "transport(" + e.Kind.String() + ") " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transport error worth retrying.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retryable
}

// ErrClosed reports use of a closed connection or listener.
var ErrClosed = errors.New("transport: closed")

// Conn is a bidirectional frame connection to one peer.
// Exactly one reader goroutine is expected; Send may be called concurrently.
type Conn interface {
	Peer() PeerInfo
	// Send transmits one opaque frame.
	Send(frame []byte) error
	// Recv blocks for the next inbound frame or ctx cancellation.
	Recv(ctx context.Context) ([]byte, error)
	Stats() Stats
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks until an inbound connection arrives or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Transport provides dialing and listening for one link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound connections on a transport-specific
	// address.
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound connection.
	Dial(ctx context.Context, peer PeerInfo) (Conn, error)
}

// Counters is an embeddable atomic Stats tracker for implementations.
type Counters struct {
	framesSent atomic.Uint64
	framesRecv atomic.Uint64
	bytesSent  atomic.Uint64
	bytesRecv  atomic.Uint64
	lastSend   atomic.Int64 // unix nanos
	lastRecv   atomic.Int64
}

func (c *Counters) CountSend(n int) {
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(n))
	c.lastSend.Store(time.Now().UnixNano())
}

func (c *Counters) CountRecv(n int) {
	c.framesRecv.Add(1)
	c.bytesRecv.Add(uint64(n))
	c.lastRecv.Store(time.Now().UnixNano())
}

func (c *Counters) Snapshot() Stats {
	s := Stats{
		FramesSent: c.framesSent.Load(),
		FramesRecv: c.framesRecv.Load(),
		BytesSent:  c.bytesSent.Load(),
		BytesRecv:  c.bytesRecv.Load(),
	}
	if ns := c.lastSend.Load(); ns != 0 {
		s.LastSend = time.Unix(0, ns)
	}
	if ns := c.lastRecv.Load(); ns != 0 {
		s.LastRecv = time.Unix(0, ns)
	}
	return s
}

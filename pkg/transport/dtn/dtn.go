// Package dtn wraps another transport with store-and-forward semantics for
// disruption-tolerant links. Frames sent while the underlying link is down
// are spooled in memory up to a byte budget and flushed opportunistically
// once a redial succeeds; when the spool overflows, the oldest frames are
// dropped first.
package dtn

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/AllanDBB/ARIA/pkg/transport"
)

const (
	defaultSpoolBudget = 8 << 20 // bytes
	maxRedialBackoff   = 30 * time.Second
)

// Transport decorates an inner transport with a per-connection spool.
type Transport struct {
	inner       transport.Transport
	spoolBudget int
}

// New wraps inner. spoolBudget bounds buffered bytes per connection;
// <=0 selects the default 8 MiB.
func New(inner transport.Transport, spoolBudget int) *Transport {
	if spoolBudget <= 0 {
		spoolBudget = defaultSpoolBudget
	}
	return &Transport{inner: inner, spoolBudget: spoolBudget}
}

func (t *Transport) Kind() transport.Kind { return transport.KindDTN }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := t.inner.Listen(ctx, address)
	if err != nil {
		return nil, err
	}
	return &listener{t: t, inner: l}, nil
}

// Dial succeeds even when the peer is unreachable: the connection starts
// disconnected and spools until a redial lands.
func (t *Transport) Dial(ctx context.Context, peer transport.PeerInfo) (transport.Conn, error) {
	c := &conn{
		t:       t,
		peer:    peer,
		budget:  t.spoolBudget,
		inbound: make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	if inner, err := t.inner.Dial(ctx, peer); err == nil {
		c.attach(inner)
	}
	go c.maintain()
	return c, nil
}

type listener struct {
	t     *Transport
	inner transport.Listener
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	inner, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	c := &conn{
		t:       l.t,
		peer:    inner.Peer(),
		budget:  l.t.spoolBudget,
		inbound: make(chan []byte, 256),
		done:    make(chan struct{}),
		passive: true, // inbound links are not redialed, only drained
	}
	c.attach(inner)
	go c.maintain()
	return c, nil
}

func (l *listener) Addr() net.Addr { return l.inner.Addr() }
func (l *listener) Close() error   { return l.inner.Close() }

type conn struct {
	transport.Counters
	t    *Transport
	peer transport.PeerInfo

	mu      sync.Mutex
	link    transport.Conn // nil while disconnected
	spool   [][]byte
	spooled int
	budget  int
	dropped uint64
	passive bool

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
}

func (c *conn) attach(link transport.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.link = link
	c.cancel = cancel
	c.mu.Unlock()
	go c.readPump(ctx, link)
}

func (c *conn) detach(link transport.Conn) {
	c.mu.Lock()
	if c.link == link {
		c.link = nil
		if c.cancel != nil {
			c.cancel()
		}
	}
	c.mu.Unlock()
	_ = link.Close()
}

func (c *conn) readPump(ctx context.Context, link transport.Conn) {
	for {
		frame, err := link.Recv(ctx)
		if err != nil {
			c.detach(link)
			return
		}
		select {
		case c.inbound <- frame:
		case <-c.done:
			return
		}
	}
}

// maintain redials when down and flushes the spool when up.
func (c *conn) maintain() {
	backoff := time.Second
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		c.mu.Lock()
		link := c.link
		hasSpool := len(c.spool) > 0
		c.mu.Unlock()

		if link == nil && !c.passive {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			inner, err := c.t.inner.Dial(ctx, c.peer)
			cancel()
			if err != nil {
				if backoff *= 2; backoff > maxRedialBackoff {
					backoff = maxRedialBackoff
				}
				continue
			}
			c.attach(inner)
			backoff = time.Second
			continue
		}
		if link != nil && hasSpool {
			c.flush(link)
		}
	}
}

func (c *conn) flush(link transport.Conn) {
	for {
		c.mu.Lock()
		if len(c.spool) == 0 || c.link != link {
			c.mu.Unlock()
			return
		}
		frame := c.spool[0]
		c.mu.Unlock()

		if err := link.Send(frame); err != nil {
			c.detach(link)
			return
		}
		c.CountSend(len(frame))

		c.mu.Lock()
		if len(c.spool) > 0 {
			c.spooled -= len(c.spool[0])
			c.spool = c.spool[1:]
		}
		c.mu.Unlock()
	}
}

func (c *conn) Peer() transport.PeerInfo { return c.peer }

// Send transmits immediately when the link is up and nothing is queued
// ahead; otherwise the frame joins the spool.
func (c *conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	c.mu.Lock()
	link := c.link
	queued := len(c.spool) > 0
	c.mu.Unlock()

	if link != nil && !queued {
		if err := link.Send(frame); err == nil {
			c.CountSend(len(frame))
			return nil
		}
		c.detach(link)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.spool = append(c.spool, frame)
	c.spooled += len(frame)
	for c.spooled > c.budget && len(c.spool) > 1 {
		c.spooled -= len(c.spool[0])
		c.spool = c.spool[1:]
		c.dropped++
	}
	return nil
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, transport.ErrClosed
	case frame := <-c.inbound:
		c.CountRecv(len(frame))
		return frame, nil
	}
}

func (c *conn) Stats() transport.Stats { return c.Snapshot() }

// SpoolDepth reports buffered frames, bytes, and frames dropped to budget.
func (c *conn) SpoolDepth() (frames, bytes int, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spool), c.spooled, c.dropped
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		link := c.link
		c.link = nil
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
	})
	return nil
}

// Package nats carries frames over a NATS broker. Each logical link is a
// subject pair: the local node publishes on its tx subject and subscribes
// to its rx subject; the peer does the reverse. The address form is
// "url|txSubject|rxSubject".
package nats

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/AllanDBB/ARIA/pkg/transport"
)

// Transport dials subject-pair links through a NATS server.
type Transport struct {
	name string
}

func New(clientName string) *Transport {
	if clientName == "" {
		clientName = "aria"
	}
	return &Transport{name: clientName}
}

func (t *Transport) Kind() transport.Kind { return transport.KindNATS }

// Listen subscribes to the rx subject and treats the first inbound frame's
// reply expectation as the connection; there is exactly one logical
// connection per subject pair.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	url, tx, rx, err := splitAddress(address)
	if err != nil {
		return nil, &transport.Error{Op: "listen", Kind: transport.KindNATS, Err: err}
	}
	nc, err := t.connect(url)
	if err != nil {
		return nil, &transport.Error{Op: "listen", Kind: transport.KindNATS, Retryable: true, Err: err}
	}
	l := &listener{tr: t, nc: nc, tx: tx, rx: rx, url: url, done: make(chan struct{})}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, peer transport.PeerInfo) (transport.Conn, error) {
	url, tx, rx, err := splitAddress(peer.Addr)
	if err != nil {
		return nil, &transport.Error{Op: "dial", Kind: transport.KindNATS, Err: err}
	}
	nc, err := t.connect(url)
	if err != nil {
		return nil, &transport.Error{Op: "dial", Kind: transport.KindNATS, Retryable: true, Err: err}
	}
	c, err := newConn(peer, nc, tx, rx)
	if err != nil {
		nc.Close()
		return nil, &transport.Error{Op: "dial", Kind: transport.KindNATS, Err: err}
	}
	return c, nil
}

func (t *Transport) connect(url string) (*natsgo.Conn, error) {
	return natsgo.Connect(url,
		natsgo.Name(t.name),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.PingInterval(20*time.Second),
	)
}

func splitAddress(addr string) (url, tx, rx string, err error) {
	parts := strings.Split(addr, "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", errors.New("address must be url|txSubject|rxSubject")
	}
	return parts[0], parts[1], parts[2], nil
}

type listener struct {
	tr   *Transport
	nc   *natsgo.Conn
	url  string
	tx   string
	rx   string
	mu   sync.Mutex
	got  bool
	done chan struct{}
}

// Accept yields the subject pair's single connection, then blocks.
func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	l.mu.Lock()
	first := !l.got
	l.got = true
	l.mu.Unlock()
	if first {
		peer := transport.PeerInfo{ID: transport.PeerID(l.tx), Addr: l.url + "|" + l.tx + "|" + l.rx}
		c, err := newConn(peer, l.nc, l.tx, l.rx)
		if err != nil {
			return nil, &transport.Error{Op: "accept", Kind: transport.KindNATS, Err: err}
		}
		return c, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, transport.ErrClosed
	}
}

func (l *listener) Addr() net.Addr { return subjectAddr(l.rx) }

func (l *listener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	l.nc.Close()
	return nil
}

type subjectAddr string

func (a subjectAddr) Network() string { return "nats" }
func (a subjectAddr) String() string  { return string(a) }

type conn struct {
	transport.Counters
	peer transport.PeerInfo
	nc   *natsgo.Conn
	tx   string
	sub  *natsgo.Subscription
	msgs chan *natsgo.Msg
	done chan struct{}
	once sync.Once
}

func newConn(peer transport.PeerInfo, nc *natsgo.Conn, tx, rx string) (*conn, error) {
	msgs := make(chan *natsgo.Msg, 256)
	sub, err := nc.ChanSubscribe(rx, msgs)
	if err != nil {
		return nil, err
	}
	return &conn{peer: peer, nc: nc, tx: tx, sub: sub, msgs: msgs, done: make(chan struct{})}, nil
}

func (c *conn) Peer() transport.PeerInfo { return c.peer }

func (c *conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	if err := c.nc.Publish(c.tx, frame); err != nil {
		return &transport.Error{Op: "send", Kind: transport.KindNATS,
			Retryable: errors.Is(err, natsgo.ErrReconnectBufExceeded) || c.nc.IsReconnecting(), Err: err}
	}
	c.CountSend(len(frame))
	return nil
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, transport.ErrClosed
	case m := <-c.msgs:
		c.CountRecv(len(m.Data))
		return m.Data, nil
	}
}

func (c *conn) Stats() transport.Stats { return c.Snapshot() }

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.sub.Unsubscribe()
	})
	return err
}

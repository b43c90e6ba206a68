// Package mem is an in-process transport over net.Pipe, used by tests and
// as a stand-in for co-located processes.
package mem

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/AllanDBB/ARIA/pkg/transport"
)

// Transport registers listeners by name and dials them in-process.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, &transport.Error{Op: "listen", Kind: transport.KindMem,
			Err: errors.New("listener " + name + " already exists")}
	}
	l := &listener{name: name, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
	t.listeners[name] = l
	go func() {
		<-ctx.Done()
		_ = l.Close()
		t.mu.Lock()
		delete(t.listeners, name)
		t.mu.Unlock()
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, peer transport.PeerInfo) (transport.Conn, error) {
	t.mu.Lock()
	l := t.listeners[peer.Addr]
	t.mu.Unlock()
	if l == nil {
		return nil, &transport.Error{Op: "dial", Kind: transport.KindMem,
			Err: errors.New("no such listener " + peer.Addr)}
	}
	c1, c2 := net.Pipe()
	srv := newConn(transport.PeerInfo{ID: "dialer", Addr: peer.Addr}, c1)
	cli := newConn(peer, c2)
	select {
	case l.newCh <- srv:
	default:
		_ = srv.Close()
		_ = cli.Close()
		return nil, &transport.Error{Op: "dial", Kind: transport.KindMem, Retryable: true,
			Err: errors.New("accept backlog full")}
	}
	return cli, nil
}

type listener struct {
	name    string
	newCh   chan *conn
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type conn struct {
	transport.Counters
	peer transport.PeerInfo
	c    net.Conn
	wmu  sync.Mutex
	bw   *bufio.Writer

	inbound chan []byte
	readErr chan error
	done    chan struct{}
	once    sync.Once
}

func newConn(peer transport.PeerInfo, c net.Conn) *conn {
	cn := &conn{
		peer:    peer,
		c:       c,
		bw:      bufio.NewWriter(c),
		inbound: make(chan []byte, 64),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go cn.readPump()
	return cn
}

// readPump keeps one blocking reader on the pipe so Recv can honor ctx.
func (cn *conn) readPump() {
	br := bufio.NewReader(cn.c)
	for {
		frame, err := transport.ReadFrame(br)
		if err != nil {
			cn.readErr <- err
			return
		}
		select {
		case cn.inbound <- frame:
		case <-cn.done:
			return
		}
	}
}

func (cn *conn) Peer() transport.PeerInfo { return cn.peer }

func (cn *conn) Send(frame []byte) error {
	cn.wmu.Lock()
	defer cn.wmu.Unlock()
	select {
	case <-cn.done:
		return transport.ErrClosed
	default:
	}
	if err := transport.WriteFrame(cn.bw, frame); err != nil {
		return &transport.Error{Op: "send", Kind: transport.KindMem, Err: err}
	}
	if err := cn.bw.Flush(); err != nil {
		return &transport.Error{Op: "send", Kind: transport.KindMem, Err: err}
	}
	cn.CountSend(len(frame))
	return nil
}

func (cn *conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cn.done:
		return nil, transport.ErrClosed
	case err := <-cn.readErr:
		return nil, &transport.Error{Op: "recv", Kind: transport.KindMem, Err: err}
	case frame := <-cn.inbound:
		cn.CountRecv(len(frame))
		return frame, nil
	}
}

func (cn *conn) Stats() transport.Stats { return cn.Snapshot() }

func (cn *conn) Close() error {
	cn.once.Do(func() { close(cn.done) })
	return cn.c.Close()
}

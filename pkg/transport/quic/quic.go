// Package quic carries frames over a single bidirectional QUIC stream per
// connection. TLS here only bootstraps the link; peer identity and frame
// integrity are enforced by the crypto layer above, so certificates are
// ephemeral and unverified.
package quic

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/AllanDBB/ARIA/pkg/transport"
)

const alpn = "aria-telemetry"

// Transport implements QUIC links with length-prefixed frames.
type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, &transport.Error{Op: "init", Kind: transport.KindQUIC, Err: err}
	}
	return &Transport{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
	}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, &transport.Error{Op: "listen", Kind: transport.KindQUIC, Err: err}
	}
	ql := &listener{l: l}
	go func() {
		<-ctx.Done()
		_ = ql.Close()
	}()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, peer transport.PeerInfo) (transport.Conn, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // identity is verified by the crypto layer
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, peer.Addr, tlsClient, t.quicConf)
	if err != nil {
		return nil, &transport.Error{Op: "dial", Kind: transport.KindQUIC, Retryable: true, Err: err}
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return nil, &transport.Error{Op: "dial", Kind: transport.KindQUIC, Retryable: true, Err: err}
	}
	return newConn(peer, c, st), nil
}

type listener struct {
	l *quicgo.Listener
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	c, err := l.l.Accept(ctx)
	if err != nil {
		return nil, &transport.Error{Op: "accept", Kind: transport.KindQUIC, Err: err}
	}
	// The dialer opens the frame stream; wait for it here.
	st, err := c.AcceptStream(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return nil, &transport.Error{Op: "accept", Kind: transport.KindQUIC, Err: err}
	}
	peer := transport.PeerInfo{
		ID:   transport.PeerID(c.RemoteAddr().String()),
		Addr: c.RemoteAddr().String(),
	}
	return newConn(peer, c, st), nil
}

func (l *listener) Close() error { return l.l.Close() }

type conn struct {
	transport.Counters
	peer transport.PeerInfo
	c    quicgo.Connection
	st   quicgo.Stream

	wmu sync.Mutex
	bw  *bufio.Writer

	inbound chan []byte
	readErr chan error
	done    chan struct{}
	once    sync.Once
}

func newConn(peer transport.PeerInfo, c quicgo.Connection, st quicgo.Stream) *conn {
	cn := &conn{
		peer:    peer,
		c:       c,
		st:      st,
		bw:      bufio.NewWriter(st),
		inbound: make(chan []byte, 64),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go cn.readPump()
	return cn
}

func (cn *conn) readPump() {
	br := bufio.NewReader(cn.st)
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
		return &transport.Error{Op: "send", Kind: transport.KindQUIC, Retryable: true, Err: err}
	}
	if err := cn.bw.Flush(); err != nil {
		return &transport.Error{Op: "send", Kind: transport.KindQUIC, Retryable: true, Err: err}
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
		return nil, &transport.Error{Op: "recv", Kind: transport.KindQUIC, Err: err}
	case frame := <-cn.inbound:
		cn.CountRecv(len(frame))
		return frame, nil
	}
}

func (cn *conn) Stats() transport.Stats { return cn.Snapshot() }

func (cn *conn) Close() error {
	cn.once.Do(func() { close(cn.done) })
	_ = cn.st.Close()
	return cn.c.CloseWithError(0, "")
}

// selfSignedCert generates a short-lived ephemeral certificate.
func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

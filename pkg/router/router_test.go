package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AllanDBB/ARIA/pkg/codec"
	"github.com/AllanDBB/ARIA/pkg/cryptobox"
	"github.com/AllanDBB/ARIA/pkg/envelope"
	"github.com/AllanDBB/ARIA/pkg/fec"
	"github.com/AllanDBB/ARIA/pkg/fragment"
	"github.com/AllanDBB/ARIA/pkg/transport"
	"github.com/AllanDBB/ARIA/pkg/transport/mem"
	"github.com/AllanDBB/ARIA/pkg/wire"
)

// linkedRouters builds two routers over an in-process link with cross-wired
// link keys, runs both, and tears everything down with the test. Mutators
// adjust each router's options before construction.
func linkedRouters(t *testing.T, topics map[string]Policy, mut ...func(nodeID string, o *Options)) (*Router, *Router) {
	t.Helper()

	aSignPub, aSignPriv, err := cryptobox.NewSigningKeypair()
	require.NoError(t, err)
	bSignPub, bSignPriv, err := cryptobox.NewSigningKeypair()
	require.NoError(t, err)
	aKXPub, aKXPriv, err := cryptobox.NewKXKeypair()
	require.NoError(t, err)
	bKXPub, bKXPriv, err := cryptobox.NewKXKeypair()
	require.NoError(t, err)

	tr := mem.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l, err := tr.Listen(ctx, "link")
	require.NoError(t, err)
	dialed, err := tr.Dial(ctx, transport.PeerInfo{ID: "bob", Addr: "link"})
	require.NoError(t, err)
	accepted, err := l.Accept(ctx)
	require.NoError(t, err)

	mk := func(nodeID string, conn transport.Conn, crypto cryptobox.Config) *Router {
		o := Options{
			NodeID:        nodeID,
			FlushInterval: 20 * time.Millisecond,
			MaintainEvery: 10 * time.Millisecond,
			Crypto:        crypto,
			Topics:        topics,
		}
		for _, m := range mut {
			m(nodeID, &o)
		}
		r, err := New(conn, o)
		require.NoError(t, err)
		go r.Run(ctx)
		t.Cleanup(r.Close)
		return r
	}

	alice := mk("alice", dialed, cryptobox.Config{
		SigningKey: aSignPriv, VerifyKey: bSignPub,
		KXPrivate: aKXPriv, KXPublic: bKXPub,
	})
	bob := mk("bob", accepted, cryptobox.Config{
		SigningKey: bSignPriv, VerifyKey: aSignPub,
		KXPrivate: bKXPriv, KXPublic: aKXPub,
	})
	return alice, bob
}

func recvEnvelope(t *testing.T, r *Router) *envelope.Envelope {
	t.Helper()
	select {
	case env := <-r.Deliveries():
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("no delivery within 3s")
		return nil
	}
}

func TestSingleEnvelopeRoundTrip(t *testing.T) {
	alice, bob := linkedRouters(t, nil)

	sent := envelope.New("status/heartbeat", []byte("alive"), envelope.P1, "")
	require.NoError(t, alice.Submit(context.Background(), sent))

	got := recvEnvelope(t, bob)
	require.True(t, got.Equal(sent), "delivered envelope differs: %+v vs %+v", got, sent)
	require.Equal(t, "alice", got.Metadata.SourceNode)
}

func TestFullPipelineTopic(t *testing.T) {
	topics := map[string]Policy{
		"perception/lidar": {
			Priority:       envelope.P2,
			Compression:    "zstd",
			Delta:          true,
			DeltaThreshold: 0.6,
			FEC:            fec.Params{K: 4, M: 2},
		},
	}
	alice, bob := linkedRouters(t, topics)
	ctx := context.Background()

	// Compressible, slowly changing frames exercise every stage.
	var sent []*envelope.Envelope
	for i := 0; i < 8; i++ {
		payload := bytes.Repeat([]byte(fmt.Sprintf("scan %02d ", i)), 200)
		env := envelope.New("perception/lidar", payload, envelope.P2, "")
		require.NoError(t, alice.Submit(ctx, env))
		sent = append(sent, env)
	}

	for i, want := range sent {
		got := recvEnvelope(t, bob)
		require.True(t, got.Equal(want), "envelope %d corrupted in flight", i)
	}
}

func TestEmptyPayloadDelivery(t *testing.T) {
	topics := map[string]Policy{
		"diagnostics/marker": {Priority: envelope.P3, Compression: "s2", FEC: fec.Params{K: 1, M: 0}},
	}
	alice, bob := linkedRouters(t, topics)

	sent := envelope.New("diagnostics/marker", nil, envelope.P3, "")
	require.NoError(t, alice.Submit(context.Background(), sent))

	got := recvEnvelope(t, bob)
	require.True(t, got.Equal(sent))
	require.Empty(t, got.Payload)
	require.Equal(t, uint32(1), got.SchemaID)
}

func TestBidirectionalTraffic(t *testing.T) {
	alice, bob := linkedRouters(t, nil)
	ctx := context.Background()

	up := envelope.New("telemetry/state", []byte("uplink"), envelope.P1, "")
	down := envelope.New("command/drive", []byte("downlink"), envelope.P0, "")
	require.NoError(t, alice.Submit(ctx, up))
	require.NoError(t, bob.Submit(ctx, down))

	require.True(t, recvEnvelope(t, bob).Equal(up))
	require.True(t, recvEnvelope(t, alice).Equal(down))
}

func TestPartialBlockFlushes(t *testing.T) {
	topics := map[string]Policy{
		"perception/imu": {Priority: envelope.P2, FEC: fec.Params{K: 8, M: 2}},
	}
	alice, bob := linkedRouters(t, topics)

	// Fewer envelopes than the block size; the stale-block flush must
	// close the partial block out.
	sent := envelope.New("perception/imu", []byte("single reading"), envelope.P2, "")
	require.NoError(t, alice.Submit(context.Background(), sent))

	got := recvEnvelope(t, bob)
	require.True(t, got.Equal(sent))
}

func TestPolicyResolution(t *testing.T) {
	topics := map[string]Policy{
		"perception/lidar": {Priority: envelope.P1, Compression: "s2", FEC: fec.Params{K: 4, M: 1}},
	}
	alice, _ := linkedRouters(t, topics)

	p := alice.Policy("perception/lidar")
	require.Equal(t, envelope.P1, p.Priority)
	require.Equal(t, "s2", p.Compression)

	def := alice.Policy("never/configured")
	require.Equal(t, envelope.P2, def.Priority)
	require.Equal(t, fec.Params{K: 1, M: 0}, def.FEC)
}

func TestSubmitValidation(t *testing.T) {
	alice, _ := linkedRouters(t, nil)
	ctx := context.Background()

	require.Error(t, alice.Submit(ctx, nil))
	require.Error(t, alice.Submit(ctx, &envelope.Envelope{}))

	alice.Close()
	err := alice.Submit(ctx, envelope.New("t", []byte("x"), envelope.P2, ""))
	require.ErrorIs(t, err, ErrClosed)
}

// selfKeys builds a crypto config good enough to construct a router when
// nothing sealed by a real peer will be opened.
func selfKeys(t *testing.T) cryptobox.Config {
	t.Helper()
	signPub, signPriv, err := cryptobox.NewSigningKeypair()
	require.NoError(t, err)
	kxPub, kxPriv, err := cryptobox.NewKXKeypair()
	require.NoError(t, err)
	return cryptobox.Config{
		SigningKey: signPriv, VerifyKey: signPub,
		KXPrivate: kxPriv, KXPublic: kxPub,
	}
}

// TestConcurrentReceiveAndMaintenance drives the data path and the
// maintenance sweep against the same streams at once; run with -race.
func TestConcurrentReceiveAndMaintenance(t *testing.T) {
	tr := mem.New()
	ctx := context.Background()
	l, err := tr.Listen(ctx, "solo")
	require.NoError(t, err)
	defer l.Close()
	conn, err := tr.Dial(ctx, transport.PeerInfo{ID: "peer", Addr: "solo"})
	require.NoError(t, err)
	defer conn.Close()

	r, err := New(conn, Options{
		NodeID:       "n",
		BlockTimeout: 5 * time.Millisecond,
		ReorderHold:  time.Millisecond,
		Crypto:       selfKeys(t),
		Topics: map[string]Policy{
			"perception/imu": {Priority: envelope.P2, FEC: fec.Params{K: 2, M: 1}},
		},
	})
	require.NoError(t, err)
	defer r.Close()

	var delivered atomic.Int64
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-r.Deliveries():
				delivered.Add(1)
			case <-r.done:
				return
			}
		}
	}()

	// Pre-build 200 blocks' worth of plaintext data fragments.
	enc, err := fec.NewEncoder("perception/imu", "peer", fec.Params{K: 2, M: 1})
	require.NoError(t, err)
	var frames [][]byte
	seq := uint32(0)
	for b := 0; b < 200; b++ {
		var units [][]byte
		for i := 0; i < 2; i++ {
			body, err := wire.Encode(envelope.New("perception/imu", []byte("inertial reading"), envelope.P2, "peer"))
			require.NoError(t, err)
			units = append(units, wire.AppendUnit(nil, wire.Unit{Seq: seq, Body: body}))
			seq++
		}
		shards, _, err := enc.Encode(units)
		require.NoError(t, err)
		for _, sh := range shards {
			frags, err := fragment.Split(sh, 1200)
			require.NoError(t, err)
			frames = append(frames, frags...)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, f := range frames {
			r.handleData(ctx, f, time.Now())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 400; i++ {
			r.expireRx(ctx, time.Now())
			time.Sleep(50 * time.Microsecond)
		}
	}()
	wg.Wait()
	r.Close()
	<-drained

	require.Positive(t, delivered.Load())
}

// flakyConn always fails Recv with a retryable error.
type flakyConn struct {
	recvs atomic.Int32
}

func (c *flakyConn) Peer() transport.PeerInfo {
	return transport.PeerInfo{ID: "flaky", Addr: "flaky"}
}
func (c *flakyConn) Send([]byte) error { return nil }
func (c *flakyConn) Recv(ctx context.Context) ([]byte, error) {
	c.recvs.Add(1)
	return nil, &transport.Error{
		Op: "recv", Kind: transport.KindMem, Retryable: true,
		Err: errors.New("link hiccup"),
	}
}
func (c *flakyConn) Stats() transport.Stats { return transport.Stats{} }
func (c *flakyConn) Close() error           { return nil }

func TestRxWorkerRetriesRetryableErrors(t *testing.T) {
	conn := &flakyConn{}
	r, err := New(conn, Options{NodeID: "n", Crypto: selfKeys(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	t.Cleanup(r.Close)

	require.Eventually(t, func() bool { return conn.recvs.Load() >= 3 },
		2*time.Second, 10*time.Millisecond,
		"receive worker gave up on a retryable error")
}

func TestSchemaRegistryGatesDelivery(t *testing.T) {
	reg := codec.NewSchemaRegistry(nil)
	require.NoError(t, reg.Register(codec.Schema{ID: 7, Name: "drive-cmd", ContentType: "application/json"}))
	alice, bob := linkedRouters(t, nil, func(nodeID string, o *Options) {
		if nodeID == "alice" {
			o.Schemas = reg
		}
	})
	ctx := context.Background()

	// Unregistered ids never leave the sender.
	bad := envelope.New("command/drive", []byte("x"), envelope.P0, "")
	bad.SchemaID = 99
	require.ErrorIs(t, alice.Submit(ctx, bad), codec.ErrUnknownSchema)

	// Alice knows schema 7, but bob's default registry rejects it on
	// receipt; the raw envelope behind it must still come through.
	typed := envelope.New("command/drive", []byte(`{"turn":1}`), envelope.P0, "")
	typed.SchemaID = 7
	require.NoError(t, alice.Submit(ctx, typed))

	raw := envelope.New("command/drive", []byte("raw"), envelope.P0, "")
	require.NoError(t, alice.Submit(ctx, raw))

	got := recvEnvelope(t, bob)
	require.True(t, got.Equal(raw), "got %+v", got)
}

func TestNewRejectsTinyMTU(t *testing.T) {
	tr := mem.New()
	ctx := context.Background()
	l, err := tr.Listen(ctx, "x")
	require.NoError(t, err)
	defer l.Close()
	conn, err := tr.Dial(ctx, transport.PeerInfo{ID: "p", Addr: "x"})
	require.NoError(t, err)
	defer conn.Close()

	_, err = New(conn, Options{MTU: sealOverhead + 10})
	require.Error(t, err)
}

// Package router composes the full telemetry pipeline over one link.
// Transmit: envelope → wire codec → compression → delta → block coding →
// fragmentation → seal → priority shaping → transport. Receive runs the
// stages in reverse and hands reconstructed envelopes to the application.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AllanDBB/ARIA/pkg/ccem"
	"github.com/AllanDBB/ARIA/pkg/codec"
	"github.com/AllanDBB/ARIA/pkg/compress"
	"github.com/AllanDBB/ARIA/pkg/config"
	"github.com/AllanDBB/ARIA/pkg/cryptobox"
	"github.com/AllanDBB/ARIA/pkg/envelope"
	"github.com/AllanDBB/ARIA/pkg/fec"
	"github.com/AllanDBB/ARIA/pkg/fragment"
	"github.com/AllanDBB/ARIA/pkg/observability"
	"github.com/AllanDBB/ARIA/pkg/qos"
	"github.com/AllanDBB/ARIA/pkg/session"
	"github.com/AllanDBB/ARIA/pkg/transport"
)

// ErrClosed reports a Submit after Close.
var ErrClosed = errors.New("router: closed")

// sealOverhead is what the crypto layer adds to a fragment: epoch(4),
// nonce(12), poly1305 tag(16), signature(64), frame type(1).
const sealOverhead = 4 + 12 + 16 + 64 + 1

// Policy is the per-topic pipeline configuration. The zero value means no
// compression, no delta, no redundancy, priority P2.
type Policy struct {
	Priority       envelope.Priority
	Compression    string
	Delta          bool
	DeltaThreshold float64
	FEC            fec.Params
	Adaptive       bool
	ParityMax      int
	Reliable       bool
}

// PolicyFromConfig converts a config entry.
func PolicyFromConfig(tc config.TopicConfig) Policy {
	p := Policy{
		Priority:       envelope.Priority(tc.Priority),
		Compression:    tc.Compression,
		Delta:          tc.Delta,
		DeltaThreshold: tc.DeltaThreshold,
		FEC:            fec.Params{K: tc.FECDataShards, M: tc.FECParity},
		Adaptive:       tc.FECAdaptive,
		ParityMax:      tc.FECParityMax,
		Reliable:       tc.Reliable,
	}
	if p.FEC.K < 1 {
		p.FEC.K = 1
	}
	if p.Delta && p.DeltaThreshold <= 0 {
		p.DeltaThreshold = 0.7
	}
	return p
}

func defaultPolicy() Policy {
	return Policy{Priority: envelope.P2, FEC: fec.Params{K: 1, M: 0}}
}

// Options configures a Router.
type Options struct {
	NodeID string
	MTU    int

	PaceInterval  time.Duration
	ReorderWindow int
	ReorderHold   time.Duration
	DefragTimeout time.Duration
	DefragBudget  int
	BlockTimeout  time.Duration
	FlushInterval time.Duration
	DriftWindow   int
	SessionIdle   time.Duration
	MaintainEvery time.Duration
	ProbeEvery    time.Duration

	QoS        [envelope.NumPriorities]qos.ClassConfig
	QoSMaxWait time.Duration

	Crypto cryptobox.Config
	Topics map[string]Policy

	// Schemas gates envelope schema ids on both submit and delivery. When
	// nil, a default registry accepting only the raw schema is used.
	Schemas *codec.SchemaRegistry

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

func (o *Options) fillDefaults() {
	if o.MTU <= 0 {
		o.MTU = 1400
	}
	if o.ReorderWindow <= 0 {
		o.ReorderWindow = 10
	}
	if o.ReorderHold <= 0 {
		o.ReorderHold = 100 * time.Millisecond
	}
	if o.DefragTimeout <= 0 {
		o.DefragTimeout = 5 * time.Second
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 50 * time.Millisecond
	}
	if o.DriftWindow <= 0 {
		o.DriftWindow = 100
	}
	if o.SessionIdle <= 0 {
		o.SessionIdle = 5 * time.Minute
	}
	if o.MaintainEvery <= 0 {
		o.MaintainEvery = 100 * time.Millisecond
	}
	if o.ProbeEvery <= 0 {
		o.ProbeEvery = time.Second
	}
	if o.QoS == ([envelope.NumPriorities]qos.ClassConfig{}) {
		o.QoS = qos.DefaultClassConfigs()
	}
	if o.Schemas == nil {
		o.Schemas = codec.NewSchemaRegistry(nil)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Router drives one link.
type Router struct {
	opts    Options
	log     *zap.Logger
	metrics *observability.Metrics

	conn   transport.Conn
	shaper *qos.Shaper
	pacer  *ccem.Pacer

	sessions *session.Table
	sess     *session.Session // the link peer's session

	mu     sync.Mutex
	tx     map[string]*txStream
	rxComp map[string]compress.Compressor

	deliveries chan *envelope.Envelope
	done       chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// New builds a router over an established connection. Run must be called
// before Submit.
func New(conn transport.Conn, opts Options) (*Router, error) {
	opts.fillDefaults()
	if opts.MTU <= sealOverhead+64 {
		return nil, fmt.Errorf("router: mtu %d leaves no room under seal overhead", opts.MTU)
	}

	r := &Router{
		opts:       opts,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		conn:       conn,
		shaper:     qos.NewShaper(opts.QoS, opts.QoSMaxWait),
		pacer:      ccem.NewPacer(opts.PaceInterval),
		tx:         make(map[string]*txStream),
		deliveries: make(chan *envelope.Envelope, 256),
		done:       make(chan struct{}),
	}
	r.sessions = session.NewTable(session.Factory{
		NewCrypto: func(transport.PeerInfo) (*cryptobox.Box, error) {
			return cryptobox.New(opts.Crypto)
		},
		NewDefrag: func() *fragment.Defragmenter {
			return fragment.NewDefragmenter(opts.DefragTimeout, opts.DefragBudget)
		},
		NewDrift: func() *ccem.DriftEstimator {
			return ccem.NewDriftEstimator(opts.DriftWindow)
		},
		NewStream: func(key session.StreamKey, loss *fec.LossMeter) *session.Stream {
			return r.newRxStream(key, loss)
		},
	}, opts.SessionIdle)

	sess, err := r.sessions.Get(conn.Peer(), time.Now())
	if err != nil {
		return nil, err
	}
	r.sess = sess
	return r, nil
}

// Policy resolves the pipeline policy for a topic.
func (r *Router) Policy(topic string) Policy {
	if p, ok := r.opts.Topics[topic]; ok {
		return p
	}
	return defaultPolicy()
}

// Deliveries is the stream of reconstructed inbound envelopes.
func (r *Router) Deliveries() <-chan *envelope.Envelope { return r.deliveries }

// Run starts the workers and blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.wg.Add(3)
	go func() { defer r.wg.Done(); r.txWorker(ctx) }()
	go func() { defer r.wg.Done(); r.rxWorker(ctx) }()
	go func() { defer r.wg.Done(); r.maintain(ctx) }()

	<-ctx.Done()
	r.Close()
	r.wg.Wait()
	return ctx.Err()
}

// Close stops accepting work. Safe to call more than once.
func (r *Router) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Router) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// txWorker drains the shaper onto the transport.
func (r *Router) txWorker(ctx context.Context) {
	for {
		it, err := r.shaper.Dequeue(ctx)
		if err != nil {
			return
		}
		if err := r.conn.Send(it.Frame); err != nil {
			r.log.Warn("frame send failed",
				zap.String("topic", it.Topic),
				zap.Bool("retryable", transport.IsRetryable(err)),
				zap.Error(err))
			continue
		}
		if r.metrics != nil {
			r.metrics.BytesOut.Add(float64(len(it.Frame)))
		}
	}
}

func (r *Router) updateGauges() {
	if r.metrics == nil {
		return
	}
	depths := r.shaper.Depths()
	for i, d := range depths {
		r.metrics.QueueDepth.WithLabelValues("P" + strconv.Itoa(i)).Set(float64(d))
	}
	r.metrics.ShardLossRate.Set(r.sess.Loss.Rate())
	_, offset := r.sess.Drift.Skew()
	r.metrics.ClockSkewSeconds.Set(offset.Seconds())
	pending := 0
	for _, st := range r.sess.Streams() {
		st.Lock()
		pending += st.Reorder.Pending()
		st.Unlock()
	}
	r.metrics.ReorderPending.Set(float64(pending))
}

package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AllanDBB/ARIA/pkg/compress"
	"github.com/AllanDBB/ARIA/pkg/delta"
	"github.com/AllanDBB/ARIA/pkg/envelope"
	"github.com/AllanDBB/ARIA/pkg/fec"
	"github.com/AllanDBB/ARIA/pkg/fragment"
	"github.com/AllanDBB/ARIA/pkg/qos"
	"github.com/AllanDBB/ARIA/pkg/wire"
)

// blockCacheSize bounds how many sent blocks a reliable topic keeps for
// retransmission.
const blockCacheSize = 64

// txStream is the transmit state of one topic.
type txStream struct {
	mu         sync.Mutex
	topic      string
	policy     Policy
	comp       compress.Compressor
	delta      *delta.Stream
	enc        *fec.Encoder
	adaptive   *fec.Adaptive
	seq        uint32
	pending    [][]byte
	lastAppend time.Time

	cache      map[uint64][][]byte
	cacheOrder []uint64
}

func (r *Router) txStream(topic string) (*txStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.tx[topic]; ok {
		return st, nil
	}
	pol := r.Policy(topic)
	comp, err := compress.New(pol.Compression)
	if err != nil {
		return nil, err
	}
	enc, err := fec.NewEncoder(topic, r.opts.NodeID, pol.FEC)
	if err != nil {
		return nil, err
	}
	st := &txStream{
		topic:  topic,
		policy: pol,
		comp:   comp,
		delta:  delta.NewStream(pol.DeltaThreshold),
		enc:    enc,
	}
	if pol.Adaptive {
		st.adaptive = fec.NewAdaptive(pol.FEC.K, pol.FEC.M, pol.ParityMax)
	}
	if pol.Reliable {
		st.cache = make(map[uint64][][]byte)
	}
	r.tx[topic] = st
	return st, nil
}

// Submit accepts an envelope for transmission. It blocks only for pacing;
// a full class queue fails fast with qos.ErrQueueFull.
func (r *Router) Submit(ctx context.Context, env *envelope.Envelope) error {
	if r.closed() {
		return ErrClosed
	}
	if env == nil || env.Topic == "" {
		return fmt.Errorf("router: envelope without a topic")
	}
	if _, err := r.opts.Schemas.CodecFor(env.SchemaID); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if env.Metadata.SourceNode == "" {
		env.Metadata.SourceNode = r.opts.NodeID
	}
	if err := r.pacer.Pace(ctx); err != nil {
		return err
	}

	st, err := r.txStream(env.Topic)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	env.Metadata.SequenceNumber = st.seq
	encoded, err := wire.Encode(env)
	if err != nil {
		return err
	}

	body := encoded
	var flags byte
	if st.comp != nil {
		squeezed, err := st.comp.Compress(body)
		if err != nil {
			return err
		}
		// A body that doesn't shrink travels raw.
		if len(squeezed) < len(body) {
			if r.metrics != nil {
				r.metrics.CompressionRatio.Observe(float64(len(squeezed)) / float64(len(body)))
			}
			body = squeezed
			flags |= wire.UnitFlagCompressed
		}
	}
	if st.policy.Delta {
		out, isDelta := st.delta.Encode(body)
		body = out
		if isDelta {
			flags |= wire.UnitFlagDelta
		}
	}

	unit := wire.AppendUnit(nil, wire.Unit{Flags: flags, Seq: st.seq, Body: body})
	st.seq++
	st.pending = append(st.pending, unit)
	st.lastAppend = time.Now()

	if r.metrics != nil {
		r.metrics.EnvelopesSubmitted.WithLabelValues(env.Topic).Inc()
	}

	if len(st.pending) >= st.enc.Params().K {
		return r.flushLocked(st)
	}
	return nil
}

// flushLocked codes the pending units into a block and queues its shards.
// Caller holds st.mu.
func (r *Router) flushLocked(st *txStream) error {
	if len(st.pending) == 0 {
		return nil
	}
	shards, blockSeq, err := st.enc.Encode(st.pending)
	st.pending = nil
	if err != nil {
		return err
	}
	if st.cache != nil {
		st.cache[blockSeq] = shards
		st.cacheOrder = append(st.cacheOrder, blockSeq)
		for len(st.cacheOrder) > blockCacheSize {
			delete(st.cache, st.cacheOrder[0])
			st.cacheOrder = st.cacheOrder[1:]
		}
	}
	return r.enqueueShards(st, shards)
}

func (r *Router) enqueueShards(st *txStream, shards [][]byte) error {
	fragMTU := r.opts.MTU - sealOverhead
	now := time.Now()
	for _, shard := range shards {
		frags, err := fragment.Split(shard, fragMTU)
		if err != nil {
			return err
		}
		for _, frag := range frags {
			frame, err := r.seal(frameData, frag)
			if err != nil {
				return err
			}
			err = r.shaper.Enqueue(qos.Item{
				Frame:   frame,
				Topic:   st.topic,
				Class:   st.policy.Priority,
				Arrived: now,
			})
			if err != nil {
				// Counted via the shaper's drop counter in maintain.
				r.log.Debug("frame dropped at enqueue",
					zap.String("topic", st.topic),
					zap.Stringer("class", st.policy.Priority))
				if st.policy.Priority == envelope.P0 {
					return err
				}
				// Lower classes shed load silently; FEC may still cover it.
			}
		}
	}
	return nil
}

// flushStale closes out partially filled blocks that have waited past the
// flush interval.
func (r *Router) flushStale(now time.Time) {
	r.mu.Lock()
	streams := make([]*txStream, 0, len(r.tx))
	for _, st := range r.tx {
		streams = append(streams, st)
	}
	r.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		if len(st.pending) > 0 && now.Sub(st.lastAppend) >= r.opts.FlushInterval {
			if err := r.flushLocked(st); err != nil {
				r.log.Warn("block flush failed", zap.String("topic", st.topic), zap.Error(err))
			}
		}
		st.mu.Unlock()
	}
}

// retransmit re-queues a cached block for a reliable topic. Unknown blocks
// have aged out of the cache and are reported gone.
func (r *Router) retransmit(topic string, blockSeq uint64) {
	r.mu.Lock()
	st := r.tx[topic]
	r.mu.Unlock()
	if st == nil || st.cache == nil {
		return
	}
	st.mu.Lock()
	shards := st.cache[blockSeq]
	st.mu.Unlock()
	if shards == nil {
		r.log.Warn("retransmit request for evicted block",
			zap.String("topic", topic), zap.Uint64("block", blockSeq))
		return
	}
	st.mu.Lock()
	err := r.enqueueShards(st, shards)
	st.mu.Unlock()
	if err != nil {
		r.log.Warn("retransmit enqueue failed",
			zap.String("topic", topic), zap.Uint64("block", blockSeq), zap.Error(err))
	}
}

// applyLossReport retunes adaptive topics from the peer's observed loss.
func (r *Router) applyLossReport(rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.tx {
		if st.adaptive == nil {
			continue
		}
		st.mu.Lock()
		st.enc.SetNext(st.adaptive.Next(rate))
		st.mu.Unlock()
	}
}

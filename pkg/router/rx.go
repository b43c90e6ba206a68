package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/AllanDBB/ARIA/pkg/ccem"
	"github.com/AllanDBB/ARIA/pkg/compress"
	"github.com/AllanDBB/ARIA/pkg/delta"
	"github.com/AllanDBB/ARIA/pkg/envelope"
	"github.com/AllanDBB/ARIA/pkg/fec"
	"github.com/AllanDBB/ARIA/pkg/fragment"
	"github.com/AllanDBB/ARIA/pkg/session"
	"github.com/AllanDBB/ARIA/pkg/transport"
	"github.com/AllanDBB/ARIA/pkg/wire"
)

const (
	rxRetryBase = 50 * time.Millisecond
	rxRetryCap  = 2 * time.Second
)

// newRxStream builds the conditioning state for one inbound unit stream.
func (r *Router) newRxStream(key session.StreamKey, loss *fec.LossMeter) *session.Stream {
	pol := r.Policy(key.Topic)
	return &session.Stream{
		Assembler: fec.NewAssembler(r.opts.BlockTimeout, loss),
		Reorder:   ccem.NewReorderBuffer(r.opts.ReorderWindow, r.opts.ReorderHold),
		Delta:     delta.NewStream(pol.DeltaThreshold),
	}
}

// rxWorker pulls frames off the link and walks them back up the pipeline.
// Retryable link errors back off and try again; anything else ends the
// receive half.
func (r *Router) rxWorker(ctx context.Context) {
	backoff := rxRetryBase
	for {
		frame, err := r.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || r.closed() {
				return
			}
			if !transport.IsRetryable(err) {
				r.log.Warn("receive failed", zap.Error(err))
				return
			}
			r.log.Warn("receive failed, retrying",
				zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
			if backoff < rxRetryCap {
				backoff *= 2
			}
			continue
		}
		backoff = rxRetryBase
		if r.metrics != nil {
			r.metrics.BytesIn.Add(float64(len(frame)))
		}
		r.handleFrame(ctx, frame, time.Now())
	}
}

func (r *Router) handleFrame(ctx context.Context, frame []byte, now time.Time) {
	r.sess.Touch(now)
	plain, err := r.sess.Crypto.Open(frame)
	if err != nil {
		if r.metrics != nil {
			r.metrics.AuthFailures.Inc()
		}
		r.log.Debug("frame rejected", zap.Error(err))
		return
	}
	if len(plain) == 0 {
		return
	}
	kind, rest := plain[0], plain[1:]
	switch kind {
	case frameData:
		r.handleData(ctx, rest, now)
	case frameControl:
		r.handleControl(rest, now)
	default:
		r.log.Debug("unknown frame type", zap.Uint8("type", kind))
	}
}

func (r *Router) handleData(ctx context.Context, frag []byte, now time.Time) {
	shard, err := r.sess.Defrag.Add(frag, now)
	if errors.Is(err, fragment.ErrIncomplete) {
		return
	}
	if err != nil {
		r.log.Debug("fragment rejected", zap.Error(err))
		return
	}

	topic, source, err := fec.StreamOf(shard)
	if err != nil {
		r.log.Debug("shard header rejected", zap.Error(err))
		return
	}
	st := r.sess.Stream(session.StreamKey{Topic: topic, Source: source})

	st.Lock()
	res, err := st.Assembler.Add(shard, now)
	if err != nil {
		st.Unlock()
		r.log.Debug("shard rejected", zap.String("topic", topic), zap.Error(err))
		return
	}
	if res == nil {
		st.Unlock()
		return
	}

	var envs []*envelope.Envelope
	for _, rec := range res.Units {
		u, err := wire.ParseUnit(rec)
		if err != nil {
			r.log.Debug("unit rejected", zap.String("topic", topic), zap.Error(err))
			continue
		}
		for _, ru := range st.Reorder.Push(u, now) {
			if env := r.decodeUnit(st, topic, ru); env != nil {
				envs = append(envs, env)
			}
		}
	}
	st.Unlock()

	if res.Recovered && r.metrics != nil {
		r.metrics.BlocksRecovered.Inc()
	}
	for _, env := range envs {
		r.deliver(ctx, env)
	}
}

// decodeUnit undoes delta and compression and decodes the envelope.
// The caller holds st's lock.
func (r *Router) decodeUnit(st *session.Stream, topic string, u wire.Unit) *envelope.Envelope {
	body := append([]byte(nil), u.Body...)

	if u.Flags&wire.UnitFlagDelta != 0 || r.Policy(topic).Delta {
		out, err := st.Delta.Decode(body, u.Flags&wire.UnitFlagDelta != 0)
		if err != nil {
			r.log.Debug("delta decode failed", zap.String("topic", topic),
				zap.Uint32("seq", u.Seq), zap.Error(err))
			return nil
		}
		body = out
	}
	if u.Flags&wire.UnitFlagCompressed != 0 {
		comp := r.rxCompressor(topic)
		if comp == nil {
			r.log.Debug("compressed unit on uncompressed topic", zap.String("topic", topic))
			return nil
		}
		out, err := comp.Decompress(body)
		if err != nil {
			r.log.Debug("decompress failed", zap.String("topic", topic), zap.Error(err))
			return nil
		}
		body = out
	}

	env, err := wire.Decode(body)
	if err != nil {
		r.log.Debug("envelope decode failed", zap.String("topic", topic), zap.Error(err))
		return nil
	}
	if _, err := r.opts.Schemas.CodecFor(env.SchemaID); err != nil {
		r.log.Debug("schema rejected", zap.String("topic", topic),
			zap.Uint32("schema", env.SchemaID), zap.Error(err))
		return nil
	}
	return env
}

func (r *Router) deliver(ctx context.Context, env *envelope.Envelope) {
	if r.metrics != nil {
		r.metrics.EnvelopesDelivered.WithLabelValues(env.Topic).Inc()
	}
	select {
	case r.deliveries <- env:
	case <-ctx.Done():
	case <-r.done:
	}
}

func (r *Router) rxCompressor(topic string) compress.Compressor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rxComp[topic]; ok {
		return c
	}
	c, err := compress.New(r.Policy(topic).Compression)
	if err != nil {
		c = nil
	}
	if r.rxComp == nil {
		r.rxComp = make(map[string]compress.Compressor)
	}
	r.rxComp[topic] = c
	return c
}

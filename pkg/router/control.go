package router

import (
	"context"
	"fmt"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/AllanDBB/ARIA/pkg/envelope"
	"github.com/AllanDBB/ARIA/pkg/qos"
)

// Frame type byte, first plaintext byte inside every sealed frame.
const (
	frameData    byte = 0x01
	frameControl byte = 0x02
)

type controlKind uint8

const (
	ctlProbe controlKind = iota + 1
	ctlEcho
	ctlNack
	ctlLossReport
)

// controlMsg is the CBOR control frame. Probes and echoes feed the drift
// estimator, nacks request block retransmission, loss reports drive the
// sender's adaptive parity.
type controlMsg struct {
	Kind     controlKind `cbor:"1,keyasint"`
	SentAt   int64       `cbor:"2,keyasint,omitempty"` // sender clock, unix nanos
	EchoOf   int64       `cbor:"3,keyasint,omitempty"` // probe's SentAt, echoed back
	Topic    string      `cbor:"4,keyasint,omitempty"`
	BlockSeq uint64      `cbor:"5,keyasint,omitempty"`
	LossRate float64     `cbor:"6,keyasint,omitempty"`
}

var ctlEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	ctlEncMode = em
}

// seal signs and encrypts one frame for the link peer.
func (r *Router) seal(kind byte, payload []byte) ([]byte, error) {
	plain := make([]byte, 0, 1+len(payload))
	plain = append(plain, kind)
	plain = append(plain, payload...)
	return r.sess.Crypto.Seal(plain)
}

// sendControl queues a control message at the highest class.
func (r *Router) sendControl(m controlMsg) error {
	raw, err := ctlEncMode.Marshal(m)
	if err != nil {
		return fmt.Errorf("router: control encode: %w", err)
	}
	frame, err := r.seal(frameControl, raw)
	if err != nil {
		return err
	}
	return r.shaper.Enqueue(qos.Item{
		Frame:   frame,
		Topic:   "",
		Class:   envelope.P0,
		Arrived: time.Now(),
	})
}

func (r *Router) handleControl(raw []byte, now time.Time) {
	var m controlMsg
	if err := cbor.Unmarshal(raw, &m); err != nil {
		r.log.Debug("control frame rejected", zap.Error(err))
		return
	}
	switch m.Kind {
	case ctlProbe:
		err := r.sendControl(controlMsg{
			Kind:   ctlEcho,
			SentAt: now.UnixNano(),
			EchoOf: m.SentAt,
		})
		if err != nil {
			r.log.Debug("echo send failed", zap.Error(err))
		}
	case ctlEcho:
		// The peer stamped SentAt when it echoed; place that instant at the
		// midpoint of our round trip.
		probeAt := time.Unix(0, m.EchoOf)
		rtt := now.Sub(probeAt)
		if rtt < 0 {
			return
		}
		local := probeAt.Add(rtt / 2)
		r.sess.Drift.Observe(time.Unix(0, m.SentAt), local)
	case ctlNack:
		r.retransmit(m.Topic, m.BlockSeq)
	case ctlLossReport:
		r.applyLossReport(m.LossRate)
	default:
		r.log.Debug("unknown control kind", zap.Uint8("kind", uint8(m.Kind)))
	}
}

// maintain runs the periodic work: stale block flushes, reassembly expiry,
// reorder flushes, drift probes, loss reports, session sweeps.
func (r *Router) maintain(ctx context.Context) {
	tick := time.NewTicker(r.opts.MaintainEvery)
	probe := time.NewTicker(r.opts.ProbeEvery)
	sweep := time.NewTicker(r.opts.SessionIdle / 2)
	defer tick.Stop()
	defer probe.Stop()
	defer sweep.Stop()

	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case now := <-tick.C:
			r.flushStale(now)
			r.expireRx(ctx, now)
			if r.metrics != nil {
				if d := r.shaper.Dropped(); d > lastDropped {
					r.metrics.FramesDropped.Add(float64(d - lastDropped))
					lastDropped = d
				}
			}
			r.updateGauges()
		case now := <-probe.C:
			if err := r.sendControl(controlMsg{Kind: ctlProbe, SentAt: now.UnixNano()}); err != nil {
				r.log.Debug("probe send failed", zap.Error(err))
			}
			if rate := r.sess.Loss.Rate(); rate > 0 {
				if err := r.sendControl(controlMsg{Kind: ctlLossReport, LossRate: rate}); err != nil {
					r.log.Debug("loss report send failed", zap.Error(err))
				}
			}
		case now := <-sweep.C:
			r.sessions.Sweep(now)
		}
	}
}

// expireRx times out partial reassembly state and releases overheld units.
func (r *Router) expireRx(ctx context.Context, now time.Time) {
	if n := r.sess.Defrag.Expire(now); n > 0 {
		r.log.Debug("fragment groups expired", zap.Int("count", n))
	}
	for key, st := range r.sess.Streams() {
		st.Lock()
		lost := st.Assembler.Expire(now)
		var envs []*envelope.Envelope
		for _, u := range st.Reorder.Flush(now) {
			if env := r.decodeUnit(st, key.Topic, u); env != nil {
				envs = append(envs, env)
			}
		}
		st.Unlock()

		for _, l := range lost {
			if r.metrics != nil {
				r.metrics.BlocksLost.Inc()
			}
			r.log.Info("block lost",
				zap.String("topic", l.Topic),
				zap.Uint64("block", l.BlockSeq),
				zap.Int("received", l.Received),
				zap.Int("total", l.Total))
			if r.Policy(l.Topic).Reliable {
				err := r.sendControl(controlMsg{
					Kind:     ctlNack,
					Topic:    l.Topic,
					BlockSeq: l.BlockSeq,
				})
				if err != nil {
					r.log.Debug("nack send failed", zap.Error(err))
				}
			}
		}
		for _, env := range envs {
			r.deliver(ctx, env)
		}
	}
}

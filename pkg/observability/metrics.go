package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the node's Prometheus collectors. All collectors are
// registered on the given registerer at construction.
type Metrics struct {
	EnvelopesSubmitted *prometheus.CounterVec // topic
	EnvelopesDelivered *prometheus.CounterVec // topic
	BytesIn            prometheus.Counter
	BytesOut           prometheus.Counter
	CompressionRatio   prometheus.Histogram
	BlocksRecovered    prometheus.Counter
	BlocksLost         prometheus.Counter
	ShardLossRate      prometheus.Gauge
	QueueDepth         *prometheus.GaugeVec // class
	FramesDropped      prometheus.Counter
	AuthFailures       prometheus.Counter
	ReorderPending     prometheus.Gauge
	ClockSkewSeconds   prometheus.Gauge
}

// NewMetrics registers and returns the collector set. Pass
// prometheus.DefaultRegisterer outside tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnvelopesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aria", Name: "envelopes_submitted_total",
			Help: "Envelopes accepted for transmission.",
		}, []string{"topic"}),
		EnvelopesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aria", Name: "envelopes_delivered_total",
			Help: "Envelopes delivered to the application.",
		}, []string{"topic"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aria", Name: "transport_bytes_in_total",
			Help: "Frame bytes received from transports.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aria", Name: "transport_bytes_out_total",
			Help: "Frame bytes handed to transports.",
		}),
		CompressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aria", Name: "compression_ratio",
			Help:    "Compressed size over original size per unit.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		BlocksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aria", Name: "fec_blocks_recovered_total",
			Help: "Blocks decoded only thanks to parity shards.",
		}),
		BlocksLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aria", Name: "fec_blocks_lost_total",
			Help: "Blocks abandoned with too few shards.",
		}),
		ShardLossRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aria", Name: "fec_shard_loss_rate",
			Help: "Smoothed shard loss estimate.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aria", Name: "qos_queue_depth",
			Help: "Frames queued per priority class.",
		}, []string{"class"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aria", Name: "qos_frames_dropped_total",
			Help: "Frames rejected or expired by the shaper.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aria", Name: "crypto_auth_failures_total",
			Help: "Frames discarded for failed decryption or signature.",
		}),
		ReorderPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aria", Name: "reorder_pending_units",
			Help: "Units held awaiting in-order release.",
		}),
		ClockSkewSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aria", Name: "clock_skew_seconds",
			Help: "Estimated peer clock offset.",
		}),
	}
	reg.MustRegister(
		m.EnvelopesSubmitted, m.EnvelopesDelivered,
		m.BytesIn, m.BytesOut, m.CompressionRatio,
		m.BlocksRecovered, m.BlocksLost, m.ShardLossRate,
		m.QueueDepth, m.FramesDropped, m.AuthFailures,
		m.ReorderPending, m.ClockSkewSeconds,
	)
	return m
}

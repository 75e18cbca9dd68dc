package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	inferenceRequests *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	receiptsAppended  prometheus.Counter
	gossipAccepted    prometheus.Counter
	epochsSettled     prometheus.Counter
	replicationErrors prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		inferenceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glyph",
			Name:      "inference_requests_total",
			Help:      "Inference requests by outcome.",
		}, []string{"outcome"}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "glyph",
			Name:      "inference_duration_seconds",
			Help:      "End-to-end inference latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		receiptsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "glyph",
			Name:      "receipts_appended_total",
			Help:      "Receipts appended to the local chain.",
		}),
		gossipAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "glyph",
			Name:      "gossip_receipts_accepted_total",
			Help:      "Receipts newly accepted via peer gossip.",
		}),
		epochsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "glyph",
			Name:      "epochs_settled_total",
			Help:      "Epoch snapshots produced.",
		}),
		replicationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "glyph",
			Name:      "replication_errors_total",
			Help:      "Best-effort DHT and peer replication failures.",
		}),
	}
	m.registry.MustRegister(
		m.inferenceRequests, m.inferenceDuration, m.receiptsAppended,
		m.gossipAccepted, m.epochsSettled, m.replicationErrors,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

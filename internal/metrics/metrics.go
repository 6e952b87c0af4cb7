package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collabpad"

type Metrics struct {
	SessionsActive     prometheus.Gauge
	ClientsConnected   prometheus.Gauge
	OperationsApplied  prometheus.Counter
	OperationsSubsumed prometheus.Counter
	OperationsRejected prometheus.Counter
	TransformDistance  prometheus.Histogram
	Saves              *prometheus.CounterVec
	LoadFailures       prometheus.Counter
	Messages           *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Document sessions currently resident.",
		}),
		ClientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Client sessions across all documents.",
		}),
		OperationsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_applied_total",
			Help:      "Operations applied to a document.",
		}),
		OperationsSubsumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_subsumed_total",
			Help:      "Operations transformed away by concurrent history.",
		}),
		OperationsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_rejected_total",
			Help:      "Operations that did not fit the document after transformation.",
		}),
		TransformDistance: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_distance",
			Help:      "History entries an incoming operation was transformed against.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Explicit saves by result.",
		}, []string{"result"}),
		LoadFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_failures_total",
			Help:      "Failed initial content loads.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by type.",
		}, []string{"type"}),
	}
}

// NewNop returns collectors registered nowhere, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

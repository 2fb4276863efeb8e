package space

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaygrid/space/message"
)

// Metrics records delivery counters for a Space, grounded on the
// promauto usage in eldtechnologies-aicq/internal/metrics/metrics.go. Unlike
// that package-global pattern, Metrics takes an explicit
// prometheus.Registerer so more than one Space (as in tests) can coexist
// without colliding on the default registry.
type Metrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishErrors     prometheus.Counter
	AgentsJoined      prometheus.Counter
	AgentsLeft        prometheus.Counter
	BroadcastFanout   prometheus.Histogram
}

// NewMetrics registers and returns a Metrics bound to reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "space_messages_published_total",
			Help: "Total messages handed to the transport, by action name.",
		}, []string{"action"}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "space_publish_errors_total",
			Help: "Total transport.Publish calls that returned an error.",
		}),
		AgentsJoined: factory.NewCounter(prometheus.CounterOpts{
			Name: "space_agents_joined_total",
			Help: "Total successful Space.Add calls.",
		}),
		AgentsLeft: factory.NewCounter(prometheus.CounterOpts{
			Name: "space_agents_left_total",
			Help: "Total successful Space.Remove calls.",
		}),
		BroadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "space_broadcast_fanout",
			Help:    "Number of recipients a broadcast was delivered to.",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		}),
	}
}

// ObservePublish records a message handed to the transport. Broadcast
// fanout size is not known at this layer (the transport owns membership),
// so BroadcastFanout is left for a transport to report via ObserveFanout.
func (m *Metrics) ObservePublish(msg *message.Message) {
	m.MessagesPublished.WithLabelValues(msg.Action.Name).Inc()
}

// ObserveFanout records how many recipients a single broadcast reached.
func (m *Metrics) ObserveFanout(n int) {
	m.BroadcastFanout.Observe(float64(n))
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the adapter's operational counters.
type Metrics struct {
	EncapRequests      *prometheus.CounterVec
	ForwardOpens       *prometheus.CounterVec
	ForwardCloses      prometheus.Counter
	OpenConnections    *prometheus.GaugeVec
	ProducedFrames     prometheus.Counter
	ConsumedFrames     prometheus.Counter
	DroppedFrames      *prometheus.CounterVec
	WatchdogTimeouts   prometheus.Counter
	RegisteredSessions prometheus.Gauge
}

// New registers the adapter collectors with reg. A nil registerer uses a
// private registry, which keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		EncapRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eip_encap_requests_total",
			Help: "Encapsulation requests by command name.",
		}, []string{"command"}),
		ForwardOpens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eip_forward_opens_total",
			Help: "ForwardOpen requests by result.",
		}, []string{"result"}),
		ForwardCloses: f.NewCounter(prometheus.CounterOpts{
			Name: "eip_forward_closes_total",
			Help: "ForwardClose requests processed.",
		}),
		OpenConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eip_open_connections",
			Help: "Currently established connections by instance type.",
		}, []string{"type"}),
		ProducedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "eip_io_produced_frames_total",
			Help: "I/O frames produced on UDP.",
		}),
		ConsumedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "eip_io_consumed_frames_total",
			Help: "I/O frames accepted from UDP.",
		}),
		DroppedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eip_io_dropped_frames_total",
			Help: "I/O frames dropped before reaching the assembly.",
		}, []string{"reason"}),
		WatchdogTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "eip_watchdog_timeouts_total",
			Help: "Inactivity watchdog expirations.",
		}),
		RegisteredSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "eip_registered_sessions",
			Help: "Currently registered encapsulation sessions.",
		}),
	}
}

// Handler exposes the given gatherer over HTTP.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

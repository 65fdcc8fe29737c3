// Package metrics exports Prometheus collectors for the dialog and
// registrar engines. All methods are nil-safe so the engines can run
// without a collector wired in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus metrics of one sipcore instance
type Collector struct {
	dialogsActive    prometheus.Gauge
	dialogsTotal     prometheus.Counter
	dialogStops      *prometheus.CounterVec
	registerRequests *prometheus.CounterVec
	registerDuration prometheus.Histogram
	bindingsActive   *prometheus.GaugeVec
}

// New creates a collector registered on the given registerer. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		dialogsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Number of dialogs currently tracked",
		}),
		dialogsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "dialog",
			Name:      "created_total",
			Help:      "Total dialogs created",
		}),
		dialogStops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "dialog",
			Name:      "stopped_total",
			Help:      "Total dialogs stopped, by reason",
		}, []string{"reason"}),
		registerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "registrar",
			Name:      "requests_total",
			Help:      "REGISTER requests processed, by outcome",
		}, []string{"outcome"}),
		registerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sipcore",
			Subsystem: "registrar",
			Name:      "request_duration_seconds",
			Help:      "REGISTER processing latency",
			Buckets:   prometheus.DefBuckets,
		}),
		bindingsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Subsystem: "registrar",
			Name:      "bindings_active",
			Help:      "Registered contacts currently stored, by app",
		}, []string{"app"}),
	}
}

// DialogCreated records a new dialog
func (c *Collector) DialogCreated() {
	if c == nil {
		return
	}
	c.dialogsTotal.Inc()
	c.dialogsActive.Inc()
}

// DialogStopped records a dialog stop with its reason
func (c *Collector) DialogStopped(reason string) {
	if c == nil {
		return
	}
	c.dialogsActive.Dec()
	c.dialogStops.WithLabelValues(reason).Inc()
}

// ObserveRegister records one processed REGISTER
func (c *Collector) ObserveRegister(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.registerRequests.WithLabelValues(outcome).Inc()
	c.registerDuration.Observe(d.Seconds())
}

// SetBindings records the stored contact count of an app
func (c *Collector) SetBindings(app string, n int) {
	if c == nil {
		return
	}
	c.bindingsActive.WithLabelValues(app).Set(float64(n))
}

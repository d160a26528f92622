package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	ConnectedClients prometheus.Gauge

	FixesReceived  prometheus.Counter
	RouteFetches   *prometheus.CounterVec // result label: ok|error
	RoutesStale    prometheus.Counter
	RoutesThrottle prometheus.Counter
	FetchDuration  prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	ArrivalAlerts *prometheus.CounterVec // result label: sent|error
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_sessions",
			Help: "Number of parent tracking sessions currently running.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_ws_clients",
			Help: "Number of parent WebSocket clients connected.",
		}),
		FixesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_fixes_received_total",
			Help: "Total vehicle fixes processed by sessions.",
		}),
		RouteFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_route_fetches_total",
			Help: "Total directions fetches by outcome.",
		}, []string{"result"}),
		RoutesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_route_fetches_discarded_total",
			Help: "Route responses discarded because a newer trip or fetch superseded them.",
		}),
		RoutesThrottle: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_route_fetches_throttled_total",
			Help: "Route fetches skipped by the fetch throttle.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_route_fetch_duration_seconds",
			Help:    "Duration of directions fetches.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ArrivalAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_arrival_alerts_total",
			Help: "Arrival push notifications by outcome.",
		}, []string{"result"}),
	}

	// Register
	reg.MustRegister(
		c.ActiveSessions, c.ConnectedClients,
		c.FixesReceived, c.RouteFetches, c.RoutesStale, c.RoutesThrottle, c.FetchDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.ArrivalAlerts,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Session pipeline

func (c *Collector) FixReceived() { c.FixesReceived.Inc() }

func (c *Collector) RouteFetched(took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.RouteFetches.WithLabelValues(result).Inc()
	c.FetchDuration.Observe(took.Seconds())
}

func (c *Collector) RouteDiscarded() { c.RoutesStale.Inc() }
func (c *Collector) RouteThrottled() { c.RoutesThrottle.Inc() }

func (c *Collector) SessionStarted() { c.ActiveSessions.Inc() }
func (c *Collector) SessionStopped() { c.ActiveSessions.Dec() }

func (c *Collector) ClientConnected()    { c.ConnectedClients.Inc() }
func (c *Collector) ClientDisconnected() { c.ConnectedClients.Dec() }

// Publisher

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// Notifications

func (c *Collector) AlertSent(err error) {
	if err != nil {
		c.ArrivalAlerts.WithLabelValues("error").Inc()
		return
	}
	c.ArrivalAlerts.WithLabelValues("sent").Inc()
}

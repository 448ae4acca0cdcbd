package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gazecap/gazecapd/internal/bus"
)

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()

	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gazecap",
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gazecap",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gazecap",
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gazecap",
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket frames sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gazecap",
			Subsystem: "stream",
			Name:      "published_total",
			Help:      "Total wire messages published to the broadcast hub.",
		}, func() float64 {
			return float64(s.hub.Published())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gazecap",
			Subsystem: "stream",
			Name:      "dropped_total",
			Help:      "Total wire messages dropped for slow subscribers.",
		}, func() float64 {
			return float64(s.hub.Dropped())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gazecap",
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state as an enum value (0=disconnected through 6=stopped).",
		}, func() float64 {
			return float64(s.session.State())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gazecap",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Completed reconnect recoveries over the session lifetime.",
		}, func() float64 {
			return float64(s.session.ReconnectCount())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gazecap",
			Subsystem: "session",
			Name:      "watchdog_trips_total",
			Help:      "Times the silence watchdog declared the stream lost.",
		}, func() float64 {
			return float64(s.session.Status().WatchdogTrips)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gazecap",
			Subsystem: "session",
			Name:      "drift_corrections_total",
			Help:      "Normalized timestamps clamped to preserve monotonicity.",
		}, func() float64 {
			return float64(s.session.DriftCorrections())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gazecap",
			Subsystem: "session",
			Name:      "samples_ingested_total",
			Help:      "Raw samples accepted from the backend.",
		}, func() float64 {
			return float64(s.session.Status().SamplesIngested)
		}),
		newSinkStatsCollector(s.session.Bus()),
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// sinkStatsCollector exports per-sink delivery counters with sink identity
// as labels, since sinks come and go at runtime.
type sinkStatsCollector struct {
	bus *bus.Bus

	delivered *prometheus.Desc
	dropped   *prometheus.Desc
	queued    *prometheus.Desc
	lost      *prometheus.Desc
	exhausted *prometheus.Desc
}

func newSinkStatsCollector(b *bus.Bus) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("gazecap", "sink", name),
			help,
			[]string{"sink_id", "kind"},
			nil,
		)
	}
	return &sinkStatsCollector{
		bus:       b,
		delivered: desc("delivered_total", "Samples handed to the sink."),
		dropped:   desc("dropped_total", "Samples dropped by the queue policy."),
		queued:    desc("queue_depth", "Samples currently waiting in the sink queue."),
		lost:      desc("lost_total", "Samples the sink accepted but could not persist."),
		exhausted: desc("exhausted", "1 when the sink has permanently failed."),
	}
}

func (c *sinkStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.delivered
	ch <- c.dropped
	ch <- c.queued
	ch <- c.lost
	ch <- c.exhausted
}

func (c *sinkStatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.bus.Stats() {
		ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(st.Delivered), st.ID, st.Kind)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Dropped), st.ID, st.Kind)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(st.Queued), st.ID, st.Kind)
		ch <- prometheus.MustNewConstMetric(c.lost, prometheus.CounterValue, float64(st.Sink.Lost), st.ID, st.Kind)
		exhausted := 0.0
		if st.Exhausted {
			exhausted = 1
		}
		ch <- prometheus.MustNewConstMetric(c.exhausted, prometheus.GaugeValue, exhausted, st.ID, st.Kind)
	}
}

// Package metrics exposes Prometheus collectors for the engine and its HTTP
// surface.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mlmengine/internal/domain"
)

const namespace = "mlm_engine"

// Collector implements the engine's metrics hooks and HTTP instrumentation
// on a private registry.
type Collector struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	members         prometheus.Gauge
	cycles          prometheus.Counter
	cycleDuration   prometheus.Histogram
	commissionTotal *prometheus.CounterVec
	rankChanges     *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Commands applied by the network writer.",
		}, []string{"command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "command_duration_seconds",
			Help:      "Time spent applying a command, store commit included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"command"}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "members",
			Help:      "Members in the committed tree.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Committed payout cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall time of committed payout cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		commissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "commission_amount_total",
			Help:      "Commission amount staged by cycles, by type.",
		}, []string{"type"}),
		rankChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "rank_changes_total",
			Help:      "Rank outcomes recorded by cycles.",
		}, []string{"outcome"}),
	}

	c.registry.MustRegister(
		c.httpInFlight,
		c.httpRequests,
		c.httpDuration,
		c.commands,
		c.commandDuration,
		c.members,
		c.cycles,
		c.cycleDuration,
		c.commissionTotal,
		c.rankChanges,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry returns the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the registered collectors.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveCommand(kind string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.commands.WithLabelValues(kind, result).Inc()
	c.commandDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (c *Collector) ObserveCycle(summary *domain.CycleSummary) {
	c.cycles.Inc()
	c.cycleDuration.Observe(summary.CompletedAt.Sub(summary.StartedAt).Seconds())
	for typ, total := range summary.Totals {
		f, _ := total.Float64()
		c.commissionTotal.WithLabelValues(string(typ)).Add(f)
	}
	c.rankChanges.WithLabelValues("advanced").Add(float64(summary.Advanced))
	c.rankChanges.WithLabelValues("flagged").Add(float64(summary.Flagged))
	c.rankChanges.WithLabelValues("demoted").Add(float64(summary.Demoted))
}

func (c *Collector) SetMembers(n int) {
	c.members.Set(float64(n))
}

// Instrument wraps next with HTTP request metrics.
func (c *Collector) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		c.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// canonicalPath collapses ids so label cardinality stays bounded:
// /api/v1/members/<id>/tree becomes /api/v1/members/:id/tree.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "members":
			parts[i] = ":id"
		case "cycles":
			parts[i] = ":period"
		}
	}
	return "/" + strings.Join(parts, "/")
}

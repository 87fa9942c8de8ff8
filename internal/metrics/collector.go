package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Collector holds the Prometheus metrics for margin surveillance. All methods are
// safe on a nil *Collector so components can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	Evaluations *prometheus.CounterVec
	MarginCalls prometheus.Gauge

	Connections       prometheus.Gauge
	BroadcastMessages *prometheus.CounterVec
	BroadcastDropped  *prometheus.CounterVec

	ProviderRequests *prometheus.CounterVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewCollector creates a collector backed by its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marginwatch_job_runs_total",
				Help: "Scheduled job executions by job and result",
			},
			[]string{"job", "result"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marginwatch_job_duration_seconds",
				Help:    "Duration of scheduled job executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"job"},
		),

		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marginwatch_margin_evaluations_total",
				Help: "Per-client margin evaluations by result",
			},
			[]string{"result"},
		),

		MarginCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marginwatch_margin_calls",
				Help: "Clients in margin call as of the last batch evaluation",
			},
		),

		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marginwatch_connections",
				Help: "Live observer connections",
			},
		),

		BroadcastMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marginwatch_broadcast_messages_total",
				Help: "Messages enqueued to observer connections by event",
			},
			[]string{"event"},
		),

		BroadcastDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marginwatch_broadcast_dropped_total",
				Help: "Messages dropped because an observer's buffer was full",
			},
			[]string{"event"},
		),

		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marginwatch_provider_requests_total",
				Help: "Market data source requests by source and result",
			},
			[]string{"source", "result"},
		),

		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marginwatch_quote_cache_hits_total",
				Help: "Latest-quote cache hits",
			},
		),

		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marginwatch_quote_cache_misses_total",
				Help: "Latest-quote cache misses",
			},
		),
	}

	c.registry.MustRegister(
		c.JobRuns,
		c.JobDuration,
		c.Evaluations,
		c.MarginCalls,
		c.Connections,
		c.BroadcastMessages,
		c.BroadcastDropped,
		c.ProviderRequests,
		c.CacheHits,
		c.CacheMisses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveJob records one job execution
func (c *Collector) ObserveJob(job string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	c.JobRuns.WithLabelValues(job, result(success)).Inc()
	c.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// ObserveEvaluation records one per-client margin evaluation
func (c *Collector) ObserveEvaluation(success bool) {
	if c == nil {
		return
	}
	c.Evaluations.WithLabelValues(result(success)).Inc()
}

// SetMarginCalls records the margin call count of the last batch
func (c *Collector) SetMarginCalls(n int) {
	if c == nil {
		return
	}
	c.MarginCalls.Set(float64(n))
}

func (c *Collector) SetConnections(n int) {
	if c == nil {
		return
	}
	c.Connections.Set(float64(n))
}

func (c *Collector) RecordBroadcast(event string) {
	if c == nil {
		return
	}
	c.BroadcastMessages.WithLabelValues(event).Inc()
}

func (c *Collector) RecordDropped(event string) {
	if c == nil {
		return
	}
	c.BroadcastDropped.WithLabelValues(event).Inc()
}

// ObserveProvider records a market data source request
func (c *Collector) ObserveProvider(source string, success bool) {
	if c == nil {
		return
	}
	c.ProviderRequests.WithLabelValues(source, result(success)).Inc()
}

func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.CacheHits.Inc()
}

func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.CacheMisses.Inc()
}

// Snapshot is a point-in-time summary used by the health endpoint
type Snapshot struct {
	Connections     float64 `json:"connections"`
	MarginCalls     float64 `json:"margin_calls"`
	CacheHitRatio   float64 `json:"cache_hit_ratio"`
	DroppedMessages float64 `json:"dropped_messages"`
}

// Snapshot reads current gauge and counter values.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	hits := readValue(c.CacheHits)
	misses := readValue(c.CacheMisses)

	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = hits / total
	}

	return Snapshot{
		Connections:     readValue(c.Connections),
		MarginCalls:     readValue(c.MarginCalls),
		CacheHitRatio:   ratio,
		DroppedMessages: sumVec(c.BroadcastDropped),
	}
}

func readValue(m prometheus.Metric) float64 {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0
	}
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func sumVec(vec *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()
	total := 0.0
	for m := range ch {
		total += readValue(m)
	}
	return total
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

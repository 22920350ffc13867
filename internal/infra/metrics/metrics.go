// Package metrics exports pool, loader, and orchestrator state to Prometheus.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cidadao-ai/internal/domain"
	"cidadao-ai/internal/infra/config"
	"cidadao-ai/internal/infra/middleware"
	"cidadao-ai/internal/usecase/loader"
	"cidadao-ai/internal/usecase/orchestrator"
	"cidadao-ai/internal/usecase/pool"
)

const namespace = "cidadao"

// Sources supply point-in-time snapshots. Nil sources are skipped.
type Sources struct {
	Pool         func() pool.Stats
	Loader       func() loader.Stats
	Orchestrator func() orchestrator.Stats
}

// Collector reads snapshots on every scrape and records step and workflow
// durations from bus events.
type Collector struct {
	src Sources

	poolInstances *prometheus.Desc
	poolCounters  *prometheus.Desc
	loaderLoaded  *prometheus.Desc
	loaderCounter *prometheus.Desc
	workflows     *prometheus.Desc
	running       *prometheus.Desc

	stepDuration     *prometheus.HistogramVec
	stepFailures     *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
}

// NewCollector creates a collector over src.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,
		poolInstances: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "instances"),
			"Agent instances per type and state.",
			[]string{"agent_type", "state"}, nil),
		poolCounters: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "events_total"),
			"Pool lifecycle counters.",
			[]string{"event"}, nil),
		loaderLoaded: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "loader", "factories_loaded"),
			"Agent factories currently loaded.",
			nil, nil),
		loaderCounter: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "loader", "events_total"),
			"Loader cache counters.",
			[]string{"event"}, nil),
		workflows: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "workflow", "executions_total"),
			"Workflow executions by outcome.",
			[]string{"outcome"}, nil),
		running: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "workflow", "running"),
			"Workflow executions in flight.",
			nil, nil),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Duration of completed workflow steps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "failures_total",
			Help:      "Terminal step failures.",
		}, []string{"agent", "reason"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "duration_seconds",
			Help:      "Duration of finished workflow executions.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"workflow_id", "status"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolInstances
	ch <- c.poolCounters
	ch <- c.loaderLoaded
	ch <- c.loaderCounter
	ch <- c.workflows
	ch <- c.running
	c.stepDuration.Describe(ch)
	c.stepFailures.Describe(ch)
	c.workflowDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Pool != nil {
		s := c.src.Pool()
		for name, ts := range s.Types {
			ch <- prometheus.MustNewConstMetric(c.poolInstances, prometheus.GaugeValue, float64(ts.InUse), name, "in_use")
			ch <- prometheus.MustNewConstMetric(c.poolInstances, prometheus.GaugeValue, float64(ts.Available), name, "available")
		}
		for event, v := range map[string]int64{
			"created":  s.Created,
			"reused":   s.Reused,
			"evicted":  s.Evicted,
			"errors":   s.Errors,
			"waits":    s.Waits,
			"timeouts": s.Timeouts,
		} {
			ch <- prometheus.MustNewConstMetric(c.poolCounters, prometheus.CounterValue, float64(v), event)
		}
	}
	if c.src.Loader != nil {
		s := c.src.Loader()
		ch <- prometheus.MustNewConstMetric(c.loaderLoaded, prometheus.GaugeValue, float64(s.LoadedCount))
		for event, v := range map[string]int64{
			"hit":        s.CacheHits,
			"miss":       s.CacheMisses,
			"eviction":   s.Evictions,
			"load_error": s.LoadErrors,
		} {
			ch <- prometheus.MustNewConstMetric(c.loaderCounter, prometheus.CounterValue, float64(v), event)
		}
	}
	if c.src.Orchestrator != nil {
		s := c.src.Orchestrator()
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(s.Running))
		for outcome, v := range map[string]int64{
			"started":   s.Started,
			"completed": s.Completed,
			"failed":    s.Failed,
			"timed_out": s.TimedOut,
			"rejected":  s.Rejected,
		} {
			ch <- prometheus.MustNewConstMetric(c.workflows, prometheus.CounterValue, float64(v), outcome)
		}
	}
	c.stepDuration.Collect(ch)
	c.stepFailures.Collect(ch)
	c.workflowDuration.Collect(ch)
}

type eventPayload struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	Agent      string `json:"agent"`
	Timeout    bool   `json:"timeout"`
	DurationMs int64  `json:"duration_ms"`
}

// Observe subscribes the collector to step and workflow events on bus and
// returns the unsubscribe function.
func (c *Collector) Observe(bus domain.EventBus) func() {
	unsubs := []func(){
		bus.Subscribe(domain.EventStepCompleted, c.record),
		bus.Subscribe(domain.EventStepFailed, c.record),
		bus.Subscribe(domain.EventWorkflowCompleted, c.record),
		bus.Subscribe(domain.EventWorkflowFailed, c.record),
		bus.Subscribe(domain.EventWorkflowTimedOut, c.record),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (c *Collector) record(_ context.Context, e domain.Event) {
	var p eventPayload
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return
		}
	}
	seconds := (time.Duration(p.DurationMs) * time.Millisecond).Seconds()

	switch e.Type {
	case domain.EventStepCompleted:
		c.stepDuration.WithLabelValues(p.Agent).Observe(seconds)
	case domain.EventStepFailed:
		reason := "error"
		if p.Timeout {
			reason = "timeout"
		}
		c.stepFailures.WithLabelValues(p.Agent, reason).Inc()
	case domain.EventWorkflowCompleted, domain.EventWorkflowFailed, domain.EventWorkflowTimedOut:
		c.workflowDuration.WithLabelValues(p.WorkflowID, p.Status).Observe(seconds)
	}
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Server exposes a registry over HTTP.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
	cancel context.CancelFunc
}

// Listen binds cfg.Addr and serves reg at cfg.Path in the background.
// A positive cfg.ScrapeLimit caps scrapes per minute per remote host.
func Listen(cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())

	mws := []middleware.Middleware{middleware.NoStore}
	if cfg.ScrapeLimit > 0 {
		mws = append(mws, middleware.RateLimit(ctx, cfg.ScrapeLimit, cfg.ScrapeLimit))
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, middleware.Chain(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), mws...))

	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
		cancel: cancel,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", ln.Addr().String(), "path", cfg.Path)
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.srv.Shutdown(ctx)
}

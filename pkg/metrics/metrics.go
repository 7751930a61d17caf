package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "nuxeo_stream"

// Collector holds all Prometheus metrics for computation runners and work queues
type Collector struct {
	// Runner metrics
	RecordsIn         *prometheus.CounterVec
	RecordsOut        *prometheus.CounterVec
	RecordsFiltered   *prometheus.CounterVec
	TimersFired       *prometheus.CounterVec
	LowWatermark      *prometheus.GaugeVec
	RunnersActive     *prometheus.GaugeVec
	RunnerRestarts    *prometheus.CounterVec
	RunnerFailures    *prometheus.CounterVec
	Rebalances        *prometheus.CounterVec
	ProcessingLatency *prometheus.HistogramVec

	// Checkpoint metrics
	CheckpointDuration *prometheus.HistogramVec
	CheckpointSuccess  *prometheus.CounterVec
	CheckpointFailure  *prometheus.CounterVec

	// Work metrics
	WorksScheduled *prometheus.CounterVec
	WorksExecuted  *prometheus.CounterVec
	WorksSkipped   *prometheus.CounterVec
	WorksFailed    *prometheus.CounterVec
	WorkDuration   *prometheus.HistogramVec

	// Error handling metrics
	ErrorMetrics *ErrorMetrics

	// queue gauges registered while a work manager runs
	queueGauges map[string][]prometheus.Collector
	queueMu     sync.Mutex

	registry *prometheus.Registry
	logger   *zap.Logger
}

// QueueEstimate is the sampled state of a work queue
type QueueEstimate struct {
	Scheduled int64
	Running   int64
	Completed int64
	Canceled  int64
}

// NewCollector creates a new Prometheus metrics collector on a private registry
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry:    registry,
		logger:      logger,
		queueGauges: make(map[string][]prometheus.Collector),
	}

	c.initMetrics()
	c.registerMetrics()
	c.ErrorMetrics = NewErrorMetrics(registry)

	return c
}

// initMetrics initializes all Prometheus metrics
func (c *Collector) initMetrics() {
	c.RecordsIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_in_total",
			Help:      "Total number of records read by computation runners",
		},
		[]string{"computation"},
	)

	c.RecordsOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_out_total",
			Help:      "Total number of records flushed to output streams",
		},
		[]string{"computation"},
	)

	c.RecordsFiltered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_filtered_total",
			Help:      "Total number of records dropped by a record filter",
		},
		[]string{"stream", "hook"},
	)

	c.TimersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Total number of computation timers fired",
		},
		[]string{"computation"},
	)

	c.LowWatermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "low_watermark_timestamp_seconds",
			Help:      "Timestamp of the last committed low watermark",
		},
		[]string{"computation"},
	)

	c.RunnersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runners_active",
			Help:      "Number of computation runners currently running",
		},
		[]string{"computation"},
	)

	c.RunnerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_restarts_total",
			Help:      "Total number of runners relaunched after a failure",
		},
		[]string{"computation"},
	)

	c.RunnerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_failures_total",
			Help:      "Total number of runners terminated by an error",
		},
		[]string{"computation"},
	)

	c.Rebalances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Total number of partition assignments received by runners",
		},
		[]string{"computation"},
	)

	c.ProcessingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_processing_seconds",
			Help:      "Time spent in ProcessRecord",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"computation"},
	)

	c.CheckpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time taken to complete a checkpoint",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"computation"},
	)

	c.CheckpointSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_success_total",
			Help:      "Total number of successful checkpoints",
		},
		[]string{"computation"},
	)

	c.CheckpointFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_failure_total",
			Help:      "Total number of failed checkpoints",
		},
		[]string{"computation"},
	)

	c.WorksScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "works_scheduled_total",
			Help:      "Total number of works appended to a queue",
		},
		[]string{"queue"},
	)

	c.WorksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "works_executed_total",
			Help:      "Total number of works run to completion",
		},
		[]string{"queue"},
	)

	c.WorksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "works_skipped_total",
			Help:      "Total number of works skipped without running",
		},
		[]string{"queue", "reason"},
	)

	c.WorksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "works_failed_total",
			Help:      "Total number of works failing after all retries",
		},
		[]string{"queue"},
	)

	c.WorkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "work_duration_seconds",
			Help:      "Work execution time",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (c *Collector) registerMetrics() {
	// Runner metrics
	c.registry.MustRegister(c.RecordsIn)
	c.registry.MustRegister(c.RecordsOut)
	c.registry.MustRegister(c.RecordsFiltered)
	c.registry.MustRegister(c.TimersFired)
	c.registry.MustRegister(c.LowWatermark)
	c.registry.MustRegister(c.RunnersActive)
	c.registry.MustRegister(c.RunnerRestarts)
	c.registry.MustRegister(c.RunnerFailures)
	c.registry.MustRegister(c.Rebalances)
	c.registry.MustRegister(c.ProcessingLatency)

	// Checkpoint metrics
	c.registry.MustRegister(c.CheckpointDuration)
	c.registry.MustRegister(c.CheckpointSuccess)
	c.registry.MustRegister(c.CheckpointFailure)

	// Work metrics
	c.registry.MustRegister(c.WorksScheduled)
	c.registry.MustRegister(c.WorksExecuted)
	c.registry.MustRegister(c.WorksSkipped)
	c.registry.MustRegister(c.WorksFailed)
	c.registry.MustRegister(c.WorkDuration)
}

// ObserveCheckpoint records the outcome of a checkpoint
func (c *Collector) ObserveCheckpoint(computation string, start time.Time, err error) {
	c.CheckpointDuration.WithLabelValues(computation).Observe(time.Since(start).Seconds())
	if err != nil {
		c.CheckpointFailure.WithLabelValues(computation).Inc()
		return
	}
	c.CheckpointSuccess.WithLabelValues(computation).Inc()
}

// RegisterQueue exposes the estimates of a work queue as gauges sampled on scrape.
// Registering a queue twice replaces the previous gauges.
func (c *Collector) RegisterQueue(queue string, sample func() QueueEstimate) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	c.unregisterQueueLocked(queue)
	values := map[string]func(QueueEstimate) int64{
		"scheduled": func(e QueueEstimate) int64 { return e.Scheduled },
		"running":   func(e QueueEstimate) int64 { return e.Running },
		"completed": func(e QueueEstimate) int64 { return e.Completed },
		"canceled":  func(e QueueEstimate) int64 { return e.Canceled },
	}
	gauges := make([]prometheus.Collector, 0, len(values))
	for name, value := range values {
		g := prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "work_queue",
				Name:        name,
				Help:        "Estimated number of " + name + " works",
				ConstLabels: prometheus.Labels{"queue": queue},
			},
			func() float64 { return float64(value(sample())) },
		)
		if err := c.registry.Register(g); err != nil {
			for _, registered := range gauges {
				c.registry.Unregister(registered)
			}
			return err
		}
		gauges = append(gauges, g)
	}
	c.queueGauges[queue] = gauges
	c.logger.Debug("Registered work queue metrics", zap.String("queue", queue))
	return nil
}

// UnregisterQueue removes the gauges of a work queue
func (c *Collector) UnregisterQueue(queue string) bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.unregisterQueueLocked(queue)
}

func (c *Collector) unregisterQueueLocked(queue string) bool {
	gauges, exists := c.queueGauges[queue]
	if !exists {
		return false
	}
	for _, g := range gauges {
		c.registry.Unregister(g)
	}
	delete(c.queueGauges, queue)
	return true
}

// Registry returns the private registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler for the /metrics endpoint
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Server creates an HTTP server for metrics exposition
type Server struct {
	collector *Collector
	server    *http.Server
	logger    *zap.Logger
	health    func() error
}

// NewServer creates a new metrics HTTP server, health reports an unhealthy process when it returns an error
func NewServer(addr string, collector *Collector, health func() error, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		collector: collector,
		logger:    logger,
		health:    health,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Start starts the metrics HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")
	return s.server.Close()
}

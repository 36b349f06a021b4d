package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/types"
)

// Collector records pipeline, pool, compression and cache metrics. It
// satisfies the observer interfaces of the session, transfer, compress and
// cache packages.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	// Prometheus metrics
	remoteOps        *prometheus.CounterVec
	remoteDuration   *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	transfers        *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	transferSize     *prometheus.HistogramVec
	compressions     *prometheus.CounterVec
	compressSaved    prometheus.Counter
	cacheLookups     *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	started    time.Time

	// HTTP server for a standalone metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Port serves Path on its own listener when non-zero. Otherwise the
	// HTTP API mounts Handler.
	Port int `yaml:"port"`

	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "attachstore",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := &Collector{
		config:     config,
		logger:     logger.With("component", "metrics"),
		operations: make(map[string]*OperationMetrics),
		started:    time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Enabled reports whether metrics are recorded.
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Path returns the path metrics are exposed on.
func (c *Collector) Path() string {
	return c.config.Path
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves metrics on a dedicated port when one is configured.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordRemoteOperation records one attempt of a remote operation.
func (c *Collector) RecordRemoteOperation(op string, class errors.Class, duration time.Duration) {
	if !c.config.Enabled {
		return
	}

	outcome := string(class)
	if outcome == "" {
		outcome = "success"
	}
	c.remoteOps.WithLabelValues(op, outcome).Inc()
	c.remoteDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRetry records a retry of a remote operation.
func (c *Collector) RecordRetry(op string) {
	if !c.config.Enabled {
		return
	}
	c.retries.WithLabelValues(op).Inc()
}

// RecordTransfer records a completed upload, download or delete.
func (c *Collector) RecordTransfer(op string, bytes int64, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	c.track(op, duration, bytes, err == nil)

	status := "success"
	if err != nil {
		status = string(errors.Classify(err))
	}
	c.transfers.WithLabelValues(op, status).Inc()
	c.transferDuration.WithLabelValues(op).Observe(duration.Seconds())
	if bytes > 0 {
		c.transferSize.WithLabelValues(op).Observe(float64(bytes))
	}
}

// RecordCompression records the outcome of a compression attempt.
func (c *Collector) RecordCompression(outcome string, originalSize, size int) {
	if !c.config.Enabled {
		return
	}
	c.compressions.WithLabelValues(outcome).Inc()
	if size < originalSize {
		c.compressSaved.Add(float64(originalSize - size))
	}
}

// RecordCacheLookup records a lookup in one cache tier.
func (c *Collector) RecordCacheLookup(tier string, hit bool) {
	if !c.config.Enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(tier, result).Inc()
}

// RegisterPool exposes session pool gauges read from stats at scrape time.
func (c *Collector) RegisterPool(stats func() types.PoolStats) error {
	if !c.config.Enabled {
		return nil
	}

	gauges := map[string]struct {
		help  string
		value func(types.PoolStats) float64
	}{
		"pool_sessions_active":  {"Sessions currently checked out", func(s types.PoolStats) float64 { return float64(s.Active) }},
		"pool_sessions_idle":    {"Open sessions waiting for reuse", func(s types.PoolStats) float64 { return float64(s.Idle) }},
		"pool_waiters":          {"Callers waiting for a session", func(s types.PoolStats) float64 { return float64(s.Waiting) }},
		"pool_sessions_max":     {"Maximum number of sessions", func(s types.PoolStats) float64 { return float64(s.MaxSize) }},
		"pool_sessions_created": {"Sessions dialed since start", func(s types.PoolStats) float64 { return float64(s.Created) }},
		"pool_acquire_timeouts": {"Acquisitions that timed out", func(s types.PoolStats) float64 { return float64(s.Timeouts) }},
	}

	for name, g := range gauges {
		value := g.value
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        g.help,
			ConstLabels: c.config.Labels,
		}, func() float64 { return value(stats()) })
		if err := c.registry.Register(gauge); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCache exposes per-tier cache size and entry gauges read from
// stats at scrape time.
func (c *Collector) RegisterCache(stats func() map[string]types.CacheStats) error {
	if !c.config.Enabled {
		return nil
	}

	for _, tier := range []string{"memory", "disk"} {
		labels := prometheus.Labels{"tier": tier}
		for k, v := range c.config.Labels {
			labels[k] = v
		}

		size := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cache_size_bytes",
			Help:        "Current cache size in bytes",
			ConstLabels: labels,
		}, func() float64 { return float64(stats()[tier].Size) })

		entries := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cache_entries",
			Help:        "Current number of cache entries",
			ConstLabels: labels,
		}, func() float64 { return float64(stats()[tier].Entries) })

		for _, g := range []prometheus.Collector{size, entries} {
			if err := c.registry.Register(g); err != nil {
				return err
			}
		}
	}
	return nil
}

// Summary is the in-process view of recorded operations, keyed by
// operation name.
type Summary struct {
	Operations map[string]OperationMetrics `json:"operations"`
	Since      time.Time                   `json:"since"`
	Uptime     time.Duration               `json:"uptime"`
}

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}

	return Summary{
		Operations: operations,
		Since:      c.started,
		Uptime:     time.Since(c.started),
	}
}

func (c *Collector) track(operation string, duration time.Duration, size int64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, exists := c.operations[operation]
	if !exists {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.remoteOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "remote_operations_total",
			Help:        "Remote operation attempts by outcome class",
			ConstLabels: labels,
		},
		[]string{"operation", "outcome"},
	)

	c.remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "remote_operation_duration_seconds",
			Help:        "Duration of remote operation attempts in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "remote_retries_total",
			Help:        "Retries of remote operations",
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "transfers_total",
			Help:        "Completed transfers by status",
			ConstLabels: labels,
		},
		[]string{"operation", "status"},
	)

	c.transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "transfer_duration_seconds",
			Help:        "Duration of transfers in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15),
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.transferSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "transfer_size_bytes",
			Help:        "Size of transfers in bytes",
			Buckets:     prometheus.ExponentialBuckets(1024, 2, 16), // 1KB to ~32MB
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.compressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "compressions_total",
			Help:        "Image compression attempts by outcome",
			ConstLabels: labels,
		},
		[]string{"outcome"},
	)

	c.compressSaved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "compression_saved_bytes_total",
			Help:        "Bytes saved by image compression",
			ConstLabels: labels,
		},
	)

	c.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_requests_total",
			Help:        "Cache lookups by tier and result",
			ConstLabels: labels,
		},
		[]string{"tier", "result"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.remoteOps,
		c.remoteDuration,
		c.retries,
		c.transfers,
		c.transferDuration,
		c.transferSize,
		c.compressions,
		c.compressSaved,
		c.cacheLookups,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bundlecache/bundlecache/internal/cache"
	"github.com/bundlecache/bundlecache/internal/persist"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

var (
	_ cache.Observer   = (*Collector)(nil)
	_ persist.Observer = (*Collector)(nil)
)

// Collector records cache metrics on its own Prometheus registry
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	lookupCounter   *prometheus.CounterVec
	lookupDuration  *prometheus.HistogramVec
	storeCounter    *prometheus.CounterVec
	writeCounter    *prometheus.CounterVec
	flushDuration   *prometheus.HistogramVec
	flushedTasks    *prometheus.CounterVec
	pendingGauge    *prometheus.GaugeVec
	memoryEntries   *prometheus.GaugeVec
	evictionCounter prometheus.Counter
	generationGauge prometheus.Gauge
	buildDuration   prometheus.Histogram

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool                    `yaml:"enabled"`
	Address   string                  `yaml:"address"`
	Path      string                  `yaml:"path"`
	Labels    map[string]string       `yaml:"labels"`
	Namespace string                  `yaml:"namespace"`
	Logger    *utils.StructuredLogger `yaml:"-"`
}

// OperationMetrics tracks one tier operation
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "bundlecache",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Registry returns the collector's registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint when an address is configured
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              c.config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	c.logger.Info("metrics endpoint listening", map[string]interface{}{"address": c.config.Address})

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// ObserveLookup implements cache.Observer
func (c *Collector) ObserveLookup(tier string, state cache.ResultState, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.lookupCounter.With(prometheus.Labels{"tier": tier, "result": state.String()}).Inc()
	c.lookupDuration.With(prometheus.Labels{"tier": tier}).Observe(duration.Seconds())
	c.track(tier+":get", duration, nil)
}

// ObserveStore implements cache.Observer
func (c *Collector) ObserveStore(tier string, err error, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.storeCounter.With(prometheus.Labels{"tier": tier, "status": status(err)}).Inc()
	c.track(tier+":store", duration, err)
}

// ObserveWrite implements persist.Observer
func (c *Collector) ObserveWrite(tier string, err error) {
	if !c.config.Enabled {
		return
	}
	c.writeCounter.With(prometheus.Labels{"tier": tier, "status": status(err)}).Inc()
}

// ObserveFlush implements persist.Observer
func (c *Collector) ObserveFlush(tier string, tasks int, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	c.flushDuration.With(prometheus.Labels{"tier": tier}).Observe(duration.Seconds())
	c.flushedTasks.With(prometheus.Labels{"tier": tier}).Add(float64(tasks))
	c.track(tier+":flush", duration, err)
}

// ObservePending implements persist.Observer
func (c *Collector) ObservePending(tier string, pending int) {
	if !c.config.Enabled {
		return
	}
	c.pendingGauge.With(prometheus.Labels{"tier": tier}).Set(float64(pending))
}

// ObserveGC records a generational collection. It matches
// cache.GenerationalConfig.OnCollect.
func (c *Collector) ObserveGC(stats cache.GCStats) {
	if !c.config.Enabled {
		return
	}
	c.evictionCounter.Add(float64(stats.Removed))
	c.generationGauge.Set(float64(stats.Generation))
	c.memoryEntries.With(prometheus.Labels{"state": "active"}).Set(float64(stats.Active))
	c.memoryEntries.With(prometheus.Labels{"state": "aged"}).Set(float64(stats.Aged))
}

// ObserveBuild records the duration of a completed build.
func (c *Collector) ObserveBuild(duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.buildDuration.Observe(duration.Seconds())
}

func (c *Collector) track(operation string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	if err != nil {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
}

// GetMetrics returns a copy of the per-operation tracking, keyed "tier:op"
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets the per-operation tracking
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Helper methods

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	labels := prometheus.Labels(c.config.Labels)

	c.lookupCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "lookups_total",
			Help:        "Cache lookups per tier by result",
			ConstLabels: labels,
		},
		[]string{"tier", "result"},
	)

	c.lookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "lookup_duration_seconds",
			Help:        "Duration of tier lookups in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.storeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "stores_total",
			Help:        "Store events handed to each tier",
			ConstLabels: labels,
		},
		[]string{"tier", "status"},
	)

	c.writeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "persisted_writes_total",
			Help:        "Writes to persistence strategies",
			ConstLabels: labels,
		},
		[]string{"tier", "status"},
	)

	c.flushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "flush_duration_seconds",
			Help:        "Duration of persistence batches and checkpoints in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.flushedTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "flushed_tasks_total",
			Help:        "Persistence tasks settled by batches and checkpoints",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.pendingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "pending_tasks",
			Help:        "Persistence tasks not yet settled",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.memoryEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "memory_entries",
			Help:        "Entries held by the generational memory tier",
			ConstLabels: labels,
		},
		[]string{"state"},
	)

	c.evictionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "evictions_total",
			Help:        "Entries removed from memory after outliving their generations",
			ConstLabels: labels,
		},
	)

	c.generationGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "generation",
			Help:        "Current generation of the memory tier",
			ConstLabels: labels,
		},
	)

	c.buildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "build_duration_seconds",
			Help:        "Duration of completed builds in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
			ConstLabels: labels,
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.lookupCounter,
		c.lookupDuration,
		c.storeCounter,
		c.writeCounter,
		c.flushDuration,
		c.flushedTasks,
		c.pendingGauge,
		c.memoryEntries,
		c.evictionCounter,
		c.generationGauge,
		c.buildDuration,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"bundlecache-metrics"}`)) // Ignore write error for health check
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	operations := c.GetMetrics()

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(operations)
		return
	}

	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Cache Operations Summary\n")
	writef("========================\n\n")
	writef("Uptime: %v\n\n", time.Since(lastReset).Round(time.Second))

	if len(operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-24s %10s %10s %14s %10s\n", "Operation", "Count", "Errors", "Avg Duration", "Last Op")
	writef("%-24s %10s %10s %14s %10s\n", "---------", "-----", "------", "------------", "-------")
	for _, name := range names {
		op := operations[name]
		writef("%-24s %10d %10d %14v %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.LastOperation.Format("15:04:05"))
	}
}

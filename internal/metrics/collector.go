package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gwdatafind/datafind-server/internal/store"
)

// Query outcome labels
const (
	StatusOK    = "ok"
	StatusEmpty = "empty"
	StatusError = "error"
)

// Collector records refresh and query metrics for the data-find server
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	refreshCounter     *prometheus.CounterVec
	malformedCounter   *prometheus.CounterVec
	generationGauge    *prometheus.GaugeVec
	entriesGauge       *prometheus.GaugeVec
	lastSuccessGauge   *prometheus.GaugeVec
	queryCounter       *prometheus.CounterVec
	queryDuration      *prometheus.HistogramVec
	queryResults       *prometheus.HistogramVec
	authorizationCount *prometheus.CounterVec
	healthGauge        *prometheus.GaugeVec

	// Internal tracking
	operations map[string]*OperationMetrics
	since      time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific query operation
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalResults  int64         `json:"total_results"`
	Empty         int64         `json:"empty"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

var _ store.Observer = (*Collector)(nil)

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "datafind",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		since:      time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Enabled reports whether metrics are being recorded.
func (c *Collector) Enabled() bool {
	return c != nil && c.config.Enabled
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RefreshSucceeded implements store.Observer.
func (c *Collector) RefreshSucceeded(name string, res store.Result, generation uint64) {
	if !c.Enabled() {
		return
	}
	c.refreshCounter.WithLabelValues(name, "success").Inc()
	if res.Malformed > 0 {
		c.malformedCounter.WithLabelValues(name).Add(float64(res.Malformed))
	}
	c.generationGauge.WithLabelValues(name).Set(float64(generation))
	c.entriesGauge.WithLabelValues(name).Set(float64(res.Entries))
	c.lastSuccessGauge.WithLabelValues(name).SetToCurrentTime()
}

// RefreshSkipped implements store.Observer.
func (c *Collector) RefreshSkipped(name string) {
	if !c.Enabled() {
		return
	}
	c.refreshCounter.WithLabelValues(name, "unchanged").Inc()
}

// RefreshFailed implements store.Observer.
func (c *Collector) RefreshFailed(name string, _ error) {
	if !c.Enabled() {
		return
	}
	c.refreshCounter.WithLabelValues(name, "failure").Inc()
}

// RecordQuery records one query with its duration and result count. A nil
// error with no results counts as empty, not as an error.
func (c *Collector) RecordQuery(operation string, duration time.Duration, results int, err error) {
	if !c.Enabled() {
		return
	}

	status := StatusOK
	switch {
	case err != nil:
		status = StatusError
	case results == 0:
		status = StatusEmpty
	}

	c.mu.Lock()
	op, exists := c.operations[operation]
	if !exists {
		op = &OperationMetrics{}
		c.operations[operation] = op
	}
	op.Count++
	op.TotalDuration += duration
	op.TotalResults += int64(results)
	switch status {
	case StatusError:
		op.Errors++
	case StatusEmpty:
		op.Empty++
	}
	op.LastOperation = time.Now()
	op.AvgDuration = time.Duration(int64(op.TotalDuration) / op.Count)
	c.mu.Unlock()

	c.queryCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status,
	}).Inc()
	c.queryDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())
	if err == nil {
		c.queryResults.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(results))
	}
}

// RecordAuthorization counts an authorization decision.
func (c *Collector) RecordAuthorization(allowed bool) {
	if !c.Enabled() {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	c.authorizationCount.WithLabelValues(result).Inc()
}

// SetHealthState exports a component's health state, encoded as the
// ordinal of its state (0 healthy, higher is worse).
func (c *Collector) SetHealthState(component string, state int) {
	if !c.Enabled() {
		return
	}
	c.healthGauge.WithLabelValues(component).Set(float64(state))
}

// GetMetrics returns a copy of the per-operation query counters
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		operations[k] = &cp
	}

	return map[string]interface{}{
		"operations":     operations,
		"since":          c.since,
		"uptime_seconds": time.Since(c.since).Seconds(),
	}
}

// Helper methods

func (c *Collector) initMetrics() {
	constLabels := prometheus.Labels(c.config.Labels)

	c.refreshCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "refresh_total",
			Help:        "Refresh cycles by store and result",
			ConstLabels: constLabels,
		},
		[]string{"store", "result"},
	)

	c.malformedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "malformed_lines_total",
			Help:        "Malformed lines skipped in published snapshots",
			ConstLabels: constLabels,
		},
		[]string{"store"},
	)

	c.generationGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "snapshot_generation",
			Help:        "Generation number of the published snapshot",
			ConstLabels: constLabels,
		},
		[]string{"store"},
	)

	c.entriesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "snapshot_entries",
			Help:        "Entries in the published snapshot",
			ConstLabels: constLabels,
		},
		[]string{"store"},
	)

	c.lastSuccessGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "last_refresh_success_timestamp_seconds",
			Help:        "Unix time of the last published snapshot",
			ConstLabels: constLabels,
		},
		[]string{"store"},
	)

	c.queryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "queries_total",
			Help:        "Queries by operation and outcome",
			ConstLabels: constLabels,
		},
		[]string{"operation", "status"},
	)

	c.queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "query_duration_seconds",
			Help:        "Duration of queries in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	c.queryResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "query_results",
			Help:        "Number of items returned per query",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 10),
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	c.authorizationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "authorization_total",
			Help:        "Authorization decisions",
			ConstLabels: constLabels,
		},
		[]string{"result"},
	)

	c.healthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "component_health_state",
			Help:        "Health state per component: 0 healthy, 1 degraded, 2 starting, 3 unavailable",
			ConstLabels: constLabels,
		},
		[]string{"component"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.refreshCounter,
		c.malformedCounter,
		c.generationGauge,
		c.entriesGauge,
		c.lastSuccessGauge,
		c.queryCounter,
		c.queryDuration,
		c.queryResults,
		c.authorizationCount,
		c.healthGauge,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// DebugHandler serves GetMetrics as JSON.
func (c *Collector) DebugHandler() http.Handler {
	return http.HandlerFunc(c.debugOperationsHandler)
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c.GetMetrics()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Package observability provides logging and metrics for the Hive.
package observability

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Telemetry provides unified observability for the Hive.
type Telemetry struct {
	logger  *zap.Logger
	metrics *Metrics
	config  Config
}

// Config configures telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string
	LogLevel       string
	LogFormat      string // json, console
	MetricsEnabled bool
}

// Metrics holds Prometheus metrics for the Hive pipeline.
type Metrics struct {
	// Agent channel metrics
	AgentsConnected      prometheus.Gauge
	InstructionsEnqueued *prometheus.CounterVec
	HeartbeatTicks       prometheus.Counter

	// Ingestion metrics
	RowsIngested    *prometheus.CounterVec
	SubscribersLive prometheus.Gauge

	// Pipeline metrics
	EventsProcessed  *prometheus.CounterVec
	RuleMatches      *prometheus.CounterVec
	AlertsDispatched *prometheus.CounterVec
	AnomalyScores    prometheus.Histogram

	// Playbook metrics
	PlaybooksExecuted *prometheus.CounterVec
	PlaybookSteps     *prometheus.CounterVec
	PlaybookDuration  *prometheus.HistogramVec

	// Federation metrics
	FederatedQueries *prometheus.CounterVec
	NodeFailures     *prometheus.CounterVec

	// Threat intel metrics
	IndicatorsLoaded *prometheus.CounterVec
	IntelLookups     *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge
}

// New creates a Telemetry instance.
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{config: cfg}

	logger, err := t.initLogger()
	if err != nil {
		return nil, err
	}
	t.logger = logger

	if cfg.MetricsEnabled {
		t.metrics = initMetrics()
	}

	return t, nil
}

// initLogger initializes structured logging.
func (t *Telemetry) initLogger() (*zap.Logger, error) {
	var config zap.Config

	if t.config.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch t.config.LogLevel {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.InitialFields = map[string]interface{}{
		"service": t.config.ServiceName,
		"version": t.config.ServiceVersion,
	}

	return config.Build()
}

func initMetrics() *Metrics {
	namespace := "hive"

	return &Metrics{
		AgentsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Currently connected agents",
		}),
		InstructionsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instructions_enqueued_total",
			Help:      "Outbound instructions enqueued by type",
		}, []string{"type"}),
		HeartbeatTicks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_ticks_total",
			Help:      "Heartbeat delivery ticks served",
		}),
		RowsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_ingested_total",
			Help:      "Query result rows ingested by agent",
		}, []string{"agent"}),
		SubscribersLive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Live query-result subscribers",
		}),
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events run through the pipeline by type",
		}, []string{"type"}),
		RuleMatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Detection rule matches by level",
		}, []string{"level"}),
		AlertsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dispatched_total",
			Help:      "Alerts handed to collaborators by kind",
		}, []string{"kind"}),
		AnomalyScores: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Anomaly score distribution",
			Buckets:   []float64{0, 10, 25, 50, 80, 120, 200},
		}),
		PlaybooksExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbooks_executed_total",
			Help:      "Playbook executions by playbook and status",
		}, []string{"playbook", "status"}),
		PlaybookSteps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbook_steps_total",
			Help:      "Playbook steps executed by action and status",
		}, []string{"action", "status"}),
		PlaybookDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playbook_duration_seconds",
			Help:      "Playbook execution duration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"playbook"}),
		FederatedQueries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federated_queries_total",
			Help:      "Federated queries by outcome",
		}, []string{"status"}),
		NodeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_node_failures_total",
			Help:      "Per-node federated query failures",
		}, []string{"node"}),
		IndicatorsLoaded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indicators_loaded_total",
			Help:      "Threat indicators loaded by feed",
		}, []string{"feed"}),
		IntelLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intel_lookups_total",
			Help:      "Indicator lookups by result",
		}, []string{"result"}),
		GoroutineCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_count",
			Help:      "Current goroutine count",
		}),
		MemoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),
	}
}

// Logger returns the logger.
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Metrics returns the metrics, nil when disabled.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// MetricsHandler returns the Prometheus metrics handler.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// StartSystemMetricsCollector starts collecting runtime gauges.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				t.metrics.MemoryUsage.Set(float64(m.Alloc))
			}
		}
	}()
}

// Shutdown flushes buffered log entries.
func (t *Telemetry) Shutdown() {
	_ = t.logger.Sync()
}

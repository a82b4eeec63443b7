// Package main is the entry point for the Osiris Hive server: the
// central EDR component that terminates agent connections, processes
// telemetry through the detection pipeline, and serves the operator
// API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/agent"
	"github.com/lvonguyen/osiris-hive/internal/anomaly"
	"github.com/lvonguyen/osiris-hive/internal/api"
	"github.com/lvonguyen/osiris-hive/internal/config"
	"github.com/lvonguyen/osiris-hive/internal/detect"
	"github.com/lvonguyen/osiris-hive/internal/enrich"
	"github.com/lvonguyen/osiris-hive/internal/federation"
	"github.com/lvonguyen/osiris-hive/internal/ingest"
	"github.com/lvonguyen/osiris-hive/internal/intel"
	"github.com/lvonguyen/osiris-hive/internal/notify"
	"github.com/lvonguyen/osiris-hive/internal/observability"
	"github.com/lvonguyen/osiris-hive/internal/pipeline"
	"github.com/lvonguyen/osiris-hive/internal/playbook"
	"github.com/lvonguyen/osiris-hive/internal/risk"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

// Version information (injected at build time via ldflags).
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("osiris-hive %s (commit: %s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v, using defaults\n", err)
		cfg = config.DefaultConfig()
	}

	telemetry, err := observability.New(observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		LogLevel:       cfg.Telemetry.LogLevel,
		LogFormat:      cfg.Telemetry.LogFormat,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	defer telemetry.Shutdown()
	logger := telemetry.Logger()
	metrics := telemetry.Metrics()

	logger.Info("starting osiris hive",
		zap.String("version", Version),
		zap.String("config", *configPath),
	)
	api.Version = Version

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs production deployments; the in-memory store keeps
	// development setups running without one.
	var kv store.Store
	redisStore, err := store.NewRedisStore(
		cfg.Redis.Addr,
		os.Getenv(cfg.Redis.PasswordEnv),
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
	)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-memory store", zap.Error(err))
		kv = store.NewMemoryStore()
	} else {
		kv = redisStore
	}
	defer kv.Close()

	// Threat intel.
	intelStore := intel.NewStore(kv, cfg.Intel, metrics, logger)
	vtClient := intel.NewVirusTotalClient(cfg.Intel.VirusTotal, kv, logger)
	go intelStore.RunPeriodicUpdates(ctx, cfg.Intel.UpdateInterval)

	// Agent control channel.
	registry := agent.NewRegistry(cfg.Agents.MaxQueueDepth, logger)
	channel := agent.NewChannel(registry, cfg.Agents.HeartbeatInterval, cfg.Agents.WriteTimeout, metrics, logger)

	// Outbound collaborators and the playbook action executor.
	notifiers := make([]notify.Notifier, 0, len(cfg.Notify.Webhooks))
	for channelName, url := range cfg.Notify.Webhooks {
		notifiers = append(notifiers, notify.NewWebhookNotifier(channelName, url, nil))
	}
	dispatcher := notify.NewDispatcher(notifiers, logger)
	cases := notify.NewStoreCaseManager(kv, logger)
	executor := notify.NewExecutor(registry, cases, dispatcher, kv, logger)

	playbooks := playbook.NewEngine(executor, kv, cfg.Playbooks.DryRun, logger)
	if count, err := playbooks.LoadPlaybooks(cfg.Playbooks.Path); err != nil {
		logger.Warn("playbook loading failed", zap.Error(err))
	} else {
		logger.Info("playbooks loaded", zap.Int("count", count))
	}

	// Detection pipeline.
	handler := pipeline.NewAlertHandler(playbooks, dispatcher, metrics, logger)
	detector := detect.NewEngine(cfg.Detection.Product, handler, logger)
	if count, err := detector.LoadRules(cfg.Detection.RulesPath); err != nil {
		logger.Warn("rule loading failed", zap.Error(err))
	} else {
		logger.Info("detection rules loaded", zap.Int("count", count))
	}

	scorer := anomaly.NewScorer(anomaly.NewStoreBaselines(kv), logger)
	accumulator := risk.NewAccumulator(kv, risk.Config{
		DecayFactor:       cfg.Risk.DecayFactor,
		CriticalThreshold: cfg.Risk.CriticalThreshold,
		HighThreshold:     cfg.Risk.HighThreshold,
		ScoreTTL:          cfg.Risk.ScoreTTL,
	}, handler, logger)
	enricher := enrich.New(intelStore, nil, logger)
	pipe := pipeline.New(enricher, detector, scorer, accumulator, metrics, logger)

	// Query result ingestion.
	hub := ingest.NewHub(logger)
	ingestor := ingest.NewIngestor(hub, intelStore, vtClient, metrics, logger)

	// Federation.
	var fed *federation.Engine
	if len(cfg.Federation.Nodes) > 0 {
		nodes := make([]federation.NodeClient, 0, len(cfg.Federation.Nodes))
		for _, nodeCfg := range cfg.Federation.Nodes {
			nodes = append(nodes, federation.NewHTTPNodeClient(nodeCfg, nil))
		}
		fed = federation.NewEngine(nodes, kv, cfg.Federation, metrics, logger)
		go fed.RunPeriodicCleanup(ctx, time.Hour)
		logger.Info("federation enabled", zap.Int("nodes", len(nodes)))
	}

	var limiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		var redisClient *redis.Client
		if redisStore != nil {
			redisClient = redisStore.Client()
		}
		limiter = api.NewRateLimiter(redisClient, cfg.RateLimit.RequestsPerMinute, logger)
	}

	telemetry.StartSystemMetricsCollector(ctx)

	srv := api.NewServer(api.Deps{
		KV:             kv,
		Registry:       registry,
		Channel:        channel,
		Pipeline:       pipe,
		Ingestor:       ingestor,
		Hub:            hub,
		Intel:          intelStore,
		Detector:       detector,
		Scorer:         scorer,
		Risk:           accumulator,
		Playbooks:      playbooks,
		Federation:     fed,
		Cases:          cases,
		Limiter:        limiter,
		Metrics:        metrics,
		MetricsHandler: telemetry.MetricsHandler(),
		RulesPath:      cfg.Detection.RulesPath,
		PlaybooksPath:  cfg.Playbooks.Path,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

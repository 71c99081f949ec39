// alarm-backend runs the alerting pipeline worker fleet: catalog cache,
// access, no-data, detect, alert manager, converge/shield, action executor
// and the ops HTTP API. --services selects a subset.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/access"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/action"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/action/provider"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/api"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/cmdb"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/converge"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/detect"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/telemetry"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/tsdb"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/kafka"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/shared"
)

var allServices = []string{"access", "nodata", "detect", "alert-manager", "converge", "action", "api"}

func main() {
	var configPath string
	var servicesFlag string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.StringVar(&servicesFlag, "services", "all", "comma separated services to run (access,nodata,detect,alert-manager,converge,action,api)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	services, err := parseServices(servicesFlag)
	if err != nil {
		slog.Error("Invalid --services", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting alarm backend",
		"cluster", cfg.ClusterName,
		"services", servicesFlag,
		"kafka_brokers", cfg.Kafka.Brokers,
		"redis_addr", cfg.Redis.Addr,
		"postgres_dsn", shared.MaskDSN(cfg.Postgres.DSN),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	rdb, err := shared.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}

	ensureTopics(cfg)

	tel := telemetry.New()

	refreshInterval := time.Duration(cfg.Catalog.RefreshIntervalSeconds) * time.Second
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	cat := catalog.NewCache(catalog.NewPgStoreFromConn(db), cfg.ClusterName, refreshInterval)
	cat.ConfigureQoS(cfg.Access.QoSDropSources, cfg.Access.QoSBackoffMultiplier)
	if err := cat.Refresh(ctx); err != nil {
		slog.Error("Failed to load initial catalog", "error", err)
		os.Exit(1)
	}

	alertStore := alert.NewPgStoreFromConn(db)
	cmdbProvider := cmdb.NewClient(cfg.CMDB.BaseURL, timeoutFrom(cfg.CMDB.TimeoutSeconds))
	querier := newQuerier(cfg)

	var wg sync.WaitGroup
	runService := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				slog.Error("Service stopped with error", "service", name, "error", err)
				cancel()
			}
		}()
	}

	runService("catalog", cat.Run)
	catalogCollector := metrics.NewCollector("catalog", rdb)
	catalogCollector.Start(ctx)
	defer catalogCollector.Stop()

	if services["access"] {
		producer, err := access.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.PointsTopic)
		if err != nil {
			slog.Error("Failed to create points producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		collector := metrics.NewCollector("access", rdb)
		collector.Start(ctx)
		defer collector.Stop()

		worker := access.NewWorker(cfg.Access, cfg.ClusterName, cat, rdb, querier,
			producer, tel, collector, cfg.Kafka.PointsTopic)
		runService("access", worker.Run)
	}

	if services["nodata"] {
		producer, err := detect.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AnomalyTopic, cfg.Kafka.DeadLetterTopic, cfg.Kafka.PointsTopic)
		if err != nil {
			slog.Error("Failed to create no-data anomaly producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		checker := access.NewNoDataChecker(cfg.ClusterName, cat, rdb, querier, producer, tel)
		runService("nodata", checker.Run)
	}

	if services["detect"] {
		consumer, err := detect.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.PointsTopic, cfg.Kafka.ConsumerGroup+"-detect")
		if err != nil {
			slog.Error("Failed to create detect consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		producer, err := detect.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AnomalyTopic, cfg.Kafka.DeadLetterTopic, cfg.Kafka.PointsTopic)
		if err != nil {
			slog.Error("Failed to create anomaly producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		collector := metrics.NewCollector("detect", rdb)
		collector.Start(ctx)
		defer collector.Stop()

		processor := detect.NewProcessor(cfg.Detect, consumer, producer, cat,
			detect.NewRegistry(), detect.NewHistoryCache(querier, cfg.Detect.HistoryCache),
			detect.NewTriggerChecker(rdb), rdb, tel, collector)
		runService("detect", processor.Run)
	}

	if services["alert-manager"] {
		consumer, err := alert.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.AnomalyTopic, cfg.Kafka.ConsumerGroup+"-alert")
		if err != nil {
			slog.Error("Failed to create alert consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		signals, err := alert.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AlertSignalTopic)
		if err != nil {
			slog.Error("Failed to create signal producer", "error", err)
			os.Exit(1)
		}
		defer signals.Close()

		requeue, err := alert.NewRequeueProducer(cfg.Kafka.Brokers, cfg.Kafka.AnomalyTopic)
		if err != nil {
			slog.Error("Failed to create requeue producer", "error", err)
			os.Exit(1)
		}
		defer requeue.Close()

		collector := metrics.NewCollector("alert-manager", rdb)
		collector.Start(ctx)
		defer collector.Stop()

		pipeline := alert.NewPipeline(
			alert.NewSnapshotEnricher(cat, redisx.NewSnapshotStore(rdb)),
			alert.NewHostEnricher(cmdbProvider),
			alert.NewServiceInstanceEnricher(cmdbProvider),
			alert.NewAliasEnricher(cat),
			alert.NewWhitelistEnricher(cat),
		)

		manager := alert.NewManager(cfg.Alert, consumer, signals, requeue,
			alertStore, cat, rdb, pipeline, tel, collector)
		runService("alert-manager", manager.Run)

		checker := alert.NewChecker(cfg.Alert, alertStore, cat, rdb, signals, tel)
		runService("alert-checker", checker.Run)
	}

	if services["converge"] {
		consumer, err := converge.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.AlertSignalTopic, cfg.Kafka.ConsumerGroup+"-converge")
		if err != nil {
			slog.Error("Failed to create converge consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		producer, err := converge.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ActionTriggerTopic)
		if err != nil {
			slog.Error("Failed to create trigger producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		collector := metrics.NewCollector("converge", rdb)
		collector.Start(ctx)
		defer collector.Stop()

		shielders := []converge.Shielder{
			converge.NewGlobalShielder(rdb),
			converge.NewTimeWindowShielder(),
			converge.NewConfigShielder(cat, cmdbProvider),
		}
		processor := converge.NewProcessor(cfg.Converge, consumer, producer,
			alertStore, cat, rdb, shielders, tel, collector)
		runService("converge", processor.Run)
	}

	if services["action"] {
		consumer, err := action.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ActionTriggerTopic, cfg.Kafka.ConsumerGroup+"-action")
		if err != nil {
			slog.Error("Failed to create action consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		collector := metrics.NewCollector("action", rdb)
		collector.Start(ctx)
		defer collector.Stop()

		registry, approver := buildChannels(cfg.Action)
		executor := action.NewExecutor(cfg.Action, consumer, action.NewPgStoreFromConn(db),
			alertStore, cat, rdb, registry, approver, tel, collector)
		runService("action", executor.Run)
	}

	if services["api"] {
		server := api.NewServer(cfg.API, alertStore, cat, rdb, tel)
		runService("api", server.Run)
	}

	wg.Wait()
	slog.Info("Alarm backend stopped")
}

// buildChannels assembles the dispatch channel registry and the approval
// backend from the action config.
func buildChannels(cfg config.ActionConfig) (*action.Registry, action.Approver) {
	providers := provider.NewRegistry()
	if cfg.AWSRegion != "" {
		providers.Register(provider.NewSESProvider(cfg.AWSRegion))
	}
	if cfg.ResendAPIKey != "" {
		providers.Register(provider.NewResendProvider(cfg.ResendAPIKey))
	}
	if cfg.SMTPHost != "" {
		providers.Register(provider.NewSMTPProvider(provider.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
		}))
	}
	if cfg.EmailProvider != "" {
		if err := providers.SetPrimary(cfg.EmailProvider); err != nil {
			slog.Warn("Unknown primary email provider", "provider", cfg.EmailProvider)
		}
	}

	registry := action.NewRegistry()
	registry.Register(action.NewEmailChannel(providers, cfg.EmailFrom))
	registry.Register(action.NewWebhookChannel())
	registry.Register(action.NewIMChannel())

	pollInterval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if cfg.JobPlatformURL != "" {
		registry.Register(action.NewJobChannel(cfg.JobPlatformURL, pollInterval))
	}
	if cfg.SopsURL != "" {
		registry.Register(action.NewSopsChannel(cfg.SopsURL, pollInterval))
	}

	var approver action.Approver
	if cfg.ItsmURL != "" {
		itsm := action.NewITSMChannel(cfg.ItsmURL, pollInterval)
		registry.Register(itsm)
		approver = itsm
	}
	return registry, approver
}

// newQuerier picks the configured time-series backend, preferring
// unify-query.
func newQuerier(cfg *config.Config) tsdb.Querier {
	timeout := timeoutFrom(cfg.TSDB.TimeoutSeconds)
	if cfg.TSDB.UnifyQueryURL != "" {
		return tsdb.NewUnifyQuery(cfg.TSDB.UnifyQueryURL, timeout)
	}
	return tsdb.NewPrometheus(cfg.TSDB.PrometheusURL, timeout)
}

// ensureTopics pre-creates the inter-stage topics so a fresh cluster starts
// clean.
func ensureTopics(cfg *config.Config) {
	brokers := kafka.ParseBrokers(cfg.Kafka.Brokers)
	if len(brokers) == 0 {
		return
	}
	for _, topic := range []string{
		cfg.Kafka.PointsTopic,
		cfg.Kafka.AnomalyTopic,
		cfg.Kafka.AlertSignalTopic,
		cfg.Kafka.ActionTriggerTopic,
		cfg.Kafka.DeadLetterTopic,
	} {
		if topic != "" {
			kafka.EnsureTopic(brokers[0], topic, cfg.Kafka.Partitions)
		}
	}
}

func parseServices(flagValue string) (map[string]bool, error) {
	services := make(map[string]bool)
	if flagValue == "all" || flagValue == "" {
		for _, name := range allServices {
			services[name] = true
		}
		return services, nil
	}
	known := make(map[string]bool, len(allServices))
	for _, name := range allServices {
		known[name] = true
	}
	for _, name := range strings.Split(flagValue, ",") {
		name = strings.TrimSpace(name)
		if !known[name] {
			return nil, fmt.Errorf("unknown service %q", name)
		}
		services[name] = true
	}
	return services, nil
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func timeoutFrom(seconds int) time.Duration {
	if seconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/api"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/failover"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/intent"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/metrics"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/observer"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/storage"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/telemetry"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/pkg/logger"
)

// app holds every long-lived component of one AEGIS process.
type app struct {
	cfg          *core.Config
	catalog      *core.CatalogHolder
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	store        storage.AuditStore
	observer     *observer.Observer
	memoryCache  *telemetry.MemoryCache
	redisCache   *telemetry.RedisCache
	engine       *telemetry.Engine
	orchestrator *failover.Orchestrator
	classifier   intent.Classifier
}

func buildApp(cfg *core.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	var err error
	if a.catalog, err = core.NewCatalogHolder(cfg); err != nil {
		return nil, err
	}
	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	if a.observer, err = buildObserver(cfg, a.metrics); err != nil {
		a.close()
		return nil, err
	}

	var cache telemetry.Cache
	ttl := core.Duration(cfg.Telemetry.CacheTTL)
	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		a.redisCache = telemetry.NewRedisCache(client, ttl, logger.Named("cache"))
		cache = a.redisCache
	default:
		a.memoryCache = telemetry.NewMemoryCache(ttl, logger.Named("cache"))
		cache = a.memoryCache
	}

	sources := telemetry.Sources{KPIs: a.observer.Prometheus, Latency: a.observer.Prometheus}
	if a.observer.Tempo != nil {
		sources.Traces = a.observer.Tempo
	}
	if a.observer.HasDeploymentProviders() {
		sources.Deployments = a.observer
	}
	a.engine = telemetry.NewEngine(a.catalog, sources, cache, telemetry.OptionsFromConfig(cfg), a.metrics, logger.Named("telemetry"))

	a.orchestrator = failover.NewOrchestrator(a.catalog, a.store, a.observer.Router, a.engine,
		failover.OptionsFromConfig(cfg), a.metrics, logger.Named("failover"))

	if cfg.Intent.Enabled {
		a.classifier = intent.NewOpenAIClassifier(cfg.Intent.APIKey, cfg.Intent.BaseURL, cfg.Intent.Model, a.catalog, logger.Named("intent"))
	}
	return a, nil
}

func openStore(cfg *core.Config) (storage.AuditStore, error) {
	log := logger.Named("storage")
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := storage.NewPostgresClient(cfg.GetDatabaseURL(), log)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite":
		lite, err := storage.OpenSQLite(cfg.Store.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		log.Warn("Using in-memory audit store; the trail is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

func buildObserver(cfg *core.Config, m *metrics.Metrics) (*observer.Observer, error) {
	prom, err := observer.NewPrometheusClient(observer.PrometheusConfig{
		URL:            cfg.Prometheus.URL,
		LatencyQuery:   cfg.Prometheus.LatencyQuery,
		KPIQuery:       cfg.Prometheus.KPIQuery,
		Step:           core.Duration(cfg.Prometheus.LatencyStep),
		RequestTimeout: core.Duration(cfg.Prometheus.RequestTimeout),
		RequestsPerS:   cfg.Prometheus.RequestsPerS,
	}, m, logger.Named("prometheus"))
	if err != nil {
		return nil, err
	}

	var tempo *observer.TempoClient
	if cfg.Tempo.URL != "" {
		tempo = observer.NewTempoClient(observer.TempoConfig{
			URL:          cfg.Tempo.URL,
			OrgID:        cfg.Tempo.OrgID,
			Limit:        cfg.Tempo.Limit,
			MinDuration:  core.Duration(cfg.Tempo.MinDuration),
			RequestsPerS: cfg.Tempo.RequestsPerS,
		}, m, logger.Named("tempo"))
	}

	router := observer.NewRouterClient(observer.RouterConfig{
		URL:          cfg.Router.URL,
		APIKey:       cfg.Router.APIKey,
		HealthPath:   cfg.Router.HealthPath,
		RequestsPerS: cfg.Router.RequestsPerS,
	}, m, logger.Named("router"))

	obs := observer.NewObserver(prom, tempo, router, logger.Named("observer"))

	if cfg.Kubernetes.Enabled {
		k8s, err := observer.NewKubernetesDeployments(cfg.Kubernetes.Namespace, cfg.Kubernetes.Kubeconfig, logger.Named("kubernetes"))
		if err != nil {
			return nil, err
		}
		obs.AddDeploymentProvider("kubernetes", k8s)
	}
	if cfg.GitHub.Enabled {
		gh, err := observer.NewGitHubDeployments(observer.GitHubConfig{
			Token:   cfg.GitHub.Token,
			BaseURL: cfg.GitHub.BaseURL,
			Repos:   cfg.GitHub.Repos,
		}, m, logger.Named("github"))
		if err != nil {
			return nil, err
		}
		obs.AddDeploymentProvider("github", gh)
	}
	return obs, nil
}

// server builds the HTTP API over the app's components.
func (a *app) server() *api.Server {
	ready := map[string]api.HealthChecker{
		"store": a.store.Health,
		"providers": func(ctx context.Context) error {
			_, err := a.observer.Health(ctx)
			return err
		},
	}
	if a.redisCache != nil {
		ready["cache"] = a.redisCache.Ping
	}

	return api.NewServer(a.catalog, a.engine, a.orchestrator, a.classifier, api.Options{
		Version:       a.cfg.App.Version,
		DefaultWindow: core.Duration(a.cfg.Telemetry.DefaultWindow),
		Gatherer:      a.registry,
		Ready:         ready,
	}, logger.Named("api"))
}

// checkProviders logs the reachability of every provider without failing.
func (a *app) checkProviders(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, err := a.observer.Health(ctx)
	for name, s := range status {
		logger.Info("Provider status", zap.String("provider", name), zap.String("status", s))
	}
	if err != nil {
		logger.Warn("Required provider unreachable at startup", zap.Error(err))
	}
}

func (a *app) close() {
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("Failed to close audit store", zap.Error(err))
		}
	}
}

// reload re-reads the config file and swaps in a new catalog. Provider
// endpoints and store settings only change on restart.
func (a *app) reload(path string) error {
	cfg, err := core.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	if err := a.catalog.Reload(cfg); err != nil {
		return err
	}
	logger.Info("Catalog reloaded",
		zap.Int64("version", a.catalog.Current().Version),
		zap.Int("services", len(a.catalog.Current().Services())))
	return nil
}

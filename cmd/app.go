package cmd

import (
	"context"

	"appforge/internal/ai"
	"appforge/internal/cache"
	"appforge/internal/catalog"
	"appforge/internal/config"
	"appforge/internal/metrics"
	"appforge/internal/store"
	"appforge/internal/workflow"

	"go.uber.org/zap"
)

// app holds the components shared by serve and run.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	catalog *catalog.Catalog
	cache   *cache.ResponseCache
	gateway *ai.Gateway
	store   *store.Store
}

// newApp builds the catalog, response cache, gateway and, when withStore
// is set and a DSN is configured, the run store.
func newApp(cfg *config.Config, logger *zap.Logger, withStore bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.catalog = catalog.New(cfg.API.ModelsURL,
		catalog.WithSnapshotFile(cfg.API.ModelsSnapshot),
		catalog.WithRefreshInterval(cfg.API.ModelsRefresh),
		catalog.WithLogger(logger.Named("catalog")))

	respCache, err := cache.NewFromURL(cfg.Cache.RedisURL, cfg.ResponseCache())
	if err != nil {
		logger.Warn("redis unavailable, using in-memory response cache", zap.Error(err))
	}
	a.cache = respCache

	a.gateway = ai.NewGateway(cfg.API.Endpoint,
		ai.WithReferrer(cfg.API.Referrer),
		ai.WithToken(cfg.API.Token),
		ai.WithPrivate(cfg.API.Private),
		ai.WithDefaults(cfg.API.Timeout, cfg.API.MaxRetries),
		ai.WithRateLimit(cfg.API.RequestsPerSecond, cfg.API.Burst),
		ai.WithCache(respCache),
		ai.WithRecorder(metrics.Get()),
		ai.WithLogger(logger.Named("gateway")))

	if withStore && cfg.Store.DSN != "" {
		st, err := store.Open(cfg.Store.DSN, logger.Named("store"))
		if err != nil {
			_ = respCache.Close()
			return nil, err
		}
		a.store = st
	}
	return a, nil
}

// refreshCatalog loads the model list and records the outcome.
func (a *app) refreshCatalog(ctx context.Context, force bool) (*catalog.Registry, error) {
	reg, err := a.catalog.Refresh(ctx, force)
	if err != nil {
		metrics.Get().RecordCatalogRefresh("error", 0)
		return nil, err
	}
	metrics.Get().RecordCatalogRefresh("success", reg.Len())
	return reg, nil
}

// orchestrator builds a workflow orchestrator over the app's components.
func (a *app) orchestrator(opts ...workflow.Option) *workflow.Orchestrator {
	base := []workflow.Option{
		workflow.WithConfig(a.cfg.Workflow),
		workflow.WithModels(a.catalog),
		workflow.WithRecorder(metrics.Get()),
		workflow.WithLogger(a.logger.Named("workflow")),
	}
	if a.store != nil {
		base = append(base, workflow.WithStore(a.store))
	}
	return workflow.New(a.gateway, append(base, opts...)...)
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("cache close failed", zap.Error(err))
	}
}

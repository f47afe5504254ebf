package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"appforge/internal/api"
	"appforge/internal/catalog"
	"appforge/internal/events"
	"appforge/internal/logging"
	"appforge/internal/metrics"
	"appforge/internal/middleware"
	"appforge/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and websocket event stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != "" {
			cfg.Server.Port = servePort
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "listen port (overrides server.port)")
}

func serve(ctx context.Context) error {
	logger := logging.L()
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.Get().SetBuildInfo(Version, Commit, BuildDate)

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.refreshCatalog(ctx, false); err != nil {
		var cfgErr *catalog.ConfigurationError
		if errors.As(err, &cfgErr) {
			// Every run is rejected with NO_MODEL until a refresh succeeds.
			logger.Error("model configuration invalid, submissions disabled", zap.Error(err))
		} else {
			logger.Warn("initial model catalog refresh failed", zap.Error(err))
		}
	}
	go refreshLoop(ctx, a, cfg.API.ModelsRefresh)

	var db *gorm.DB
	if a.store != nil {
		db = a.store.DB()
	}
	collector := metrics.NewCollector(db, 30*time.Second, logger.Named("metrics"))
	collector.WatchCache("responses", a.cache)
	collector.Start(ctx)
	defer collector.Stop()

	hub := events.NewHub(events.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Production:     cfg.IsProduction(),
		Logger:         logger.Named("events"),
	})
	defer hub.Close()

	orch := a.orchestrator(workflow.WithStatusSink(hub), workflow.WithProgramSink(hub))
	defer orch.Close()
	hub.SetController(orch)

	deps := api.Deps{
		Runner:  orch,
		Catalog: a.catalog,
		Stats:   a.gateway,
		Hub:     hub,
		Logger:  logger.Named("api"),
		Version: Version,
	}
	if a.store != nil {
		deps.History = a.store
	}

	// Runs get their own context so an in-flight run can observe shutdown.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	var limiter *middleware.IPRateLimiter
	if cfg.Server.RateLimitRPM > 0 {
		limiter = middleware.NewIPRateLimiter(cfg.Server.RateLimitRPM, max(cfg.Server.RateLimitRPM/6, 10))
		defer limiter.Stop()
	}
	router := api.NewRouter(api.NewServer(runCtx, deps), api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimiter:    limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
			zap.Bool("run_history", a.store != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if orch.Stop() {
		logger.Info("requested stop of the active run")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	waitIdle(shutdownCtx, orch)
	cancelRuns()
	logger.Info("graceful shutdown complete")
	return nil
}

// refreshLoop keeps the model catalog fresh until ctx ends.
func refreshLoop(ctx context.Context, a *app, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.refreshCatalog(ctx, true); err != nil {
				a.logger.Warn("model catalog refresh failed", zap.Error(err))
			}
		}
	}
}

// waitIdle polls until the orchestrator finishes its run or ctx ends.
func waitIdle(ctx context.Context, orch *workflow.Orchestrator) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for orch.Busy() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// signalChannel delivers SIGINT and SIGTERM.
func signalChannel() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

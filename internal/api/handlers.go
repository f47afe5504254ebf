// Package api exposes the workflow operations over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"appforge/internal/ai"
	"appforge/internal/catalog"
	"appforge/internal/events"
	"appforge/internal/store"
	"appforge/internal/workflow"
	"appforge/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Runner is the orchestrator surface the handlers drive.
type Runner interface {
	StartSubmit(ctx context.Context, prompt, model string, research bool) (<-chan workflow.Result, error)
	StartRegenerate(ctx context.Context) (<-chan workflow.Result, error)
	StartCheckAndFix(ctx context.Context, final bool) (<-chan workflow.Result, error)
	Stop() bool
	Clear() error
	Program() workflow.Program
	State() workflow.State
}

// ModelCatalog provides the model registry.
type ModelCatalog interface {
	Registry() *catalog.Registry
	Refresh(ctx context.Context, force bool) (*catalog.Registry, error)
}

// StatsSource provides gateway counters.
type StatsSource interface {
	Stats() ai.Stats
}

// RunHistory reads persisted run records.
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error)
	GetRun(ctx context.Context, runID string) (*models.RunRecord, error)
}

// Deps are the collaborators of a Server. Runner is required; the rest may
// be nil, in which case the matching endpoints report 503.
type Deps struct {
	Runner  Runner
	Catalog ModelCatalog
	Stats   StatsSource
	History RunHistory
	Hub     *events.Hub
	Logger  *zap.Logger
	Version string
}

// Server represents the API server
type Server struct {
	runner  Runner
	catalog ModelCatalog
	stats   StatsSource
	history RunHistory
	hub     *events.Hub
	logger  *zap.Logger
	version string
	started time.Time

	// runs outlive the request that started them.
	baseCtx context.Context
}

// NewServer creates a new API server. Runs started through it are bound to
// ctx rather than to the triggering request.
func NewServer(ctx context.Context, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		runner:  d.Runner,
		catalog: d.Catalog,
		stats:   d.Stats,
		history: d.History,
		hub:     d.Hub,
		logger:  logger,
		version: version,
		started: time.Now(),
		baseCtx: ctx,
	}
}

// GenerateRequest starts a new run or refines the current program.
type GenerateRequest struct {
	Prompt   string `json:"prompt" binding:"required"`
	Model    string `json:"model"`
	Research bool   `json:"research"`
}

// CheckRequest starts a check-and-fix pass.
type CheckRequest struct {
	Final bool `json:"final"`
}

// Health endpoint - Returns quickly for load balancer health checks
func (s *Server) Health(c *gin.Context) {
	state := s.runner.State()
	body := gin.H{
		"status":  "healthy",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"busy":    state.Busy,
		"phase":   state.Machine.Phase,
	}
	if s.catalog != nil {
		body["models"] = s.catalog.Registry().Len()
	}
	if s.hub != nil {
		body["ws_clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, body)
}

// Generate handles POST /api/v1/generate.
func (s *Server) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_code": "INVALID_REQUEST"})
		return
	}

	ch, err := s.runner.StartSubmit(s.baseCtx, req.Prompt, req.Model, req.Research)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.accepted(c, "generate", ch)
}

// Stop handles POST /api/v1/stop.
func (s *Server) Stop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stopping": s.runner.Stop()})
}

// Regenerate handles POST /api/v1/regenerate.
func (s *Server) Regenerate(c *gin.Context) {
	ch, err := s.runner.StartRegenerate(s.baseCtx)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.accepted(c, "regenerate", ch)
}

// Check handles POST /api/v1/check. An empty body means a manual pass.
func (s *Server) Check(c *gin.Context) {
	var req CheckRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_code": "INVALID_REQUEST"})
			return
		}
	}

	ch, err := s.runner.StartCheckAndFix(s.baseCtx, req.Final)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.accepted(c, "check", ch)
}

// Clear handles POST /api/v1/clear.
func (s *Server) Clear(c *gin.Context) {
	if err := s.runner.Clear(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// GetProgram handles GET /api/v1/program.
func (s *Server) GetProgram(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.Program())
}

// GetState handles GET /api/v1/state.
func (s *Server) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.State())
}

// GetModels handles GET /api/v1/models. ?refresh=true forces a reload of
// the model list.
func (s *Server) GetModels(c *gin.Context) {
	if s.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model catalog unavailable", "error_code": "NO_CATALOG"})
		return
	}

	reg := s.catalog.Registry()
	if force, _ := strconv.ParseBool(c.Query("refresh")); force || reg == nil {
		fresh, err := s.catalog.Refresh(c.Request.Context(), force)
		if err != nil {
			s.logger.Warn("model catalog refresh failed", zap.Error(err))
			if reg == nil {
				s.fail(c, err)
				return
			}
		} else {
			reg = fresh
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":      reg.Len(),
		"categories": reg.Categorize(),
	})
}

// GetStats handles GET /api/v1/stats.
func (s *Server) GetStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway stats unavailable", "error_code": "NO_STATS"})
		return
	}
	c.JSON(http.StatusOK, s.stats.Stats())
}

// ListRuns handles GET /api/v1/runs?limit=N.
func (s *Server) ListRuns(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history disabled", "error_code": "NO_HISTORY"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500", "error_code": "INVALID_LIMIT"})
		return
	}

	runs, err := s.history.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs", "error_code": "STORE_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// GetRun handles GET /api/v1/runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history disabled", "error_code": "NO_HISTORY"})
		return
	}

	run, err := s.history.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found", "error_code": "NOT_FOUND"})
		return
	}
	if err != nil {
		s.logger.Error("get run failed", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run", "error_code": "STORE_ERROR"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// accepted answers 202 and logs the run outcome once it arrives.
func (s *Server) accepted(c *gin.Context, op string, ch <-chan workflow.Result) {
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "operation": op})

	go func() {
		res := <-ch
		fields := []zap.Field{
			zap.String("operation", op),
			zap.String("run_id", res.RunID),
			zap.String("mode", string(res.Mode)),
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("duration", res.Duration),
		}
		if res.Err != nil {
			s.logger.Warn("run finished with error", append(fields, zap.Error(res.Err))...)
			return
		}
		s.logger.Info("run finished", fields...)
	}()
}

// fail maps workflow errors to HTTP responses.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "error_code": code})
}

func errorStatus(err error) (int, string) {
	var cfgErr *catalog.ConfigurationError
	switch {
	case errors.Is(err, workflow.ErrBusy):
		return http.StatusConflict, "BUSY"
	case errors.Is(err, workflow.ErrNoRetry):
		return http.StatusBadRequest, "NO_RETRY"
	case errors.Is(err, workflow.ErrNothingToCheck):
		return http.StatusBadRequest, "NOTHING_TO_CHECK"
	case errors.Is(err, workflow.ErrEmptyPrompt):
		return http.StatusBadRequest, "EMPTY_PROMPT"
	case errors.As(err, &cfgErr):
		return http.StatusServiceUnavailable, "NO_MODEL"
	case errors.Is(err, catalog.ErrFetchFailed):
		return http.StatusBadGateway, "MODEL_LIST_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// Package api exposes health assessment and failover control over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/failover"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/intent"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

type CatalogProvider interface {
	Current() *core.Catalog
}

// HealthService answers read-only questions about a service.
type HealthService interface {
	Assess(ctx context.Context, service string, r model.TimeRange) (*model.HealthSnapshot, error)
	Deployments(ctx context.Context, service string, r model.TimeRange) ([]model.DeploymentEvent, error)
	Correlate(ctx context.Context, service string, r model.TimeRange) (*model.IncidentReport, error)
	MaxRange() time.Duration
}

// FailoverService drives failover actions.
type FailoverService interface {
	Propose(ctx context.Context, req failover.Request) (*model.FailoverAction, error)
	Resolve(ctx context.Context, actionID string, decision model.Decision, approver string) (*model.FailoverAction, error)
	Cancel(ctx context.Context, actionID, by string) (*model.FailoverAction, error)
	Rollback(ctx context.Context, actionID, by string) (*model.FailoverAction, error)
	Get(ctx context.Context, actionID string) (*model.FailoverAction, error)
	Trail(ctx context.Context, actionID string) ([]model.AuditRecord, error)
	History(ctx context.Context, service string, limit int) ([]model.AuditRecord, error)
}

// HealthChecker reports whether a dependency can serve requests.
type HealthChecker func(ctx context.Context) error

type Options struct {
	Version       string
	DefaultWindow time.Duration
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Ready lists the checks behind /ready, by name.
	Ready map[string]HealthChecker
}

type Server struct {
	catalog    CatalogProvider
	health     HealthService
	failover   FailoverService
	classifier intent.Classifier
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

// NewServer wires the handlers. classifier may be nil, in which case /ask
// reports that no intent provider is configured.
func NewServer(catalog CatalogProvider, health HealthService, fo FailoverService, classifier intent.Classifier, opts Options, logger *zap.Logger) *Server {
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		catalog:    catalog,
		health:     health,
		failover:   fo,
		classifier: classifier,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))

	metricsHandler := promhttp.Handler()
	if s.opts.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})
	}

	router.GET("/health", s.healthHandler())
	router.GET("/ready", s.readyHandler())
	router.GET("/metrics", gin.WrapH(metricsHandler))

	v1 := router.Group("/api/v1")
	{
		// Read-only assessment
		v1.GET("/services", s.listServicesHandler())
		v1.GET("/services/:service/health", s.assessHandler())
		v1.GET("/services/:service/deployments", s.deploymentsHandler())
		v1.GET("/services/:service/incident", s.incidentHandler())
		v1.GET("/services/:service/history", s.historyHandler())

		// Failover control
		v1.POST("/failovers", s.proposeHandler())
		v1.GET("/failovers/:id", s.getFailoverHandler())
		v1.POST("/failovers/:id/resolve", s.resolveHandler())
		v1.POST("/failovers/:id/cancel", s.cancelHandler())
		v1.POST("/failovers/:id/rollback", s.rollbackHandler())

		v1.POST("/ask", s.askHandler())
	}
	return router
}

// HTTPServer returns a server for addr with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:           addr,
		Handler:        s.Router(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("HTTP Request", fields...)
			return
		}
		logger.Info("HTTP Request", fields...)
	}
}

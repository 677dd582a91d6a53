// internal/api/server.go
package api

import (
	"context"
	"net/http"
	"time"

	"crm-pipeline/internal/common/config"
	"crm-pipeline/internal/common/logger"
	"crm-pipeline/internal/models"
	"crm-pipeline/internal/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline is the service behind the HTTP API.
type Pipeline interface {
	Move(ctx context.Context, req pipeline.MoveRequest) (*pipeline.MoveResponse, error)
	Board(ctx context.Context) (*pipeline.Board, error)
	Metrics(ctx context.Context) (*pipeline.Metrics, error)
	Activity(ctx context.Context, applicationID string, limit int) ([]models.PipelineActivity, error)
	Settings() *pipeline.Settings
	CreateApplication(ctx context.Context, in models.NewApplication) (*models.Application, error)
	GetApplication(ctx context.Context, id string) (*models.Application, error)
}

var _ Pipeline = (*pipeline.Service)(nil)

// ChangeFeed delivers change broadcasts to the event stream.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

// Check is a named readiness probe.
type Check func(ctx context.Context) error

// Server is the pipeline HTTP server.
type Server struct {
	router    *gin.Engine
	pipeline  Pipeline
	feed      ChangeFeed
	checks    map[string]Check
	cfg       config.ServerConfig
	logger    logger.Logger
	heartbeat time.Duration
}

type Option func(*Server)

// WithReadinessCheck adds a probe run by GET /ready.
func WithReadinessCheck(name string, check Check) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithHeartbeat overrides the event stream heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

func NewServer(cfg config.ServerConfig, svc Pipeline, feed ChangeFeed, log logger.Logger, opts ...Option) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		router:    gin.New(),
		pipeline:  svc,
		feed:      feed,
		checks:    map[string]Check{},
		cfg:       cfg,
		logger:    log.WithFields(map[string]interface{}{"component": "http"}),
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(s.recovery(), s.requestLogger(), requestMetrics())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/pipeline/events", s.handleEvents)

		timed := api.Group("", s.requestTimeout())
		timed.GET("/pipeline", s.handleBoard)
		timed.POST("/pipeline/move", s.handleMove)
		timed.GET("/pipeline/metrics", s.handleMetrics)
		timed.GET("/pipeline/activity", s.handleActivity)
		timed.GET("/pipeline/config", s.handleConfig)
		timed.POST("/applications", s.handleCreateApplication)
		timed.GET("/applications/:id", s.handleGetApplication)
	}
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the router in an *http.Server for the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

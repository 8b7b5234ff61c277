// Package httpapi exposes the registry over HTTP: plugin CRUD, uploads,
// downloads, search, version lifecycle, and the trust surface, all under
// /api/v1 with the standard error envelope.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/application/services"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/validation"
)

// Config tunes the HTTP server.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the standard server settings.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Server is the registry HTTP front end.
type Server struct {
	cfg       Config
	engine    *gin.Engine
	srv       *http.Server
	plugins   ports.PluginRepository
	blobs     ports.BlobStore
	ingest    *services.IngestService
	lifecycle *services.LifecycleService
	trust     *services.TrustService
	validator *validation.BundleValidator
	metrics   http.Handler
	logger    *slog.Logger
	started   time.Time
}

// NewServer wires the router. The metrics handler is optional.
func NewServer(
	cfg Config,
	plugins ports.PluginRepository,
	blobs ports.BlobStore,
	ingest *services.IngestService,
	lifecycle *services.LifecycleService,
	trustSvc *services.TrustService,
	validator *validation.BundleValidator,
	metrics http.Handler,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(correlationMiddleware(), loggingMiddleware(logger), recoveryMiddleware(logger))

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		plugins:   plugins,
		blobs:     blobs,
		ingest:    ingest,
		lifecycle: lifecycle,
		trust:     trustSvc,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
		started:   time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/stats", s.handleStats)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := s.engine.Group("/api/v1")
	plugins := v1.Group("/plugins")

	plugins.GET("", s.handleList)
	plugins.POST("", s.handleUpload)
	plugins.GET("/search", s.handleSearch)
	plugins.GET("/trust/levels", s.handleTrustLevels)
	plugins.GET("/trust/policies/:level", s.handleTrustPolicy)

	plugins.GET("/:name", s.handleGet)
	plugins.GET("/:name/download", s.handleDownload)
	plugins.DELETE("/:name", s.handleDelete)

	plugins.GET("/:name/versions", s.handleListVersions)
	plugins.GET("/:name/versions/compatibility", s.handleCompatibility)
	plugins.POST("/:name/versions/:version/promote", s.handlePromote)
	plugins.POST("/:name/versions/:version/rollback", s.handleRollback)

	plugins.GET("/:name/trust-level", s.handleGetTrustLevel)
	plugins.PUT("/:name/trust-level", s.handlePutTrustLevel)
	plugins.POST("/:name/capability-check", s.handleCapabilityCheck)
	plugins.POST("/:name/trust-violation", s.handleTrustViolation)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AprilNEA/AssppWeb/api/handlers"
	"github.com/AprilNEA/AssppWeb/blob"
	"github.com/AprilNEA/AssppWeb/config"
	"github.com/AprilNEA/AssppWeb/internal/metrics"
	"github.com/AprilNEA/AssppWeb/internal/server"
	"github.com/AprilNEA/AssppWeb/orchestrator"
	"github.com/AprilNEA/AssppWeb/store"
)

// Server wires the stores, the orchestrator, and the HTTP boundary.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	tasks store.TaskStore
	blobs blob.Store
	orch  *orchestrator.Orchestrator

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler   *handlers.HealthHandler
	taskHandler     *handlers.TaskHandler
	artifactHandler *handlers.ArtifactHandler

	metricsCollector *metrics.Collector

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server from the resolved configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up the stores, recovers interrupted tasks, and starts
// the HTTP and metrics listeners.
func (s *Server) Start(ctx context.Context) error {
	s.metricsCollector = metrics.NewCollector("asppd", s.logger)

	if err := s.initStores(); err != nil {
		return fmt.Errorf("failed to init stores: %w", err)
	}

	s.initOrchestrator(ctx)

	if err := s.orch.Recover(ctx); err != nil {
		s.logger.Warn("task recovery incomplete", zap.Error(err))
	}

	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.String("mode", s.cfg.Backend.Mode),
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// initStores realizes the backend mode as concrete store adapters.
// Everything downstream sees only the two interfaces.
func (s *Server) initStores() error {
	blobCfg, storeCfg := s.storeConfigs()

	blobs, err := blob.New(blobCfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	s.blobs = blob.Instrument(blobs, s.metricsCollector)

	tasks, err := store.New(storeCfg)
	if err != nil {
		blobs.Close()
		return fmt.Errorf("failed to open task store: %w", err)
	}
	s.tasks = tasks

	s.logger.Info("stores opened",
		zap.String("blob_store", string(blobCfg.Type)),
		zap.String("task_store", string(storeCfg.Type)),
	)
	return nil
}

// storeConfigs maps the daemon configuration onto the per-store
// configs for the selected mode.
func (s *Server) storeConfigs() (blob.Config, store.Config) {
	blobCfg := blob.DefaultConfig()
	blobCfg.MaxObjectSize = s.cfg.Storage.MaxObjectSize

	storeCfg := store.DefaultConfig()
	storeCfg.Cleanup.Enabled = s.cfg.Tasks.CleanupEnabled
	storeCfg.Cleanup.Interval = s.cfg.Tasks.CleanupInterval
	storeCfg.Cleanup.TaskRetention = s.cfg.Tasks.TaskRetention

	switch s.cfg.Backend.Mode {
	case config.ModeMemory:
		blobCfg.Type = blob.StoreTypeMemory
		storeCfg.Type = store.StoreTypeMemory

	case config.ModeStandalone:
		blobCfg.Type = blob.StoreTypeFilesystem
		blobCfg.BaseDir = filepath.Join(s.cfg.Backend.DataDir, "artifacts")
		if s.cfg.Backend.TaskStore == "sqlite" {
			storeCfg.Type = store.StoreTypeSQLite
		} else {
			storeCfg.Type = store.StoreTypeFile
		}
		storeCfg.BaseDir = s.cfg.Backend.DataDir

	case config.ModeEdge:
		blobCfg.Type = blob.StoreTypeRedis
		blobCfg.Redis = blob.RedisConfig{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
			KeyPrefix:    s.cfg.Redis.BlobKeyPrefix,
		}
		storeCfg.Type = store.StoreTypeRedis
		storeCfg.Redis = store.RedisConfig{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
			KeyPrefix:    s.cfg.Redis.TaskKeyPrefix,
		}
	}

	return blobCfg, storeCfg
}

func (s *Server) initOrchestrator(ctx context.Context) {
	orchCfg := orchestrator.Config{
		Workers:           s.cfg.Tasks.Workers,
		QueueSize:         s.cfg.Tasks.QueueSize,
		MaxRetries:        s.cfg.Tasks.MaxRetries,
		RetryInitialDelay: s.cfg.Tasks.RetryInitialDelay,
		RetryMaxDelay:     s.cfg.Tasks.RetryMaxDelay,
	}

	processor := orchestrator.NewContentProcessor(s.blobs, s.logger)
	s.orch = orchestrator.New(orchCfg, s.tasks, s.blobs, processor, s.metricsCollector, s.logger)
	s.orch.Start(ctx)
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("task_store", s.tasks.Ping))
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("blob_store", s.blobs.Ping))

	s.taskHandler = handlers.NewTaskHandler(s.orch, s.logger)
	s.artifactHandler = handlers.NewArtifactHandler(s.orch, s.logger)
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, GitCommit))

	mux.HandleFunc("POST /api/v1/tasks", s.taskHandler.HandleSubmit)
	mux.HandleFunc("GET /api/v1/tasks", s.taskHandler.HandleList)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.taskHandler.HandleStatus)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.taskHandler.HandleDelete)
	mux.HandleFunc("GET /api/v1/artifacts/{key...}", s.artifactHandler.HandleDownload)

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	middlewares = append(middlewares, CORS(s.cfg.Server.CORSOrigins))
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a termination signal, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown drains the HTTP servers, stops the workers, and closes the
// stores, in that order so in-flight requests and tasks finish.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.orch != nil {
		if err := s.orch.Close(); err != nil {
			s.logger.Error("orchestrator shutdown error", zap.Error(err))
		}
	}

	if s.tasks != nil {
		if err := s.tasks.Close(); err != nil {
			s.logger.Error("task store close error", zap.Error(err))
		}
	}
	if s.blobs != nil {
		if err := s.blobs.Close(); err != nil {
			s.logger.Error("blob store close error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}

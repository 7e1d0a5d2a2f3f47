package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/britt/hivedb-sub003/internal/balancer"
	"github.com/britt/hivedb-sub003/internal/config"
	"github.com/britt/hivedb-sub003/internal/handler"
	"github.com/britt/hivedb-sub003/internal/health"
	"github.com/britt/hivedb-sub003/internal/metrics"
	"github.com/britt/hivedb-sub003/internal/migration"
	"github.com/britt/hivedb-sub003/internal/service"
	"github.com/britt/hivedb-sub003/internal/stats"
	"github.com/britt/hivedb-sub003/internal/store"
	"github.com/britt/hivedb-sub003/internal/workerpool"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting Hive directory service",
		zap.Int("admin_port", cfg.Server.AdminPort),
		zap.Int("health_port", cfg.Server.HealthPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.String("redis_host", cfg.Redis.Host),
		zap.String("topology", cfg.Topology.Path))

	if cfg.Topology.Path == "" {
		logger.Fatal("A topology file is required", zap.String("env", "HIVE_TOPOLOGY_PATH"))
	}
	topology, err := config.LoadTopology(cfg.Topology.Path)
	if err != nil {
		logger.Fatal("Failed to load topology", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	recorder := metrics.NewMetrics(prometheus.DefaultRegisterer)
	counters := stats.NewRegistry(cfg.Stats.Window, cfg.Stats.Interval)
	prometheus.MustRegister(stats.NewCollector(cfg.Metrics.Namespace, counters))
	logger.Info("Metrics initialized")

	// Global metadata database
	globalPool, err := store.NewPool(ctx, cfg.Directory.URI, cfg.Directory.MaxConnections, cfg.Directory.MinConnections)
	if err != nil {
		logger.Fatal("Failed to connect to directory database", zap.Error(err))
	}
	metadataStore := store.NewPostgresMetadataStore(globalPool, logger)
	if err := metadataStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to create metadata schema", zap.Error(err))
	}

	dims, err := config.ApplyTopology(ctx, metadataStore, topology, logger)
	if err != nil {
		logger.Fatal("Failed to apply topology", zap.Error(err))
	}
	logger.Info("Topology applied", zap.Int("dimensions", len(dims)))

	nodeCache := store.NewNodeCache(metadataStore, cfg.Directory.NodeCacheTTL)
	go nodeCache.Cleanup(ctx, cfg.Directory.NodeCacheTTL)

	// Migration job queue (Redis)
	queue, err := store.NewRedisJobQueue(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.QueueKey,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize migration queue", zap.Error(err))
	}
	logger.Info("Migration queue initialized", zap.String("key", cfg.Redis.QueueKey))

	sources := migration.NewDataSources(cfg.Migration.NodeMaxConnections, cfg.Migration.NodeMinConnections, logger)
	estimator := balancer.NewMigrationEstimator(balancer.EstimatorConfig{
		SafeFillLevel:     cfg.Balancer.SafeFillLevel,
		EntriesPerRecord:  cfg.Balancer.EntriesPerRecord,
		AverageRecordSize: cfg.Balancer.AverageRecordSize,
		MoveTimePerRecord: cfg.Balancer.MoveTimePerRecord,
		MoveTimeOverhead:  cfg.Balancer.MoveTimeOverhead,
	})

	healthChecker := health.NewHealthChecker(5*time.Second, logger)
	healthChecker.Register("metadata", metadataStore)
	healthChecker.Register("migration_queue", queue)
	healthChecker.Register("data_sources", sources)

	// Per-dimension services
	dimensions := make(map[string]*handler.Dimension, len(dims))
	targets := make(map[string]migration.Target, len(dims))
	balanceServices := make([]*service.BalanceService, 0, len(dims))
	indexPools := []store.Pool{globalPool}

	for _, dim := range dims {
		var indexPool store.Pool = globalPool
		if dim.IndexURI != "" && dim.IndexURI != cfg.Directory.URI {
			p, err := store.NewPool(ctx, dim.IndexURI, cfg.Directory.MaxConnections, cfg.Directory.MinConnections)
			if err != nil {
				logger.Fatal("Failed to connect to index database",
					zap.String("dimension", dim.Name),
					zap.Error(err))
			}
			indexPool = p
			indexPools = append(indexPools, p)
		}

		directory := store.NewPostgresDirectory(indexPool, dim, nodeCache, logger)
		if err := directory.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to create directory schema", zap.String("dimension", dim.Name), zap.Error(err))
		}
		statistics := store.NewPostgresStatisticsStore(indexPool, dim)
		if err := statistics.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to create statistics schema", zap.String("dimension", dim.Name), zap.Error(err))
		}
		healthChecker.Register("directory_"+dim.Name, directory)

		balanceService := service.NewBalanceService(dim, metadataStore, statistics, estimator, queue, cfg.Balancer.Interval, counters, recorder, logger)
		balanceServices = append(balanceServices, balanceService)

		entry := &handler.Dimension{
			Index:   service.NewIndexService(directory, statistics, metadataStore, nodeCache, counters, recorder, logger),
			Balance: balanceService,
		}

		declared, _ := topology.Dimension(dim.Name)
		if declared.Data != nil {
			mover := migration.BuildTableMover(sources, *declared.Data)
			migrator := migration.NewMigrator(directory, nodeCache, mover, counters, recorder, logger)
			entry.Migrator = migrator
			targets[dim.Name] = migration.Target{Executor: migrator, Statistics: statistics}
		} else {
			logger.Warn("Dimension has no data tables, migrations disabled", zap.String("dimension", dim.Name))
		}
		dimensions[dim.Name] = entry

		logger.Info("Dimension initialized",
			zap.String("dimension", dim.Name),
			zap.String("column_type", string(dim.ColumnType)),
			zap.Int("resources", len(dim.Resources)))
	}

	// Migration workers
	pool := workerpool.New(workerpool.Config{
		Name:       "migrations",
		MaxWorkers: cfg.Migration.Workers,
		QueueSize:  cfg.Migration.QueueSize,
		Logger:     logger,
	})
	pool.Start(ctx)

	scheduler := migration.NewScheduler(migration.SchedulerConfig{
		PollTimeout:            cfg.Migration.PollTimeout,
		MaxMigrationsPerSecond: cfg.Migration.MaxMigrationsPerSecond,
		Burst:                  cfg.Migration.Burst,
		MoveTimeSpacing:        cfg.Migration.MoveTimeSpacing,
	}, queue, targets, pool, estimator, recorder, logger)
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Migration scheduler stopped", zap.Error(err))
		}
	}()

	if cfg.Balancer.Enabled {
		for _, b := range balanceServices {
			go b.Run(ctx)
		}
		logger.Info("Balancer started", zap.Duration("interval", cfg.Balancer.Interval))
	}

	// Metrics server
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: metricsMux}
		go serveHTTP(metricsServer, "metrics", logger)
	}

	// Health check server
	healthMux := http.NewServeMux()
	healthChecker.Routes(healthMux)
	healthServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.HealthPort), Handler: healthMux}
	go serveHTTP(healthServer, "health check", logger)
	go healthChecker.Watch(ctx, cfg.Directory.HealthInterval)

	// Admin API
	router := mux.NewRouter()
	handler.NewAdminHandler(dimensions, nodeCache, counters, cfg.Migration.Timeout, logger).Register(router)
	adminServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// gRPC health service
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthChecker.GRPCServer())
	grpcAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	listener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Fatal("Failed to create listener", zap.Error(err))
	}

	serverErrors := make(chan error, 2)
	go func() {
		logger.Info("Starting admin server", zap.String("address", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	go func() {
		logger.Info("Starting gRPC server", zap.String("address", grpcAddr))
		if err := grpcServer.Serve(listener); err != nil {
			serverErrors <- err
		}
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")
	healthChecker.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	for _, srv := range []*http.Server{adminServer, healthServer, metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", zap.String("address", srv.Addr), zap.Error(err))
		}
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		logger.Info("gRPC server stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	}

	if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Migration workers did not drain", zap.Error(err))
	}
	if err := queue.Close(); err != nil {
		logger.Warn("Failed to close migration queue", zap.Error(err))
	}
	sources.Close()
	for _, p := range indexPools {
		p.Close()
	}

	logger.Info("Hive directory service stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

func serveHTTP(srv *http.Server, name string, logger *zap.Logger) {
	logger.Info("Starting "+name+" server", zap.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", zap.String("server", name), zap.Error(err))
	}
}

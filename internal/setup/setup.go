package setup

import (
	"context"
	"fmt"
	"log"

	"github.com/robalyx/botfleet/internal/credential"
	"github.com/robalyx/botfleet/internal/database"
	"github.com/robalyx/botfleet/internal/database/migrations"
	"github.com/robalyx/botfleet/internal/metrics"
	"github.com/robalyx/botfleet/internal/redis"
	"github.com/robalyx/botfleet/internal/setup/config"
	"github.com/robalyx/botfleet/internal/setup/telemetry"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// App bundles all core dependencies and services needed by the application.
// Each field represents a major subsystem that needs initialization and cleanup.
type App struct {
	Config        *config.Config     // Application configuration
	Logger        *zap.Logger        // Main application logger
	DBLogger      *zap.Logger        // Database-specific logger
	DB            database.Client    // Database connection pool
	RedisManager  *redis.Manager     // Redis connection manager
	Codec         *credential.Codec  // Bot token encryption
	Metrics       *metrics.Metrics   // Prometheus collectors
	LogManager    *telemetry.Manager // Log management system
	metricsServer *metricsServer     // HTTP server exposing /metrics
	tracing       bool               // Whether the uptrace exporter is configured
}

// InitializeApp bootstraps all application dependencies in the correct order,
// ensuring each component has its required dependencies available.
func InitializeApp(ctx context.Context, serviceType telemetry.ServiceType, logDir string) (*App, error) {
	// Load app configuration
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Tracing is configured first so the loggers can forward error spans
	tracing := configureTracing(&cfg.Common.Uptrace, serviceType)

	// Logging system is initialized next to capture setup issues
	logManager := telemetry.NewManager(serviceType, logDir, &cfg.Common.Debug, tracing)

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		return nil, err
	}

	codec, err := credential.NewCodec(cfg.Common.Credential.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential codec: %w", err)
	}

	// Redis manager provides connection pools for the cooldown backend
	redisManager := redis.NewManager(&cfg.Common.Redis, logger)

	// Initialize database with migration check
	db, err := checkAndRunMigrations(ctx, &cfg.Common.PostgreSQL, dbLogger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	// Start metrics server if enabled
	var metricsSrv *metricsServer

	if cfg.Common.Debug.EnableMetrics {
		srv, err := startMetricsServer(cfg.Common.Debug.MetricsPort, m, logger)
		if err != nil {
			logger.Error("Failed to start metrics server", zap.Error(err))
		} else {
			metricsSrv = srv
		}
	}

	// Bundle all initialized components
	return &App{
		Config:        cfg,
		Logger:        logger,
		DBLogger:      dbLogger.Named("database"),
		DB:            db,
		RedisManager:  redisManager,
		Codec:         codec,
		Metrics:       m,
		LogManager:    logManager,
		metricsServer: metricsSrv,
		tracing:       tracing,
	}, nil
}

// Cleanup ensures graceful shutdown of all components in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup(ctx context.Context) {
	// Shutdown metrics server if running
	if s.metricsServer != nil {
		if err := s.metricsServer.srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}

		s.metricsServer.listener.Close()
	}

	// Close database connections
	if err := s.DB.Close(); err != nil {
		log.Printf("Failed to close database connection: %v", err)
	}

	// Close Redis connections after everything that might use them
	s.RedisManager.Close()

	// Flush pending spans
	if s.tracing {
		shutdownTracing(ctx)
	}

	// Sync buffered logs last
	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	if err := s.DBLogger.Sync(); err != nil {
		log.Printf("Failed to sync DB logger: %v", err)
	}
}

// checkAndRunMigrations runs database migrations if needed.
func checkAndRunMigrations(ctx context.Context, cfg *config.PostgreSQL, dbLogger *zap.Logger) (database.Client, error) {
	tempDB, err := database.NewConnection(ctx, cfg, dbLogger, false)
	if err != nil {
		return nil, err
	}

	migrator := migrate.NewMigrator(tempDB.DB(), migrations.Migrations)

	if err := migrator.Init(ctx); err != nil {
		tempDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}

	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		tempDB.Close()
		return nil, fmt.Errorf("failed to check migration status: %w", err)
	}

	unapplied := ms.Unapplied()
	if len(unapplied) == 0 {
		return tempDB, nil
	}

	log.Printf("%d database migrations are pending. Would you like to run them now? (y/N)", len(unapplied))

	var response string

	_, _ = fmt.Scanln(&response)

	if response != "y" && response != "Y" {
		tempDB.Close()
		return nil, ErrMigrationsPending
	}

	tempDB.Close()

	return database.NewConnection(ctx, cfg, dbLogger, true)
}

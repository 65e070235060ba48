// Package main is the entry point for the fleet control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/conductor/fleet/internal/agentpool"
	"github.com/conductor/fleet/internal/archive"
	"github.com/conductor/fleet/internal/channel"
	"github.com/conductor/fleet/internal/config"
	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/internal/dispatcher"
	"github.com/conductor/fleet/internal/periodic"
	"github.com/conductor/fleet/internal/server"
	"github.com/conductor/fleet/internal/waits"
	"github.com/conductor/fleet/migrations"
	"github.com/conductor/fleet/pkg/health"
	fleetlog "github.com/conductor/fleet/pkg/log"
	"github.com/conductor/fleet/pkg/metrics"
	"github.com/conductor/fleet/pkg/tracing"
)

// Build information, set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// service is a background component with a start/stop lifecycle.
type service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type namedService struct {
	name string
	svc  service
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := fleetlog.New(fleetlog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).
		With().Str("service", "control-plane").Logger()
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_time", buildTime).
		Str("go_version", runtime.Version()).
		Msg("starting fleet control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	appMetrics := metrics.NewControlPlaneMetrics()

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "fleet-control-plane",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.TracingEndpoint,
		Insecure:       cfg.Observability.TracingInsecure,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize tracing - continuing without tracing")
		tracer = nil
	}
	tracingOn := tracer != nil && cfg.Observability.TracingEnabled

	logger.Info().Msg("connecting to database")
	db, err := database.New(ctx, database.Config{
		URL:               cfg.Database.URL,
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ApplicationName:   "fleet-control-plane",
		StatementTimeout:  cfg.Database.StatementTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrate(ctx, db, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}

	registry := channel.NewRegistry(channel.Config{
		RequestTimeout: 2 * time.Minute,
		AllowedOrigins: []string{"*"},
	}, logger, appMetrics.ControlPlane)

	var services []namedService

	if cfg.Dispatcher.Enabled {
		d := dispatcher.New(dispatcher.NewPgStore(db), registry, dispatcher.Config{
			PollDelay:  cfg.Dispatcher.PollDelay,
			ErrorDelay: cfg.Dispatcher.ErrorDelay,
			BatchSize:  cfg.Dispatcher.BatchSize,
		}, logger, appMetrics.ControlPlane)
		services = append(services, namedService{"dispatcher", d})
	}

	if cfg.Waits.Enabled {
		r := waits.NewResolver(waits.NewPgStore(db), waits.Config{
			PollDelay:        cfg.Waits.PollDelay,
			ErrorDelay:       cfg.Waits.ErrorDelay,
			PollLimit:        cfg.Waits.PollLimit,
			StatusQueryLimit: cfg.Waits.StatusQueryLimit,
		}, logger, appMetrics.ControlPlane)
		services = append(services, namedService{"wait resolver", r})
	}

	if cfg.Archive.Enabled {
		a, err := createArchiver(ctx, cfg, db, logger, appMetrics.ControlPlane)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create command archiver")
		}
		services = append(services, namedService{"command archiver", a})
	}

	pool := createAgentPool(cfg, logger, appMetrics.ControlPlane)
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn().Err(err).Msg("agent pool close error")
		}
	}()
	housekeeping := periodic.NewRunner("pool-housekeeping", periodic.TaskFunc(func(ctx context.Context) error {
		stats := db.Stats()
		appMetrics.ControlPlane.SetDBConnections(float64(stats.AcquiredConns), float64(stats.IdleConns))

		// Hosts dropped as unreachable get another chance each round.
		pool.Discover(cfg.Agents.Hosts...)

		destroyed, err := pool.Probe(ctx)
		if destroyed > 0 {
			logger.Info().Int("destroyed", destroyed).Msg("dropped unhealthy agent connections")
		}
		return err
	}), periodic.Config{Interval: 30 * time.Second}, logger)
	services = append(services, namedService{"pool housekeeping", housekeeping})

	httpCfg := server.DefaultHTTPConfig()
	httpCfg.Port = cfg.Server.HTTPPort
	httpCfg.AcquireTimeout = cfg.Agents.AcquireTimeout
	httpCfg.EnableTracing = tracingOn
	httpCfg.Metrics = appMetrics.ControlPlane
	httpServer := server.NewHTTPServer(httpCfg, server.Deps{
		Commands:  database.NewCommandRepo(db.Querier()),
		Processes: database.NewProcessRepo(db.Querier()),
		Channels:  registry,
		Pool:      pool,
		Checks: []health.Check{
			health.NewDatabaseCheck(db),
			health.NewChannelCheck(registry),
			health.NewAgentPoolCheck(pool),
		},
	}, logger)

	metricsCfg := server.DefaultMetricsServerConfig()
	metricsCfg.Port = cfg.Server.MetricsPort
	metricsServer := server.NewMetricsServer(metricsCfg, appMetrics, logger)

	errCh := make(chan error, 2)

	for _, s := range services {
		if err := s.svc.Start(ctx); err != nil {
			logger.Fatal().Err(err).Str("service", s.name).Msg("failed to start")
		}
		logger.Info().Str("service", s.name).Msg("started")
	}

	go func() {
		if err := httpServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	logger.Info().
		Int("http_port", cfg.Server.HTTPPort).
		Int("metrics_port", cfg.Server.MetricsPort).
		Int("agent_hosts", len(cfg.Agents.Hosts)).
		Msg("fleet control plane started")

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	logger.Info().Msg("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error

	// Stop accepting agent traffic before the loops that feed it.
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
		shutdownErr = err
	}
	registry.CloseAll()

	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		if err := s.svc.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("service", s.name).Msg("shutdown error")
			shutdownErr = err
		}
	}

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown error")
			shutdownErr = err
		}
	}

	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
		shutdownErr = err
	}

	if shutdownErr != nil {
		logger.Error().Msg("shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown completed successfully")
}

func migrate(ctx context.Context, db *database.DB, logger zerolog.Logger) error {
	m, err := database.NewMigratorFromFS(db, migrations.FS)
	if err != nil {
		return err
	}
	n, err := m.Up(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int("applied", n).Msg("database migrations up to date")
	return nil
}

// createArchiver connects to object storage and builds the archiver.
func createArchiver(ctx context.Context, cfg *config.Config, db *database.DB, logger zerolog.Logger, m *metrics.ControlPlaneMetrics) (*archive.Archiver, error) {
	storage, err := archive.NewStorage(archive.StorageConfig{
		Endpoint:        cfg.Archive.Endpoint,
		Bucket:          cfg.Archive.Bucket,
		Region:          cfg.Archive.Region,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		UseSSL:          cfg.Archive.UseSSL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := storage.EnsureBucket(checkCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to ensure bucket exists - archiving may not work")
	} else if err := storage.HealthCheck(checkCtx); err != nil {
		logger.Warn().Err(err).Msg("archive storage health check failed")
	} else {
		logger.Info().
			Str("bucket", cfg.Archive.Bucket).
			Str("endpoint", cfg.Archive.Endpoint).
			Msg("archive storage initialized")
	}

	archiveCfg := archive.DefaultConfig()
	archiveCfg.Interval = cfg.Archive.Interval
	archiveCfg.ErrorDelay = cfg.Archive.Interval
	archiveCfg.Retention = cfg.Archive.Retention
	archiveCfg.BatchSize = cfg.Archive.BatchSize
	archiveCfg.Compress = cfg.Archive.Compress

	return archive.New(archive.NewPgStore(db), storage, archiveCfg, logger, m), nil
}

// createAgentPool builds the pool over the configured agent hosts.
func createAgentPool(cfg *config.Config, logger zerolog.Logger, m *metrics.ControlPlaneMetrics) *agentpool.Pool {
	dialer := agentpool.NewGRPCDialer(agentpool.DefaultGRPCDialerConfig(), logger)
	factory := agentpool.NewFactory(agentpool.NewHostSet(cfg.Agents.Hosts...), dialer, agentpool.FactoryConfig{
		ConnectAttempts: cfg.Agents.ConnectAttempts,
		RetryDelay:      cfg.Agents.ConnectRetryDelay,
		PingTimeout:     cfg.Agents.PingTimeout,
		CancelTimeout:   cfg.Agents.CancelTimeout,
	}, logger, m)

	return agentpool.New(factory, agentpool.Config{MaxSize: cfg.Agents.MaxConnections}, logger, m)
}

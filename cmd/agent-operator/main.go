// Package main is the entry point for the fleet agent operator, which
// sizes Docker-backed agent pools from the process queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conductor/fleet/internal/autoscale"
	"github.com/conductor/fleet/internal/config"
	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/internal/replicas"
	"github.com/conductor/fleet/internal/server"
	fleetlog "github.com/conductor/fleet/pkg/log"
	"github.com/conductor/fleet/pkg/metrics"
	"github.com/conductor/fleet/pkg/tracing"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ValidateOperator(); err != nil {
		return err
	}

	logger := fleetlog.New(fleetlog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).
		With().Str("service", "agent-operator").Logger()

	specs, err := autoscale.LoadPools(cfg.Operator.PoolsFile)
	if err != nil {
		return fmt.Errorf("failed to load pool definitions: %w", err)
	}
	logger.Info().
		Str("version", version).
		Str("pools_file", cfg.Operator.PoolsFile).
		Int("pools", len(specs)).
		Msg("Starting fleet agent operator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	opMetrics := metrics.NewOperatorMetrics()

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "fleet-agent-operator",
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

	db, err := database.New(ctx, database.Config{
		URL:               cfg.Database.URL,
		MaxConns:          4,
		MinConns:          1,
		MaxConnLifetime:   cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ApplicationName:   "fleet-agent-operator",
		StatementTimeout:  cfg.Database.StatementTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	docker, err := replicas.NewDockerClient(ctx, cfg.Operator.DockerHost)
	if err != nil {
		return err
	}
	defer docker.Close()

	set := replicas.NewDockerSet(docker, replicas.Config{
		Host:       cfg.Operator.DockerHost,
		Network:    cfg.Operator.Network,
		PullImages: true,
	}, logger)

	op := autoscale.NewOperator(database.NewProcessRepo(db.Querier()), set, specs, autoscale.OperatorConfig{
		PollDelay:  cfg.Operator.PollDelay,
		ErrorDelay: cfg.Operator.ErrorDelay,
	}, logger, opMetrics.Operator)

	metricsCfg := server.DefaultMetricsServerConfig()
	metricsCfg.Port = cfg.Server.MetricsPort
	metricsServer := server.NewMetricsServer(metricsCfg, opMetrics, logger)

	errChan := make(chan error, 1)
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	if err := op.Start(ctx); err != nil {
		return fmt.Errorf("failed to start operator: %w", err)
	}

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		logger.Error().Err(err).Msg("Operator error")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := op.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("operator: %w", err))
	}
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server: %w", err))
	}

	logger.Info().Msg("Operator shutdown complete")
	return errors.Join(errs...)
}

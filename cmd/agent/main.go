// Package main is the entrypoint for the fleet agent host.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/conductor/fleet/internal/agent"
	"github.com/conductor/fleet/internal/agentpool"
	"github.com/conductor/fleet/internal/server"
	fleetlog "github.com/conductor/fleet/pkg/log"
	"github.com/conductor/fleet/pkg/metrics"
	"github.com/conductor/fleet/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := agent.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := fleetlog.New(fleetlog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().
		Str("agent_id", cfg.AgentID).
		Str("channel", cfg.ChannelURL).
		Int("max_parallel", cfg.MaxParallel).
		Str("version", agent.Version).
		Msg("Starting fleet agent")

	agentMetrics := metrics.NewAgentMetrics()

	sampleRate := 1.0
	if v, err := strconv.ParseFloat(os.Getenv("FLEET_TRACING_SAMPLE_RATE"), 64); err == nil {
		sampleRate = v
	}
	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "fleet-agent",
		ServiceVersion: agent.Version,
		Endpoint:       os.Getenv("FLEET_TRACING_ENDPOINT"),
		Insecure:       os.Getenv("FLEET_TRACING_INSECURE") != "false",
		SampleRate:     sampleRate,
		Enabled:        os.Getenv("FLEET_TRACING_ENABLED") == "true",
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize tracing - continuing without tracing")
		tracer = nil
	}

	var metricsServer *server.MetricsServer
	if cfg.MetricsPort > 0 {
		metricsCfg := server.DefaultMetricsServerConfig()
		metricsCfg.Port = cfg.MetricsPort
		metricsServer = server.NewMetricsServer(metricsCfg, agentMetrics, logger)
	}

	agnt := agent.New(cfg, logger, agentMetrics, nil)

	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", cfg.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(tracing.UnaryServerInterceptor()),
		// The control plane pool pings idle connections.
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	agnt.SetHealth(agentpool.RegisterAgentServer(grpcServer, agnt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 3)
	if metricsServer != nil {
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	go func() {
		logger.Info().Str("address", lis.Addr().String()).Msg("starting agent gRPC server")
		if err := grpcServer.Serve(lis); err != nil {
			errChan <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		if err := agnt.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		logger.Error().Err(err).Msg("Agent error")
		return err
	}

	logger.Info().Msg("Initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	stopErr := agnt.Stop(shutdownCtx)
	if stopErr != nil {
		logger.Error().Err(stopErr).Msg("Error during shutdown")
	}
	grpcServer.GracefulStop()

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown error")
		}
	}
	if metricsServer != nil {
		_ = metricsServer.Stop(shutdownCtx)
	}

	logger.Info().Msg("Agent shutdown complete")
	return stopErr
}

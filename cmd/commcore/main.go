// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/commcore/comm"
	"github.com/absmach/commcore/config"
	"github.com/absmach/commcore/connector"
	"github.com/absmach/commcore/dispatcher"
	"github.com/absmach/commcore/mqtt"
	"github.com/absmach/commcore/protocol"
	"github.com/absmach/commcore/ratelimit"
	"github.com/absmach/commcore/server/health"
	"github.com/absmach/commcore/server/otel"
	"github.com/absmach/commcore/server/tcp"
	"github.com/absmach/commcore/server/websocket"
	"github.com/google/uuid"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting commcore", "instance_id", instanceID, "ceiling", cfg.Dispatcher.Ceiling)

	var otelShutdown func(context.Context) error
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(otel.Config{
			Endpoint:        cfg.Server.OtelEndpoint,
			ServiceName:     cfg.Server.OtelServiceName,
			ServiceVersion:  cfg.Server.OtelServiceVersion,
			MetricsEnabled:  cfg.Server.OtelMetricsEnabled,
			TracesEnabled:   cfg.Server.OtelTracesEnabled,
			TraceSampleRate: cfg.Server.OtelTraceSampleRate,
			Insecure:        true,
			ExportInterval:  cfg.Server.OtelExportInterval,
		}, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.OtelEndpoint)
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	registry := protocol.NewRegistry()
	if err := mqtt.Register(registry); err != nil {
		slog.Error("Failed to register protocol", "error", err)
		os.Exit(1)
	}

	protos, err := newProtocols(cfg.Ports, registry, logger)
	if err != nil {
		slog.Error("Failed to create ports", "error", err)
		os.Exit(1)
	}
	defer closeProtocols(protos, logger)

	operations, err := newOperations(cfg.Operations, protos, logger)
	if err != nil {
		slog.Error("Failed to register operations", "error", err)
		os.Exit(1)
	}
	slog.Info("Operations registered", "operations", operations.Names())

	limits := ratelimit.NewManager(cfg.RateLimit)
	defer limits.Stop()

	d, err := dispatcher.New(dispatcher.Config{
		Ceiling: cfg.Dispatcher.Ceiling,
		Logger:  logger,
	}, limits.Resolver(operations))
	if err != nil {
		slog.Error("Failed to create dispatcher", "error", err)
		os.Exit(1)
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	var healthServer *health.Server
	if cfg.Server.HealthEnabled {
		healthServer = health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, d, logger)
	}

	for _, pc := range cfg.Ports {
		p := protos[pc.Name]
		role, _ := protocol.ParseRole(pc.Role)
		if role == protocol.RoleInput {
			if err := subscribe(ctx, pc, p, d, logger); err != nil {
				slog.Error("Failed to subscribe", "port", pc.Name, "error", err)
				os.Exit(1)
			}
		}

		c, err := connector.New(connectorConfig(pc, logger), p)
		if err != nil {
			slog.Error("Failed to create connector", "port", pc.Name, "error", err)
			os.Exit(1)
		}
		if healthServer != nil {
			healthServer.AddPort(pc.Name, c)
		}
		if err := d.Go(ctx, pc.Name, c.Run); err != nil {
			slog.Error("Failed to start port", "port", pc.Name, "error", err)
			os.Exit(1)
		}
		slog.Info("Port started", "port", pc.Name, "protocol", pc.Protocol, "role", pc.Role, "address", pc.Address)
	}

	inbound := comm.NewInputPort(cfg.Inbound.Name, cfg.Inbound.Operations...)

	tlsCfg, err := cfg.Server.LoadTLS()
	if err != nil {
		slog.Error("Failed to load TLS configuration", "error", err)
		os.Exit(1)
	}

	tcpServer := tcp.New(tcp.Config{
		Address:      cfg.Server.TCPAddr,
		TLSConfig:    tlsCfg,
		ReadTimeout:  cfg.Server.TCPReadTimeout,
		WriteTimeout: cfg.Server.TCPWriteTimeout,
		RateLimiter:  limits,
		Logger:       logger,
	}, d, inbound)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting TCP server", "address", cfg.Server.TCPAddr, "tls", tlsCfg != nil)
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.WSEnabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			ReadTimeout:     cfg.Server.TCPReadTimeout,
			WriteTimeout:    cfg.Server.TCPWriteTimeout,
			RateLimiter:     limits,
			Logger:          logger,
		}, d, inbound)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if healthServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("commcore started successfully")

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}
	cancel()

	// Listeners stop first so no new workers are admitted while draining.
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := d.Close(shutdownCtx); err != nil {
		slog.Warn("Dispatcher stopped before workers finished", "error", err, "live", d.Live())
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("commcore stopped")
}

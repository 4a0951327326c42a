package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/standevel/linkup-api/internal/config"
	"github.com/standevel/linkup-api/internal/engine/pionengine"
	"github.com/standevel/linkup-api/internal/fanout"
	"github.com/standevel/linkup-api/internal/metrics"
	"github.com/standevel/linkup-api/internal/pool"
	"github.com/standevel/linkup-api/internal/room"
	signalsrv "github.com/standevel/linkup-api/internal/signal"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "linkup-signaling"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("num_workers", cfg.Media.EffectiveWorkers()),
		slog.String("worker_strategy", cfg.Media.WorkerStrategy),
		slog.Int("rtc_min_port", cfg.Media.RTCMinPort),
		slog.Int("rtc_max_port", cfg.Media.RTCMaxPort),
		slog.String("fanout_backend", cfg.Fanout.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// A dead worker takes every room it hosts with it. The process
	// exits after a short grace so the orchestrator restarts it clean,
	// giving clients time to receive their close notifications.
	eng := pionengine.New(logger)
	onFatal := func(err error) {
		appMetrics.RecordWorkerDeath()
		grace := cfg.Media.GetWorkerDeathGrace()
		logger.Error("Worker died, exiting after grace period",
			slog.String("error", err.Error()),
			slog.Duration("grace", grace),
		)
		time.Sleep(grace)
		os.Exit(1)
	}

	workerPool, err := pool.New(ctx, eng, pool.Config{
		NumWorkers:  cfg.Media.EffectiveWorkers(),
		Strategy:    cfg.Media.WorkerStrategy,
		MinPort:     cfg.Media.RTCMinPort,
		MaxPort:     cfg.Media.RTCMaxPort,
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
	}, logger, onFatal)
	if err != nil {
		logger.Error("Failed to create worker pool", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Worker pool initialized", slog.Int("workers", workerPool.Size()))

	// Initialize the room registry
	registry := room.NewRegistry(workerPool, cfg.Media.RouterCodecs(), logger, appMetrics)

	// Initialize the cross-instance fan-out bus
	var bus fanout.Bus
	switch cfg.Fanout.Backend {
	case "redis":
		redisBus, err := fanout.NewRedis(ctx, cfg.Fanout.RedisURL, cfg.Fanout.Channel, logger)
		if err != nil {
			logger.Error("Failed to connect to Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		bus = redisBus
		logger.Info("Redis fan-out initialized", slog.String("channel", cfg.Fanout.Channel))
	default:
		bus = fanout.NewMemory()
		logger.Info("In-memory fan-out initialized")
	}

	// Initialize the signaling server
	sigServer := signalsrv.NewServer(cfg.Server, registry, bus, appMetrics, logger)
	logger.Info("Signaling server initialized",
		slog.String("instance_id", sigServer.InstanceID()),
	)

	// Initialize HTTP monitoring server (if enabled)
	var monitor *signalsrv.Monitor
	if cfg.HTTP.Enabled {
		monitor = signalsrv.NewMonitor(cfg.HTTP, logger, registry, appMetrics)
		logger.Info("HTTP monitoring server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start the signaling server
	if err := sigServer.Start(); err != nil {
		logger.Error("Failed to start signaling server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start HTTP monitoring server (if enabled)
	if monitor != nil {
		if err := monitor.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if monitor != nil {
		if err := monitor.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop the signaling server (close client connections)
	if err := sigServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping signaling server", slog.String("error", err.Error()))
	}

	// Close the fan-out bus, then the rooms and workers behind them
	if err := bus.Close(); err != nil {
		logger.Error("Error closing fan-out bus", slog.String("error", err.Error()))
	}
	registry.Close()
	workerPool.Close()

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}

// Command fastq-server is the FastQ topic broker process.
// It loads configuration, initialises node identity, restores every topic
// and serves the HTTP and WebSocket API.
//
// Usage:
//
//	fastq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snehjoshi/fastq/internal/broker"
	"github.com/snehjoshi/fastq/internal/config"
	"github.com/snehjoshi/fastq/internal/logging"
	"github.com/snehjoshi/fastq/internal/metrics"
	"github.com/snehjoshi/fastq/internal/node"
	transphttp "github.com/snehjoshi/fastq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fastq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := logging.New(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger = logger.With("node_id", n.ID().String())

	logger.Info("fastq starting",
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"fsync", cfg.Storage.Fsync,
		"compression", cfg.Storage.Compression,
		"pointers_backend", cfg.Storage.PointersBackend,
	)

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	var metricsReg *metrics.Registry
	if cfg.Metrics.Enabled {
		metricsReg = &metrics.Registry{}
	}

	// ── 5. Initialise broker (restores every topic) ─────────────────────────
	opts := []broker.Option{broker.WithLogger(logger)}
	if metricsReg != nil {
		opts = append(opts, broker.WithMetrics(metricsReg))
	}
	b, err := broker.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	// ── 6. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(b, n, cfg, metricsReg, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("fastq ready", "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 7. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if metricsReg != nil && cfg.Metrics.Port > 0 {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("server shutdown error", "err", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutCtx)
	}
	// Stopping the topics flushes accepted writes and cursors and ends every
	// open stream.
	if err := b.Close(); err != nil {
		logger.Error("broker close error", "err", err)
		if runErr == nil {
			runErr = fmt.Errorf("close broker: %w", err)
		}
	}

	logger.Info("fastq stopped")
	return runErr
}

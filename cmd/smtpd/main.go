package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/sched"
	"github.com/infodancer/smtpd/internal/server"
	"github.com/infodancer/smtpd/internal/smtp"
	"github.com/infodancer/smtpd/internal/store"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogTarget, cfg.LogFile)

	// Load TLS configuration if certificates are specified. Per spec.md
	// §9's Design Note, the identity is runtime configuration, never
	// compiled in.
	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	} else {
		logger.Warn("no TLS certificate configured; STARTTLS will fail")
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	connStr := os.Getenv("CONNECTION_STRING")
	if connStr == "" {
		fmt.Fprintln(os.Stderr, "error: CONNECTION_STRING environment variable is required")
		os.Exit(1)
	}

	// Fail fast if the connection string is unusable, before accepting any
	// connections. This probe store is never handed to a session — per
	// spec.md §5 ("the MailStore per session (not shared between
	// sessions)... the reference implementation uses one store handle per
	// session"), every session's factory invocation below opens its own.
	probeStore := store.New(cfg.Hostname)
	if err := probeStore.Connect(connStr); err != nil {
		fmt.Fprintf(os.Stderr, "error connecting to mail store: %v\n", err)
		os.Exit(1)
	}
	if err := probeStore.Disconnect(); err != nil {
		logger.Error("error disconnecting mail store probe", "error", err)
	}

	// The cooperative runtime: a fixed worker pool draining one shared
	// task queue, per spec.md §4.1/§4.2.
	runtime := sched.NewRuntime(cfg.ThreadPool.PoolSize)
	runtime.Start()
	defer runtime.Stop()

	readTimeout := cfg.Timeouts.CommandTimeout()

	factory := func(id string, conn net.Conn) server.Runner {
		mailStore := store.New(cfg.Hostname)
		if err := mailStore.Connect(connStr); err != nil {
			logger.Error("error connecting mail store for session", "session", id, "err", err)
			_ = conn.Close()
			return failedRunner{err: fmt.Errorf("connect mail store: %w", err)}
		}
		return smtp.NewSession(id, cfg.Hostname, conn, tlsConfig, mailStore, logger, collector, readTimeout)
	}

	srv, err := server.New(server.Config{
		Cfg:       &cfg,
		TLSConfig: tlsConfig,
		Logger:    logger,
		Collector: collector,
		Runtime:   runtime,
		Factory:   factory,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting smtpd", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners), "pool_size", cfg.ThreadPool.PoolSize)

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("smtp server stopped")
}

// failedRunner is handed back by the session factory when a
// per-connection mail store fails to connect; its Run immediately
// reports the failure so the server's normal "session ended with error"
// logging path reports it without the acceptor needing a separate
// failure channel.
type failedRunner struct{ err error }

func (r failedRunner) Run(context.Context) error { return r.err }

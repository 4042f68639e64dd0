package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openmme/mme-nas-core/common/metrics"
	"github.com/openmme/mme-nas-core/internal/audit"
	"github.com/openmme/mme-nas-core/internal/client"
	"github.com/openmme/mme-nas-core/internal/config"
	"github.com/openmme/mme-nas-core/internal/core"
	"github.com/openmme/mme-nas-core/internal/server"
	"github.com/openmme/mme-nas-core/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config/mme.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := initLogger(*logLevel)
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting mme nas session-management core", zap.String("config", *configPath))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.String("plmn_mcc", cfg.PLMN.MCC), zap.String("plmn_mnc", cfg.PLMN.MNC),
		zap.String("hss_base_url", cfg.Peers.HSSBaseURL),
		zap.String("sgw_address", cfg.Peers.SGWAddress),
		zap.String("default_peer_mme", cfg.Peers.DefaultPeerMME),
	)

	metricsServer := metrics.NewMetricsServer(9095, logger)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	defer metricsServer.Stop()

	metrics.SetServiceUp(true)
	defer metrics.SetServiceUp(false)

	auditSink := newAuditSink(cfg, logger)
	defer func() {
		if err := auditSink.Close(); err != nil {
			logger.Error("failed to close audit sink", zap.Error(err))
		}
	}()

	tracer := telemetry.NewNoop()

	mmeCore := core.New(core.Deps{
		Cfg:     cfg,
		HSS:     client.NewHSSClient(cfg.Peers.HSSBaseURL, logger),
		SGW:     client.NewSGWClient(cfg.Peers.SGWAddress, logger),
		PeerMME: client.NewPeerMMEClient(logger),
		Audit:   auditSink,
		Log:     logger,
		Tracer:  tracer.Tracer("mme-nas-core"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go mmeCore.Run(ctx)

	adminAddr := fmt.Sprintf(":%d", cfg.Observability.AdminPort)
	adminServer := server.New(adminAddr, mmeCore.Store, mmeCore.Registry, logger)
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", zap.String("addr", adminAddr))
		serverErrors <- adminServer.Start()
	}()

	logger.Info("mme nas session-management core started")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("admin server error", zap.Error(err))
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := adminServer.Stop(shutdownCtx); err != nil {
			logger.Error("error during admin server shutdown", zap.Error(err))
		}

		logger.Info("mme nas session-management core shutdown complete")
	}
}

// newAuditSink builds a ClickHouse-backed sink when a DSN is configured,
// falling back to a no-op sink otherwise (local development, tests).
func newAuditSink(cfg *config.Config, logger *zap.Logger) audit.Sink {
	if cfg.Observability.ClickHouseDSN == "" {
		logger.Info("no clickhouse dsn configured, audit events are discarded")
		return audit.NewNoopSink()
	}

	opts, err := clickhouse.ParseDSN(cfg.Observability.ClickHouseDSN)
	if err != nil {
		logger.Error("failed to parse clickhouse dsn, falling back to no-op audit sink", zap.Error(err))
		return audit.NewNoopSink()
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		logger.Error("failed to connect to clickhouse, falling back to no-op audit sink", zap.Error(err))
		return audit.NewNoopSink()
	}
	logger.Info("connected to clickhouse audit sink")
	return audit.NewClickHouseSink(conn, logger, 5*time.Second, 200)
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	return logger
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orderedsub/orderedsub/config"
	"github.com/orderedsub/orderedsub/internal/ackctl"
	"github.com/orderedsub/orderedsub/internal/admin"
	"github.com/orderedsub/orderedsub/internal/auth"
	"github.com/orderedsub/orderedsub/internal/database"
	"github.com/orderedsub/orderedsub/internal/dedup"
	"github.com/orderedsub/orderedsub/internal/dispatch"
	"github.com/orderedsub/orderedsub/internal/handler"
	"github.com/orderedsub/orderedsub/internal/models"
	"github.com/orderedsub/orderedsub/internal/notify"
	"github.com/orderedsub/orderedsub/internal/queue"
	"github.com/orderedsub/orderedsub/internal/sequencer"
	"github.com/orderedsub/orderedsub/internal/server"
	"github.com/orderedsub/orderedsub/internal/tracing"
	"github.com/orderedsub/orderedsub/internal/websocket"
)

var (
	logLevel        = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	metricsInterval = flag.Duration("metrics-interval", 15*time.Second, "Interval for refreshing stream lag metrics")
	pruneInterval   = flag.Duration("prune-interval", time.Hour, "Interval for pruning the postgres dedup ledger")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	}

	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("orderedsub stopped")
	}
	logger.Info("orderedsub stopped")
}

func run(logger *logrus.Logger) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: "1.0.0",
		Environment:    getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	natsConfig := queue.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Stream = cfg.NATS.Stream
	natsConfig.Subject = cfg.NATS.Subject
	natsConfig.Consumer = cfg.NATS.Consumer
	natsConfig.AckWait = cfg.NATS.AckWait
	natsConfig.MaxAckPending = cfg.NATS.MaxAckPending
	natsConfig.MaxDeliver = cfg.NATS.MaxDeliver
	natsConfig.NakDelay = cfg.NATS.NakDelay
	natsConfig.EnableDLQ = cfg.NATS.EnableDLQ
	natsConfig.Logger = logger

	broker, err := queue.NewNATSBroker(ctx, natsConfig)
	if err != nil {
		return err
	}
	defer broker.Close()

	ledger, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	events := notify.Fanout{hub}
	if cfg.Engine.EventWebhookURL != "" {
		webhook := notify.NewWebhookSink(notify.WebhookConfig{URL: cfg.Engine.EventWebhookURL, Logger: logger})
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			webhook.Close(closeCtx)
		}()
		events = append(events, webhook)
	}

	registry := handler.NewRegistry(logHandler(logger))
	engine, err := dispatch.New(broker, registry, engineOptions(cfg, ledger, events, logger)...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	tokens := auth.NewTokenManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	if cfg.Admin.JWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set, operator tokens will not survive a restart")
	}
	adminService := admin.NewService(&admin.Config{
		CORSOrigins: cfg.Admin.CORSOrigins,
		MetricsPath: cfg.Admin.MetricsPath,
		ServiceName: cfg.Tracing.ServiceName,
	}, engine, tokens, hub, logger)

	httpServer := server.NewServer(fmt.Sprintf(":%d", cfg.Admin.Port), adminService.Handler(), &server.TLSConfig{
		Enabled:  cfg.Admin.TLSCertFile != "",
		CertFile: cfg.Admin.TLSCertFile,
		KeyFile:  cfg.Admin.TLSKeyFile,
	}, logger)
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.WithError(err).Error("Admin server failed")
			stop()
		}
	}()

	go refreshQueueMetrics(ctx, broker, logger)
	if pl, ok := ledger.(*database.ProcessedLedger); ok {
		go pruneLedger(ctx, pl, cfg.Engine.DedupRetention, logger)
	}

	logger.WithFields(logrus.Fields{
		"stream":   cfg.NATS.Stream,
		"consumer": cfg.NATS.Consumer,
		"dedup":    cfg.Engine.Dedup,
		"admin":    cfg.Admin.Port,
	}).Info("orderedsub started")

	runErr := engine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Admin server shutdown failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func engineOptions(cfg *config.Config, ledger dedup.Ledger, events dispatch.EventSink, logger logrus.FieldLogger) []dispatch.Option {
	e := cfg.Engine

	pause := sequencer.PausePolicy{Mode: sequencer.PauseMode(e.PausePolicy)}
	if pause.Mode == sequencer.PauseBackoff {
		pause.Delay = e.PauseDelay
		pause.MaxDelay = e.PauseMaxDelay
		pause.Multiplier = e.PauseMultiplier
	}

	ack := ackctl.DefaultConfig()
	ack.RetryBudget = e.AckRetryBudget

	return []dispatch.Option{
		dispatch.WithMaxBufferedPerKey(e.MaxBufferedPerKey),
		dispatch.WithOverflowPolicy(dispatch.OverflowPolicy(e.OverflowPolicy)),
		dispatch.WithPausePolicy(pause),
		dispatch.WithKeyIdleTimeout(e.KeyIdleTimeout),
		dispatch.WithHandlerTimeout(e.HandlerTimeout),
		dispatch.WithShutdownGrace(e.ShutdownGrace),
		dispatch.WithWorkers(e.Workers),
		dispatch.WithSweepInterval(e.SweepInterval),
		dispatch.WithReconnectPolicy(dispatch.ReconnectPolicy{
			Initial:     e.ReconnectInitial,
			Max:         e.ReconnectMax,
			Multiplier:  e.ReconnectMultiplier,
			MaxAttempts: e.ReconnectMaxAttempts,
		}),
		dispatch.WithAckConfig(ack),
		dispatch.WithLedger(ledger),
		dispatch.WithEventSink(events),
		dispatch.WithLogger(logger),
		dispatch.WithTracer(tracing.GetTracer("orderedsub/dispatch")),
	}
}

// openLedger returns the configured dedup ledger and a function releasing it
func openLedger(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (dedup.Ledger, func(), error) {
	switch cfg.Engine.Dedup {
	case "none":
		return dedup.Nop{}, func() {}, nil
	case "postgres":
		dbConfig := database.DefaultConnectionConfig()
		dbConfig.Host = cfg.Database.Host
		dbConfig.Port = cfg.Database.Port
		dbConfig.User = cfg.Database.User
		dbConfig.Password = cfg.Database.Password
		dbConfig.Database = cfg.Database.Database
		dbConfig.SSLMode = cfg.Database.SSLMode

		conn, err := database.NewConnection(dbConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		ledger := database.NewProcessedLedger(conn)
		if err := ledger.EnsureSchema(ctx, database.NewMigrator(conn, logger)); err != nil {
			conn.Close()
			return nil, nil, err
		}
		return ledger, func() { conn.Close() }, nil
	default:
		return dedup.NewMemory(cfg.Engine.DedupCapacity), func() {}, nil
	}
}

// logHandler handles every message type without a registered handler by
// logging it
func logHandler(logger logrus.FieldLogger) handler.Handler {
	return handler.Func(func(ctx context.Context, msg *models.Message) error {
		logger.WithFields(logrus.Fields{
			"key":        msg.OrderingKey,
			"message_id": msg.ID,
			"type":       msg.Attribute(models.AttributeType),
			"bytes":      len(msg.Payload),
		}).Info("Message handled")
		return nil
	})
}

func refreshQueueMetrics(ctx context.Context, broker *queue.NATSBroker, logger logrus.FieldLogger) {
	ticker := time.NewTicker(*metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := broker.UpdateQueueMetrics(ctx); err != nil {
				logger.WithError(err).Debug("Failed to update queue metrics")
			}
		}
	}
}

func pruneLedger(ctx context.Context, ledger *database.ProcessedLedger, retention time.Duration, logger logrus.FieldLogger) {
	ticker := time.NewTicker(*pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.Prune(ctx, retention)
			if err != nil {
				logger.WithError(err).Warn("Failed to prune dedup ledger")
				continue
			}
			if n > 0 {
				logger.WithField("rows", n).Info("Pruned dedup ledger")
			}
		}
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"paymock/internal/config"
	"paymock/internal/idempotency"
	"paymock/internal/kafka"
	"paymock/internal/notify"
	"paymock/internal/otp"
	"paymock/internal/payment"
	"paymock/internal/server"
	"paymock/internal/signing"
	"paymock/internal/storage"
	"paymock/internal/telemetry"
	"paymock/internal/webhook"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, tracer, meter, shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "paymock-gateway",
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		panic("failed to initialize telemetry: " + err.Error())
	}

	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		panic("failed to create metrics: " + err.Error())
	}

	runErr := run(ctx, cancel, cfg, metrics, log, tracer)
	if runErr != nil {
		log.Error("gateway stopped", zap.Error(runErr))
	}
	if err := shutdown(context.Background()); err != nil {
		log.Warn("telemetry shutdown", zap.Error(err))
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// run wires and serves the gateway until the process is signalled. Every
// resource it opens is closed before it returns.
func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config,
	metrics *telemetry.Metrics, log *zap.Logger, tracer trace.Tracer) error {
	store, err := storage.Open(ctx, cfg.StorageDriver, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.StorageDriver, err)
	}
	defer store.Close()

	var ledgerStore idempotency.Store = store
	if cfg.RedisAddr != "" {
		client, err := idempotency.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		defer client.Close()
		ledgerStore = idempotency.NewRedisStore(client, idempotency.DefaultRedisTTL)
		log.Info("idempotency ledger on redis", zap.String("addr", cfg.RedisAddr))
	}
	ledger := idempotency.NewLedger(ledgerStore, log)

	var mailer notify.Mailer = notify.NewConsoleMailer(log)
	if cfg.SMTP.Configured() {
		mailer = notify.NewSMTPMailer(cfg.SMTP, log)
	}
	notifier := notify.NewNotifier(mailer, cfg.SMTP.From)

	signer, err := signing.NewSigner(cfg.Webhook.Secret)
	if err != nil {
		return fmt.Errorf("webhook secret: %w", err)
	}
	engine := webhook.NewEngine(store, signer, webhook.NewSender(cfg.Webhook.Timeout), webhook.Options{
		Workers: cfg.Webhook.Workers,
		Retry: webhook.RetryPolicy{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			BaseDelay:   cfg.Webhook.BaseDelay,
		},
	}, metrics, log, tracer)
	// workers drain before the store closes
	defer engine.Wait()
	defer cancel()

	var events payment.EventPublisher = engine
	if cfg.EventBus == "kafka" {
		if err := kafka.EnsureTopic(ctx, cfg.KafkaBroker, cfg.KafkaTopic, 3, 1, log); err != nil {
			return fmt.Errorf("prepare kafka topic: %w", err)
		}
		producer := kafka.NewProducer(strings.Split(cfg.KafkaBroker, ","), cfg.KafkaTopic, log)
		defer producer.Close()
		events = producer
	} else if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start delivery engine: %w", err)
	}

	uc := payment.NewUseCase(store, ledger, otp.NewVerifier(cfg.Payment.OTPLength, notifier, metrics, log),
		events, notifier, payment.Options{
			TTL:            cfg.Payment.TTL,
			OTPMaxAttempts: cfg.Payment.OTPMaxAttempts,
			AcceptedCard:   cfg.Payment.AcceptedCard,
			BaseURL:        cfg.BaseURL,
		}, metrics, log, tracer)
	go uc.RunSweeper(ctx, cfg.Payment.SweepInterval)

	app := server.New(log)
	payment.NewController(uc, log, tracer).Register(app)
	webhook.NewController(engine, log, tracer).Register(app)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Info("shutting down gateway...")
			_ = app.Shutdown()
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("gateway listening",
		zap.String("addr", ":"+cfg.Port),
		zap.String("storage", cfg.StorageDriver),
		zap.String("event_bus", cfg.EventBus),
	)
	if err := app.Listen(":" + cfg.Port); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

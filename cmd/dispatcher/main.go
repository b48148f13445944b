package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"paymock/internal/config"
	"paymock/internal/kafka"
	"paymock/internal/signing"
	"paymock/internal/storage"
	"paymock/internal/telemetry"
	"paymock/internal/webhook"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const groupID = "paymock-dispatcher"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, tracer, meter, shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "paymock-dispatcher",
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
		log.Error("dispatcher stopped", zap.Error(runErr))
	}
	if err := shutdown(context.Background()); err != nil {
		log.Warn("telemetry shutdown", zap.Error(err))
	}
	if runErr != nil {
		// uncommitted events are redelivered to the next instance
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config,
	metrics *telemetry.Metrics, log *zap.Logger, tracer trace.Tracer) error {
	if cfg.StorageDriver == "memory" {
		log.Warn("dispatcher is using in-memory storage; deliveries are not shared with the gateway")
	}
	store, err := storage.Open(ctx, cfg.StorageDriver, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.StorageDriver, err)
	}
	defer store.Close()

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
	defer engine.Wait()
	defer cancel()

	if err := kafka.EnsureTopic(ctx, cfg.KafkaBroker, cfg.KafkaTopic, 3, 1, log); err != nil {
		return fmt.Errorf("prepare kafka topic: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Info("shutting down dispatcher...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start delivery engine: %w", err)
	}

	consumer := kafka.NewConsumer(strings.Split(cfg.KafkaBroker, ","), cfg.KafkaTopic, groupID, log)
	defer consumer.Close()

	log.Info("dispatcher started",
		zap.String("topic", cfg.KafkaTopic),
		zap.String("group", groupID),
		zap.Int("workers", cfg.Webhook.Workers),
	)

	err = consumer.Listen(ctx, func(ctx context.Context, key, value []byte) error {
		ev, err := kafka.DecodeEvent(value)
		if err != nil {
			return backoff.Permanent(err)
		}
		return engine.Accept(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.KafkaTopic, err)
	}
	return nil
}

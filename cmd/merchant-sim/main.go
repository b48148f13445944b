package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paymock/internal/config"
	"paymock/internal/merchant"
	"paymock/internal/payment"
	"paymock/internal/server"
	"paymock/internal/signing"
	"paymock/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func publicURL(addr string) string {
	if v := os.Getenv("SIM_PUBLIC_URL"); v != "" {
		return v
	}
	return "http://localhost" + addr
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, _, _, shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "paymock-merchant-sim",
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		panic("failed to initialize telemetry: " + err.Error())
	}

	runErr := run(ctx, cancel, cfg, log)
	if runErr != nil {
		log.Error("merchant-sim stopped", zap.Error(runErr))
	}
	if err := shutdown(context.Background()); err != nil {
		log.Warn("telemetry shutdown", zap.Error(err))
	}
	if runErr != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *zap.Logger) error {
	signer, err := signing.NewSigner(cfg.Webhook.Secret)
	if err != nil {
		return fmt.Errorf("webhook secret: %w", err)
	}
	receiver := merchant.NewReceiver(signer, log)

	app := server.New(log)
	receiver.Register(app)

	// SIM_INVOICE_INTERVAL turns on invoice generation against the gateway.
	if v := os.Getenv("SIM_INVOICE_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SIM_INVOICE_INTERVAL %q: %w", v, err)
		}
		go placeInvoices(ctx, merchant.NewClient(cfg.GatewayURL), publicURL(cfg.MerchantAddr), interval, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Info("shutting down merchant-sim...")
			_ = app.Shutdown()
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("merchant-sim listening",
		zap.String("addr", cfg.MerchantAddr),
		zap.String("gateway", cfg.GatewayURL),
	)
	defer cancel()
	if err := app.Listen(cfg.MerchantAddr); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func placeInvoices(ctx context.Context, client *merchant.Client, self string, interval time.Duration, log *zap.Logger) {
	log.Info("invoice generator started", zap.String("target", self), zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			placeInvoice(ctx, client, self, n, log)
		}
	}
}

func placeInvoice(ctx context.Context, client *merchant.Client, self string, n int, log *zap.Logger) {
	req := payment.CreateInvoiceRequest{
		Amount:      int64(500 + rand.IntN(49500)),
		Reference:   fmt.Sprintf("SIM-%06d", n),
		WebhookURL:  self + "/webhook",
		RedirectURL: self + "/done",
	}
	inv, err := client.CreateInvoice(ctx, uuid.NewString(), req)
	if err != nil {
		log.Warn("invoice request failed", zap.String("reference", req.Reference), zap.Error(err))
		return
	}
	log.Info("invoice placed",
		zap.String("payment_id", inv.PaymentID),
		zap.String("reference", req.Reference),
		zap.Int64("amount", req.Amount),
		zap.String("page_url", inv.PageURL),
	)
}

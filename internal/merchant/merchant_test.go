package merchant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"paymock/internal/idempotency"
	"paymock/internal/models"
	"paymock/internal/notify"
	"paymock/internal/otp"
	"paymock/internal/payment"
	"paymock/internal/server"
	"paymock/internal/signing"
	"paymock/internal/storage"
	"paymock/internal/telemetry"
	"paymock/internal/webhook"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap/zaptest"
)

const secret = "merchant-secret"

func newSigner(t *testing.T) *signing.Signer {
	t.Helper()
	s, err := signing.NewSigner(secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func postWebhook(t *testing.T, app *fiber.App, body, sig string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, sig)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestReceiver(t *testing.T) {
	signer := newSigner(t)
	log := zaptest.NewLogger(t)
	r := NewReceiver(signer, log)
	var (
		mu       sync.Mutex
		notified []Notification
	)
	r.OnNotify = func(n Notification) {
		mu.Lock()
		notified = append(notified, n)
		mu.Unlock()
	}
	app := server.New(log)
	r.Register(app)

	payload := models.WebhookPayload{PaymentID: "pay-1", Reference: "ORDER-1", Amount: 10000, Status: models.StatusPaid, Timestamp: "2026-05-01T10:00:00Z", CardMask: "**** 4444"}
	body, sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}

	if got := postWebhook(t, app, string(body), sig); got != fiber.StatusOK {
		t.Fatalf("first delivery status = %d", got)
	}
	if got := postWebhook(t, app, string(body), sig); got != fiber.StatusOK {
		t.Fatalf("redelivery status = %d", got)
	}
	compact := `{"payment_id":"pay-1","reference":"ORDER-1","amount":10000,"status":"paid","timestamp":"2026-05-01T10:00:00Z","card_mask":"**** 4444"}`
	if got := postWebhook(t, app, compact, sig); got != fiber.StatusOK {
		t.Errorf("re-serialized body status = %d, want 200", got)
	}
	if len(notified) != 1 || notified[0].Payload.PaymentID != "pay-1" {
		t.Errorf("notified = %+v, want exactly one", notified)
	}

	t.Run("Given a tampered body, When posting, Then 401", func(t *testing.T) {
		tampered := strings.Replace(string(body), "10000", "1", 1)
		if got := postWebhook(t, app, tampered, sig); got != fiber.StatusUnauthorized {
			t.Errorf("status = %d", got)
		}
	})
	t.Run("Given another secret, When posting, Then 401", func(t *testing.T) {
		other, _ := signing.NewSigner("other")
		if got := postWebhook(t, app, string(body), other.SignBytes(body)); got != fiber.StatusUnauthorized {
			t.Errorf("status = %d", got)
		}
	})
	t.Run("Given the same payment with a new status, When posting, Then it is processed", func(t *testing.T) {
		payload.Status = models.StatusFailed
		body, sig, _ := signer.Sign(payload)
		if got := postWebhook(t, app, string(body), sig); got != fiber.StatusOK {
			t.Errorf("status = %d", got)
		}
		if n := len(r.Notifications()); n != 2 {
			t.Errorf("got %d notifications, want 2", n)
		}
	})
}

// gateway runs the real payment and webhook controllers behind an
// httptest server. The delivery engine is not started, so deliveries only
// go out on replay.
func gateway(t *testing.T) (*httptest.Server, *payment.UseCase) {
	t.Helper()
	log := zaptest.NewLogger(t)
	_, tracer, metrics := telemetry.NewNop()
	store := storage.NewMemoryStore()

	engine := webhook.NewEngine(store, newSigner(t), webhook.NewSender(0), webhook.Options{}, metrics, log, tracer)
	notifier := notify.NewNotifier(&notify.Mock{}, "no-reply@paymock.local")
	uc := payment.NewUseCase(store, idempotency.NewLedger(store, log), otp.NewVerifier(6, notifier, metrics, log),
		engine, notifier, payment.Options{BaseURL: "http://pay.test"}, metrics, log, tracer)

	app := server.New(log)
	payment.NewController(uc, log, tracer).Register(app)
	webhook.NewController(engine, log, tracer).Register(app)

	srv := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(srv.Close)
	return srv, uc
}

func TestClientAgainstGateway(t *testing.T) {
	gw, uc := gateway(t)
	log := zaptest.NewLogger(t)
	receiver := NewReceiver(newSigner(t), log)
	merchantApp := server.New(log)
	receiver.Register(merchantApp)
	merchant := httptest.NewServer(adaptor.FiberApp(merchantApp))
	defer merchant.Close()

	ctx := context.Background()
	client := NewClient(gw.URL + "/")
	req := payment.CreateInvoiceRequest{
		Amount:      2500,
		Reference:   "ORDER-7",
		WebhookURL:  merchant.URL + "/webhook",
		RedirectURL: merchant.URL + "/done",
	}

	inv, err := client.CreateInvoice(ctx, "order-7", req)
	if err != nil {
		t.Fatalf("CreateInvoice() error = %v", err)
	}
	if inv.PaymentID == "" || inv.PageURL != "http://pay.test/checkout/"+inv.PaymentID || inv.Replayed {
		t.Fatalf("invoice = %+v", inv)
	}
	again, err := client.CreateInvoice(ctx, "order-7", req)
	if err != nil || !again.Replayed || again.PaymentID != inv.PaymentID {
		t.Fatalf("replayed invoice = %+v, %v", again, err)
	}

	req.Amount = 0
	_, err = client.CreateInvoice(ctx, "", req)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 || apiErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("invalid invoice err = %v", err)
	}

	if _, err := client.Webhooks(ctx, inv.PaymentID); !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("webhooks before terminal err = %v", err)
	}

	if _, err := uc.SubmitCard(ctx, inv.PaymentID, payment.CardDetails{Number: "4000000000000002", Email: "payer@example.com"}); err != nil {
		t.Fatal(err)
	}

	res, err := client.Replay(ctx, inv.PaymentID)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if !res.Delivered || res.Attempt == nil || res.Attempt.Sequence != 1 {
		t.Fatalf("replay = %+v", res)
	}

	notes := receiver.Notifications()
	if len(notes) != 1 || notes[0].Payload.Status != models.StatusFailed || notes[0].Payload.Amount != 2500 {
		t.Errorf("merchant saw %+v", notes)
	}

	h, err := client.Webhooks(ctx, inv.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if h.Delivery.State != models.DeliveryDelivered || len(h.Attempts) != 1 || !h.Attempts[0].Success {
		t.Errorf("history = %+v", h)
	}
}

package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"paymock/internal/idempotency"
	"paymock/internal/models"
	"paymock/internal/notify"
	"paymock/internal/otp"
	"paymock/internal/storage"
	"paymock/internal/telemetry"

	"go.uber.org/zap/zaptest"
)

const testCard = "4444 4444 4444 4444"

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev models.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) For(paymentID string) []models.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.LifecycleEvent
	for _, ev := range r.events {
		if ev.PaymentID == paymentID {
			out = append(out, ev)
		}
	}
	return out
}

type capturingNotifier struct {
	mu    sync.Mutex
	codes map[string][]string
}

func (n *capturingNotifier) SendCode(_ context.Context, _, paymentID, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes[paymentID] = append(n.codes[paymentID], code)
	return nil
}

func (n *capturingNotifier) Last(paymentID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	codes := n.codes[paymentID]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

func (n *capturingNotifier) Count(paymentID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.codes[paymentID])
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	uc     *UseCase
	store  *storage.MemoryStore
	events *recordingPublisher
	codes  *capturingNotifier
	mail   *notify.Mock
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	_, tracer, metrics := telemetry.NewNop()

	f := &fixture{
		store:  storage.NewMemoryStore(),
		events: &recordingPublisher{},
		codes:  &capturingNotifier{codes: map[string][]string{}},
		mail:   &notify.Mock{},
		clock:  &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	verifier := otp.NewVerifier(6, f.codes, metrics, log)
	f.uc = NewUseCase(f.store, idempotency.NewLedger(f.store, log), verifier, f.events,
		notify.NewNotifier(f.mail, "no-reply@paymock.local"),
		Options{BaseURL: "http://pay.test/"}, metrics, log, tracer)
	f.uc.now = f.clock.Now
	return f
}

// replica is a second gateway on the same store: it shares nothing in
// process with f.uc, including the per-payment locks.
func (f *fixture) replica(t *testing.T) *UseCase {
	t.Helper()
	log := zaptest.NewLogger(t)
	_, tracer, metrics := telemetry.NewNop()
	verifier := otp.NewVerifier(6, f.codes, metrics, log)
	uc := NewUseCase(f.store, idempotency.NewLedger(f.store, log), verifier, f.events, nil,
		Options{BaseURL: "http://pay.test/"}, metrics, log, tracer)
	uc.now = f.clock.Now
	return uc
}

func validInvoice() CreateInvoiceRequest {
	return CreateInvoiceRequest{
		Amount:      10000,
		Reference:   "ORDER-1",
		WebhookURL:  "http://merchant.test/webhook",
		RedirectURL: "http://merchant.test/done",
	}
}

func (f *fixture) create(t *testing.T) *models.Payment {
	t.Helper()
	p, err := f.uc.Create(context.Background(), validInvoice())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return p
}

func (f *fixture) submit(t *testing.T, id, number string) *models.Payment {
	t.Helper()
	p, err := f.uc.SubmitCard(context.Background(), id, CardDetails{Number: number, Expiry: "12/30", CVV: "123", Email: "payer@example.com"})
	if err != nil {
		t.Fatalf("SubmitCard() error = %v", err)
	}
	return p
}

func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

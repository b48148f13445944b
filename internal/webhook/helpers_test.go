package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"paymock/internal/models"
	"paymock/internal/signing"
	"paymock/internal/storage"
	"paymock/internal/telemetry"

	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

var testPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}

type call struct {
	body        []byte
	signature   string
	paymentID   string
	contentType string
	at          time.Time
}

// target is an integrator endpoint whose answer per call is decided by
// respond, which receives the 1-based call number.
type target struct {
	srv     *httptest.Server
	mu      sync.Mutex
	calls   []call
	respond func(n int) int
}

func newTarget(t *testing.T, respond func(n int) int) *target {
	t.Helper()
	tg := &target{respond: respond}
	tg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		tg.mu.Lock()
		tg.calls = append(tg.calls, call{
			body:        body,
			signature:   r.Header.Get(SignatureHeader),
			paymentID:   r.Header.Get(PaymentIDHeader),
			contentType: r.Header.Get("Content-Type"),
			at:          time.Now(),
		})
		n := len(tg.calls)
		tg.mu.Unlock()

		w.WriteHeader(tg.respond(n))
		_, _ = w.Write([]byte("ack"))
	}))
	t.Cleanup(tg.srv.Close)
	return tg
}

func always(status int) func(int) int {
	return func(int) int { return status }
}

func (tg *target) Calls() []call {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return append([]call(nil), tg.calls...)
}

// faultyStore fails the first AppendAttempt or UpdateDelivery, as selected,
// with a non-conflict storage error.
type faultyStore struct {
	*storage.MemoryStore
	failAppend, failUpdate bool

	mu     sync.Mutex
	faults int
}

var errDiskFull = errors.New("disk full")

func (s *faultyStore) fault(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !enabled || s.faults > 0 {
		return false
	}
	s.faults++
	return true
}

func (s *faultyStore) AppendAttempt(ctx context.Context, a *models.WebhookAttempt) error {
	if s.fault(s.failAppend) {
		return errDiskFull
	}
	return s.MemoryStore.AppendAttempt(ctx, a)
}

func (s *faultyStore) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	if s.fault(s.failUpdate) {
		return errDiskFull
	}
	return s.MemoryStore.UpdateDelivery(ctx, d)
}

func newTestEngine(t *testing.T, store Store) (*Engine, *signing.Signer) {
	t.Helper()
	signer, err := signing.NewSigner(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	_, tracer, metrics := telemetry.NewNop()
	e := NewEngine(store, signer, NewSender(2*time.Second),
		Options{Workers: 4, Retry: testPolicy}, metrics, zaptest.NewLogger(t), tracer)
	return e, signer
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		e.Wait()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func deliveryState(store *storage.MemoryStore, id string) models.DeliveryState {
	d, err := store.GetDelivery(context.Background(), id)
	if err != nil {
		return ""
	}
	return d.State
}

func paidEvent(id, url string) models.LifecycleEvent {
	return models.LifecycleEvent{
		PaymentID:  id,
		Reference:  "ORDER-1",
		Amount:     10000,
		Status:     models.StatusPaid,
		CardMask:   "**** 4444",
		WebhookURL: url,
		OccurredAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

// seedDelivery stores a signed delivery plus a trail of attempts, the last of
// which succeeded when lastOK is set.
func seedDelivery(t *testing.T, store *storage.MemoryStore, signer *signing.Signer, ev models.LifecycleEvent,
	state models.DeliveryState, rowAttempts, trail int, lastOK bool) {
	t.Helper()
	ctx := context.Background()
	body, sig, err := signer.Sign(models.NewWebhookPayload(ev))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	d := &models.Delivery{
		PaymentID:     ev.PaymentID,
		EventStatus:   ev.Status,
		URL:           ev.WebhookURL,
		Payload:       body,
		Signature:     sig,
		State:         state,
		Attempts:      rowAttempts,
		NextAttemptAt: now,
		CreatedAt:     now.Add(-time.Minute),
		UpdatedAt:     now,
	}
	if _, err := store.CreateDeliveryIfAbsent(ctx, d); err != nil {
		t.Fatal(err)
	}
	for seq := 1; seq <= trail; seq++ {
		ok := lastOK && seq == trail
		a := &models.WebhookAttempt{
			PaymentID:   ev.PaymentID,
			Sequence:    seq,
			URL:         ev.WebhookURL,
			Body:        string(body),
			Signature:   sig,
			Success:     ok,
			AttemptedAt: now.Add(-time.Minute + time.Duration(seq)*time.Second),
		}
		if !ok {
			a.ResponseStatus = 500
			a.Error = "webhook endpoint returned 500"
		} else {
			a.ResponseStatus = 200
		}
		if err := store.AppendAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
}

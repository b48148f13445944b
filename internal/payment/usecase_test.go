package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paymock/internal/idempotency"
	"paymock/internal/models"
)

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.create(t)
	if p.Status != models.StatusPending || p.Amount != 10000 || p.Reference != "ORDER-1" {
		t.Fatalf("created payment = %+v", p)
	}
	if !p.ExpiresAt.Equal(p.CreatedAt.Add(15 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want CreatedAt+15m", p.ExpiresAt)
	}
	if got := f.uc.PageURL(p.ID); got != "http://pay.test/checkout/"+p.ID {
		t.Errorf("PageURL() = %s", got)
	}

	p = f.submit(t, p.ID, testCard)
	if p.Status != models.StatusWaitingForOTP || p.CardMask != "**** 4444" {
		t.Fatalf("after card: %+v", p)
	}
	code := f.codes.Last(p.ID)
	if len(code) != 6 {
		t.Fatalf("dispatched code %q", code)
	}
	if len(f.events.For(p.ID)) != 0 {
		t.Fatal("event published before a terminal transition")
	}

	res, err := f.uc.VerifyOTP(ctx, p.ID, code)
	if err != nil {
		t.Fatalf("VerifyOTP() error = %v", err)
	}
	if !res.Verified || res.Payment.Status != models.StatusPaid || res.Payment.PaidAt == nil {
		t.Fatalf("VerifyOTP() = %+v", res)
	}

	events := f.events.For(p.ID)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Status != models.StatusPaid || ev.Amount != 10000 || ev.Reference != "ORDER-1" || ev.CardMask != "**** 4444" {
		t.Errorf("event = %+v", ev)
	}

	history, _ := f.store.StatusHistory(ctx, p.ID)
	if len(history) != 2 || history[0].To != models.StatusWaitingForOTP || history[1].To != models.StatusPaid {
		t.Errorf("history = %+v", history)
	}

	if len(f.mail.Messages()) != 1 {
		t.Errorf("sent %d receipts, want 1", len(f.mail.Messages()))
	}

	t.Run("Given a paid payment, When a card is submitted, Then ErrAlreadyTerminal", func(t *testing.T) {
		_, err := f.uc.SubmitCard(ctx, p.ID, CardDetails{Number: testCard, Email: "payer@example.com"})
		if !errors.Is(err, ErrAlreadyTerminal) {
			t.Errorf("err = %v, want ErrAlreadyTerminal", err)
		}
		if len(f.events.For(p.ID)) != 1 {
			t.Error("terminal payment emitted another event")
		}
	})
}

func TestDeclinedCard(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	p = f.submit(t, p.ID, "4111 1111 1111 1111")
	if p.Status != models.StatusFailed || p.FailureReason != models.ReasonInsufficientFunds {
		t.Fatalf("payment = %+v", p)
	}
	if f.codes.Count(p.ID) != 0 {
		t.Error("OTP dispatched for a declined card")
	}
	events := f.events.For(p.ID)
	if len(events) != 1 || events[0].Status != models.StatusFailed || events[0].Reason != models.ReasonInsufficientFunds {
		t.Errorf("events = %+v", events)
	}
}

func TestCardNumberNormalization(t *testing.T) {
	for _, number := range []string{"4444444444444444", "4444-4444-4444-4444", " 4444 4444 4444 4444 "} {
		f := newFixture(t)
		p := f.create(t)
		if got := f.submit(t, p.ID, number); got.Status != models.StatusWaitingForOTP {
			t.Errorf("card %q: status %s, want waiting_for_otp", number, got.Status)
		}
	}
}

func TestSweepExpiresStalePayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)
	waiting := f.create(t)
	f.submit(t, waiting.ID, testCard)

	n, err := f.uc.ExpireSweep(ctx, f.clock.Now().Add(14*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	now := f.clock.Advance(16 * time.Minute)
	n, err = f.uc.ExpireSweep(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("sweep expired %d, want 2", n)
	}
	for _, id := range []string{p.ID, waiting.ID} {
		events := f.events.For(id)
		if len(events) != 1 || events[0].Status != models.StatusExpired {
			t.Errorf("%s events = %+v, want one expired", id, events)
		}
	}

	if n, _ := f.uc.ExpireSweep(ctx, now.Add(time.Minute)); n != 0 {
		t.Errorf("second sweep expired %d, want 0", n)
	}

	_, err = f.uc.SubmitCard(ctx, p.ID, CardDetails{Number: testCard, Email: "payer@example.com"})
	if !errors.Is(err, ErrExpired) {
		t.Errorf("SubmitCard() after expiry err = %v, want ErrExpired", err)
	}
	_, err = f.uc.VerifyOTP(ctx, waiting.ID, f.codes.Last(waiting.ID))
	if !errors.Is(err, ErrExpired) {
		t.Errorf("VerifyOTP() after expiry err = %v, want ErrExpired", err)
	}
}

func TestAccessAfterDeadlineExpiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)
	f.clock.Advance(15*time.Minute + time.Second)

	p2, err := f.uc.SubmitCard(ctx, p.ID, CardDetails{Number: testCard, Email: "payer@example.com"})
	var sc *StateConflictError
	if !errors.As(err, &sc) || !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want StateConflictError(ErrExpired)", err)
	}
	if p2 == nil || p2.Status != models.StatusExpired {
		t.Errorf("payment = %+v, want expired", p2)
	}
	if n, _ := f.uc.ExpireSweep(ctx, f.clock.Now()); n != 0 {
		t.Errorf("sweep expired %d after lazy expiry, want 0", n)
	}
	if events := f.events.For(p.ID); len(events) != 1 {
		t.Errorf("events = %+v, want exactly one", events)
	}
}

func TestOTPAttemptBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)
	f.submit(t, p.ID, testCard)
	bad := wrongCode(f.codes.Last(p.ID))

	for want := 2; want >= 1; want-- {
		res, err := f.uc.VerifyOTP(ctx, p.ID, bad)
		if err != nil {
			t.Fatal(err)
		}
		if res.Verified || res.AttemptsRemaining != want || res.Payment.Status != models.StatusWaitingForOTP {
			t.Fatalf("VerifyOTP() = %+v, want %d remaining", res, want)
		}
	}

	res, err := f.uc.VerifyOTP(ctx, p.ID, bad)
	if err != nil {
		t.Fatal(err)
	}
	if res.Verified || res.AttemptsRemaining != 0 || res.Payment.Status != models.StatusFailed || res.Payment.FailureReason != models.ReasonInvalidOTP {
		t.Fatalf("third wrong code: %+v", res)
	}
	events := f.events.For(p.ID)
	if len(events) != 1 || events[0].Reason != models.ReasonInvalidOTP {
		t.Errorf("events = %+v", events)
	}

	if _, err := f.uc.VerifyOTP(ctx, p.ID, f.codes.Last(p.ID)); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("correct code after failure err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestVerifyBeforeCard(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	_, err := f.uc.VerifyOTP(context.Background(), p.ID, "123456")
	if !errors.Is(err, ErrWrongState) {
		t.Errorf("err = %v, want ErrWrongState", err)
	}
	got, _ := f.uc.Get(context.Background(), p.ID)
	if got.OTPAttempts != 0 || got.Status != models.StatusPending {
		t.Errorf("payment changed: %+v", got)
	}
}

func TestResubmitCardReissuesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)
	f.submit(t, p.ID, testCard)
	first := f.codes.Last(p.ID)

	if _, err := f.uc.VerifyOTP(ctx, p.ID, wrongCode(first)); err != nil {
		t.Fatal(err)
	}
	f.submit(t, p.ID, testCard)
	second := f.codes.Last(p.ID)
	if f.codes.Count(p.ID) != 2 {
		t.Fatalf("dispatched %d codes, want 2", f.codes.Count(p.ID))
	}

	got, _ := f.uc.Get(ctx, p.ID)
	if got.OTPAttempts != 1 {
		t.Errorf("OTPAttempts = %d after resubmission, want 1", got.OTPAttempts)
	}
	if first != second {
		if res, _ := f.uc.VerifyOTP(ctx, p.ID, first); res.Verified {
			t.Error("superseded code still verifies")
		}
	}
	res, err := f.uc.VerifyOTP(ctx, p.ID, second)
	if err != nil || !res.Verified {
		t.Errorf("VerifyOTP(second) = %+v, %v", res, err)
	}

	t.Run("Given a waiting payment, When a rejected card is submitted, Then it fails", func(t *testing.T) {
		q := f.create(t)
		f.submit(t, q.ID, testCard)
		if got := f.submit(t, q.ID, "5555555555554444"); got.Status != models.StatusFailed {
			t.Errorf("status = %s, want failed", got.Status)
		}
	})
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		mutate func(*CreateInvoiceRequest)
		want   error
	}{
		{"Given zero amount, When creating, Then ErrInvalidAmount", func(r *CreateInvoiceRequest) { r.Amount = 0 }, ErrInvalidAmount},
		{"Given negative amount, When creating, Then ErrInvalidAmount", func(r *CreateInvoiceRequest) { r.Amount = -5 }, ErrInvalidAmount},
		{"Given an ftp webhook, When creating, Then ErrInvalidURL", func(r *CreateInvoiceRequest) { r.WebhookURL = "ftp://merchant.test/x" }, ErrInvalidURL},
		{"Given a relative redirect, When creating, Then ErrInvalidURL", func(r *CreateInvoiceRequest) { r.RedirectURL = "/done" }, ErrInvalidURL},
		{"Given a missing webhook, When creating, Then ErrInvalidURL", func(r *CreateInvoiceRequest) { r.WebhookURL = "" }, ErrInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validInvoice()
			tt.mutate(&req)
			_, err := f.uc.Create(context.Background(), req)
			var verr *ValidationError
			if !errors.As(err, &verr) || !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want ValidationError wrapping %v", err, tt.want)
			}
		})
	}
}

func TestSubmitCardValidation(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	if _, err := f.uc.SubmitCard(ctx, p.ID, CardDetails{Number: " ", Email: "payer@example.com"}); !errors.Is(err, ErrInvalidCard) {
		t.Errorf("blank number err = %v", err)
	}
	if _, err := f.uc.SubmitCard(ctx, p.ID, CardDetails{Number: testCard, Email: "nope"}); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("bad email err = %v", err)
	}
	if _, err := f.uc.SubmitCard(ctx, "missing", CardDetails{Number: testCard, Email: "payer@example.com"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing payment err = %v", err)
	}
	got, _ := f.uc.Get(ctx, p.ID)
	if got.Status != models.StatusPending {
		t.Errorf("validation failure changed status to %s", got.Status)
	}
}

func TestCreateIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, replayed, err := f.uc.CreateIdempotent(ctx, "key-1", validInvoice())
	if err != nil || replayed {
		t.Fatalf("first = %v, %v", replayed, err)
	}
	second, replayed, err := f.uc.CreateIdempotent(ctx, "key-1", validInvoice())
	if err != nil || !replayed || second.ID != first.ID {
		t.Fatalf("second = %+v replayed=%v err=%v, want same id", second, replayed, err)
	}

	other := validInvoice()
	other.Amount = 20000
	if _, _, err := f.uc.CreateIdempotent(ctx, "key-1", other); !errors.Is(err, idempotency.ErrConflict) {
		t.Errorf("different body err = %v, want ErrConflict", err)
	}

	third, _, err := f.uc.CreateIdempotent(ctx, "", validInvoice())
	if err != nil || third.ID == first.ID {
		t.Errorf("no key should create a new payment, got %+v %v", third, err)
	}
}

func TestVerifyOTPIdempotentDoesNotBurnAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)
	f.submit(t, p.ID, testCard)
	bad := wrongCode(f.codes.Last(p.ID))

	for i := 0; i < 3; i++ {
		res, _, err := f.uc.VerifyOTPIdempotent(ctx, "otp-key", p.ID, bad)
		if err != nil {
			t.Fatal(err)
		}
		if res.AttemptsRemaining != 2 {
			t.Fatalf("retry %d: remaining = %d, want 2", i, res.AttemptsRemaining)
		}
	}
	got, _ := f.uc.Get(ctx, p.ID)
	if got.OTPAttempts != 1 || got.Status != models.StatusWaitingForOTP {
		t.Errorf("payment = %+v", got)
	}
}

func TestConcurrentSweepAndVerifyEmitOneEvent(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		p := f.create(t)
		f.submit(t, p.ID, testCard)
		code := f.codes.Last(p.ID)
		now := f.clock.Advance(16 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.uc.ExpireSweep(ctx, now)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.uc.VerifyOTP(ctx, p.ID, code)
		}()
		wg.Wait()

		events := f.events.For(p.ID)
		if len(events) != 1 || events[0].Status != models.StatusExpired {
			t.Fatalf("iteration %d: events = %+v, want one expired", i, events)
		}
	}
}

func TestConcurrentCorrectCodesPayOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)
	f.submit(t, p.ID, testCard)
	code := f.codes.Last(p.ID)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		verified int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.uc.VerifyOTP(ctx, p.ID, code)
			if err != nil {
				if !errors.Is(err, ErrAlreadyTerminal) {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if res.Verified {
				mu.Lock()
				verified++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if verified != 1 {
		t.Errorf("%d callers verified, want 1", verified)
	}
	if events := f.events.For(p.ID); len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestConcurrentWrongCodesAcrossReplicasKeepBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)
	f.submit(t, p.ID, testCard)
	bad := wrongCode(f.codes.Last(p.ID))
	gateways := []*UseCase{f.uc, f.replica(t)}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(uc *UseCase) {
			defer wg.Done()
			res, err := uc.VerifyOTP(ctx, p.ID, bad)
			if err != nil {
				if !errors.Is(err, ErrAlreadyTerminal) {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if res.Verified {
				t.Errorf("wrong code verified")
			}
			mu.Lock()
			counted++
			mu.Unlock()
		}(gateways[i%len(gateways)])
	}
	wg.Wait()

	stored, err := f.uc.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusFailed || stored.FailureReason != models.ReasonInvalidOTP {
		t.Errorf("stored = %s/%s, want failed/invalid_otp", stored.Status, stored.FailureReason)
	}
	if stored.OTPAttempts != DefaultOTPMaxAttempts || counted != DefaultOTPMaxAttempts {
		t.Errorf("attempts stored = %d, counted = %d, want %d", stored.OTPAttempts, counted, DefaultOTPMaxAttempts)
	}
	if events := f.events.For(p.ID); len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestPublishFailureKeepsCommittedState(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("bus down")
	p := f.create(t)

	got := f.submit(t, p.ID, "1234123412341234")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	stored, _ := f.uc.Get(context.Background(), p.ID)
	if stored.Status != models.StatusFailed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
}

func TestSavedCardAndUserInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)
	_, err := f.uc.SubmitCard(ctx, p.ID, CardDetails{Number: testCard, Expiry: "12/30", CVV: "123", Email: "payer@example.com", SaveCard: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.uc.VerifyOTP(ctx, p.ID, f.codes.Last(p.ID)); err != nil {
		t.Fatal(err)
	}

	info, err := f.uc.UserInfo(ctx, "payer@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Cards) != 1 || info.Cards[0].CardMask != "**** 4444" || info.Cards[0].Expiry != "12/30" {
		t.Errorf("cards = %+v", info.Cards)
	}
	if len(info.Operations) != 1 || info.Operations[0].PaymentID != p.ID || info.Operations[0].Amount != 10000 {
		t.Errorf("operations = %+v", info.Operations)
	}

	empty, _ := f.uc.UserInfo(ctx, "")
	if len(empty.Cards) != 0 || len(empty.Operations) != 0 {
		t.Errorf("empty email returned %+v", empty)
	}
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	f.clock.Advance(20 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.uc.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(f.events.For(p.ID)) == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never expired the payment")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

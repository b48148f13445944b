package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"paymock/internal/idempotency"
	"paymock/internal/keylock"
	"paymock/internal/models"
	"paymock/internal/otp"
	"paymock/internal/storage"
	"paymock/internal/telemetry"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultTTL            = 15 * time.Minute
	DefaultOTPMaxAttempts = 3
	DefaultAcceptedCard   = "4444444444444444"
	recentOperations      = 5
	maxCommitTries        = 5
)

// EventPublisher receives one event per transition into a terminal status.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.LifecycleEvent) error
}

type ReceiptSender interface {
	SendReceipt(ctx context.Context, p *models.Payment) error
}

type Store interface {
	storage.PaymentStore
	storage.CardStore
}

type Options struct {
	TTL            time.Duration
	OTPMaxAttempts int
	AcceptedCard   string
	BaseURL        string
}

type UseCase struct {
	store    Store
	ledger   *idempotency.Ledger
	otp      *otp.Verifier
	events   EventPublisher
	receipts ReceiptSender
	locks    *keylock.Map
	validate *validator.Validate
	opts     Options
	now      func() time.Time

	metrics *telemetry.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
}

// NewUseCase wires the state machine. receipts may be nil.
func NewUseCase(store Store, ledger *idempotency.Ledger, verifier *otp.Verifier, events EventPublisher, receipts ReceiptSender,
	opts Options, metrics *telemetry.Metrics, log *zap.Logger, tracer trace.Tracer) *UseCase {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.OTPMaxAttempts <= 0 {
		opts.OTPMaxAttempts = DefaultOTPMaxAttempts
	}
	if opts.AcceptedCard == "" {
		opts.AcceptedCard = DefaultAcceptedCard
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &UseCase{
		store:    store,
		ledger:   ledger,
		otp:      verifier,
		events:   events,
		receipts: receipts,
		locks:    keylock.New(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
		now:      time.Now,
		metrics:  metrics,
		log:      log,
		tracer:   tracer,
	}
}

type CreateInvoiceRequest struct {
	Amount      int64  `json:"amount" validate:"gt=0"`
	Reference   string `json:"reference" validate:"max=255"`
	WebhookURL  string `json:"webhookUrl" validate:"required,url"`
	RedirectURL string `json:"redirectUrl" validate:"required,url"`
}

type CardDetails struct {
	Number   string `json:"number" form:"card_number"`
	Expiry   string `json:"expiry" form:"expiry"`
	CVV      string `json:"cvv" form:"cvv"`
	Email    string `json:"email" form:"email"`
	SaveCard bool   `json:"save_card" form:"save_card"`
}

type OTPResult struct {
	Payment           *models.Payment `json:"payment"`
	Verified          bool            `json:"verified"`
	AttemptsRemaining int             `json:"attempts_remaining"`
}

type Operation struct {
	PaymentID string    `json:"payment_id"`
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	CardMask  string    `json:"card_mask"`
	PaidAt    time.Time `json:"date"`
}

type UserInfo struct {
	Operations []Operation        `json:"operations"`
	Cards      []models.SavedCard `json:"cards"`
}

// PageURL is where the payer completes payment id.
func (uc *UseCase) PageURL(id string) string {
	return uc.opts.BaseURL + "/checkout/" + id
}

func (uc *UseCase) validateInvoice(req CreateInvoiceRequest) error {
	if err := uc.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			switch verrs[0].StructField() {
			case "Amount":
				return &ValidationError{Field: "amount", Err: ErrInvalidAmount}
			case "WebhookURL":
				return &ValidationError{Field: "webhookUrl", Err: ErrInvalidURL}
			case "RedirectURL":
				return &ValidationError{Field: "redirectUrl", Err: ErrInvalidURL}
			case "Reference":
				return &ValidationError{Field: "reference", Err: errors.New("must be at most 255 characters")}
			}
		}
		return &ValidationError{Field: "body", Err: err}
	}
	for field, raw := range map[string]string{"webhookUrl": req.WebhookURL, "redirectUrl": req.RedirectURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: field, Err: ErrInvalidURL}
		}
	}
	return nil
}

func (uc *UseCase) Create(ctx context.Context, req CreateInvoiceRequest) (*models.Payment, error) {
	ctx, span := uc.tracer.Start(ctx, "CreateInvoice",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if err := uc.validateInvoice(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := uc.now().UTC()
	p := &models.Payment{
		ID:          uuid.NewString(),
		Amount:      req.Amount,
		Reference:   req.Reference,
		WebhookURL:  req.WebhookURL,
		RedirectURL: req.RedirectURL,
		Status:      models.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(uc.opts.TTL),
		UpdatedAt:   now,
	}
	if err := uc.store.InsertPayment(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create payment: %w", err)
	}

	span.SetAttributes(
		attribute.String("payment.id", p.ID),
		attribute.String("payment.reference", p.Reference),
		attribute.Int64("payment.amount", p.Amount),
	)
	uc.metrics.PaymentsCreated.Add(ctx, 1)
	span.SetStatus(codes.Ok, "")

	uc.log.Info("invoice created",
		zap.String("payment_id", p.ID),
		zap.String("reference", p.Reference),
		zap.Int64("amount", p.Amount),
	)
	return p, nil
}

// CreateIdempotent creates at most one payment per key. replayed is true when
// the payment came from an earlier request with the same key and body.
func (uc *UseCase) CreateIdempotent(ctx context.Context, key string, req CreateInvoiceRequest) (p *models.Payment, replayed bool, err error) {
	if key == "" {
		p, err = uc.Create(ctx, req)
		return p, false, err
	}

	fp, err := idempotency.Fingerprint("create-invoice", req)
	if err != nil {
		return nil, false, err
	}
	var created *models.Payment
	res, replayed, err := uc.ledger.RecordOrFetch(ctx, key, fp, func(ctx context.Context) (idempotency.Result, error) {
		p, err := uc.Create(ctx, req)
		if err != nil {
			return idempotency.Result{}, err
		}
		body, err := json.Marshal(p)
		if err != nil {
			return idempotency.Result{}, err
		}
		created = p
		return idempotency.Result{PaymentID: p.ID, Body: body}, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !replayed {
		return created, false, nil
	}

	uc.log.Info("invoice request replayed", zap.String("payment_id", res.PaymentID), zap.String("idempotency_key", key))
	p, err = uc.Get(ctx, res.PaymentID)
	return p, true, err
}

func (uc *UseCase) Get(ctx context.Context, id string) (*models.Payment, error) {
	p, err := uc.store.GetPayment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return p, err
}

// mutate runs fn on the payment under its lock and commits the result with a
// compare-and-set on the version it was loaded with. A lost compare-and-set
// (another gateway wrote the row) reloads and reruns fn. Expired payments are
// moved to expired and reported as ErrExpired. The lifecycle event, if any,
// is published after the lock is released.
func (uc *UseCase) mutate(ctx context.Context, id string, fn func(p *models.Payment, now time.Time) error) (*models.Payment, error) {
	for try := 1; ; try++ {
		p, ev, err := uc.mutateLocked(ctx, id, fn)
		if errors.Is(err, storage.ErrConflict) && try < maxCommitTries {
			uc.log.Debug("payment changed concurrently, retrying",
				zap.String("payment_id", id),
				zap.Int("try", try),
			)
			continue
		}
		if ev != nil {
			uc.publish(ctx, *ev)
		}
		return p, err
	}
}

func (uc *UseCase) mutateLocked(ctx context.Context, id string, fn func(p *models.Payment, now time.Time) error) (*models.Payment, *models.LifecycleEvent, error) {
	unlock := uc.locks.Lock(id)
	defer unlock()

	p, err := uc.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case p.Status == models.StatusExpired:
		return p, nil, &StateConflictError{PaymentID: id, Status: p.Status, Err: ErrExpired}
	case p.Status.Terminal():
		return p, nil, &StateConflictError{PaymentID: id, Status: p.Status, Err: ErrAlreadyTerminal}
	}

	now := uc.now().UTC()
	prev := p.Status

	if p.Expired(now) {
		p.Status = models.StatusExpired
		p.OTPHash = ""
		p.UpdatedAt = now
		ev, err := uc.commit(ctx, p, prev, now)
		if err != nil {
			return nil, nil, err
		}
		return p, ev, &StateConflictError{PaymentID: id, Status: p.Status, Err: ErrExpired}
	}

	if err := fn(p, now); err != nil {
		return p, nil, err
	}
	p.UpdatedAt = now
	ev, err := uc.commit(ctx, p, prev, now)
	if err != nil {
		return nil, nil, err
	}
	return p, ev, nil
}

func (uc *UseCase) commit(ctx context.Context, p *models.Payment, prev models.Status, now time.Time) (*models.LifecycleEvent, error) {
	if p.Status != prev && !prev.CanTransitionTo(p.Status) {
		return nil, fmt.Errorf("illegal transition %s -> %s for %s", prev, p.Status, p.ID)
	}
	if err := uc.store.UpdatePayment(ctx, p, prev); err != nil {
		return nil, fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	if p.Status == prev {
		return nil, nil
	}

	uc.metrics.PaymentTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(p.Status))))
	uc.log.Info("payment transitioned",
		zap.String("payment_id", p.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(p.Status)),
		zap.String("reason", p.FailureReason),
	)
	if !p.Status.Terminal() {
		return nil, nil
	}
	ev := models.NewLifecycleEvent(p, now)
	return &ev, nil
}

func (uc *UseCase) publish(ctx context.Context, ev models.LifecycleEvent) {
	attrs := metric.WithAttributes(attribute.String("status", string(ev.Status)))
	if err := uc.events.Publish(ctx, ev); err != nil {
		// recovery re-derives the delivery from the terminal payment
		uc.log.Error("failed to publish lifecycle event",
			zap.String("payment_id", ev.PaymentID),
			zap.String("status", string(ev.Status)),
			zap.Error(err),
		)
		return
	}
	uc.metrics.EventsPublished.Add(ctx, 1, attrs)
}

func normalizeCard(number string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(number)
}

func maskCard(number string) string {
	if len(number) < 4 {
		return "****"
	}
	return "**** " + number[len(number)-4:]
}

func cardHash(number, email string) string {
	sum := sha256.Sum256([]byte(number + "|" + strings.ToLower(email)))
	return hex.EncodeToString(sum[:])
}

// SubmitCard applies card details. The canonical test card moves the payment
// to waiting_for_otp and sends a fresh code; any other number fails it with
// insufficient_funds. A declined payment is returned without error.
func (uc *UseCase) SubmitCard(ctx context.Context, id string, card CardDetails) (*models.Payment, error) {
	ctx, span := uc.tracer.Start(ctx, "SubmitCard",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("payment.id", id)),
	)
	defer span.End()

	number := normalizeCard(card.Number)
	if number == "" {
		return nil, &ValidationError{Field: "number", Err: ErrInvalidCard}
	}
	if err := uc.validate.Var(card.Email, "required,email"); err != nil {
		return nil, &ValidationError{Field: "email", Err: ErrInvalidEmail}
	}

	var code string
	p, err := uc.mutate(ctx, id, func(p *models.Payment, now time.Time) error {
		if number != uc.opts.AcceptedCard {
			p.Status = models.StatusFailed
			p.FailureReason = models.ReasonInsufficientFunds
			p.OTPHash = ""
			return nil
		}

		c, hash, err := uc.otp.Generate()
		if err != nil {
			return err
		}
		code = c
		p.Status = models.StatusWaitingForOTP
		p.OTPHash = hash
		p.OTPEmail = card.Email
		p.CardMask = maskCard(number)
		p.CardExpiry = card.Expiry
		p.SaveCard = card.SaveCard
		p.CardHash = cardHash(number, card.Email)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p, err
	}

	span.SetAttributes(attribute.String("payment.status", string(p.Status)))
	if p.Status == models.StatusFailed {
		span.SetStatus(codes.Error, models.ReasonInsufficientFunds)
		uc.log.Warn("card declined", zap.String("payment_id", id))
		return p, nil
	}

	// dispatch failure leaves the payment waiting; the payer can resubmit
	_ = uc.otp.Dispatch(ctx, p.ID, p.OTPEmail, code)
	span.SetStatus(codes.Ok, "")
	return p, nil
}

// VerifyOTP checks code against the payment's outstanding hash. A wrong code
// costs one attempt; the last allowed wrong code fails the payment with
// invalid_otp.
func (uc *UseCase) VerifyOTP(ctx context.Context, id, code string) (*OTPResult, error) {
	ctx, span := uc.tracer.Start(ctx, "VerifyOTP",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("payment.id", id)),
	)
	defer span.End()

	p, err := uc.mutate(ctx, id, func(p *models.Payment, now time.Time) error {
		if p.Status != models.StatusWaitingForOTP {
			return &StateConflictError{PaymentID: p.ID, Status: p.Status, Err: ErrWrongState}
		}
		if otp.Matches(p.OTPHash, code) {
			p.Status = models.StatusPaid
			p.OTPHash = ""
			paidAt := now
			p.PaidAt = &paidAt
			return nil
		}
		p.OTPAttempts++
		if p.OTPAttempts >= uc.opts.OTPMaxAttempts {
			p.Status = models.StatusFailed
			p.FailureReason = models.ReasonInvalidOTP
			p.OTPHash = ""
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := &OTPResult{
		Payment:           p,
		Verified:          p.Status == models.StatusPaid,
		AttemptsRemaining: max(uc.opts.OTPMaxAttempts-p.OTPAttempts, 0),
	}
	if p.Status == models.StatusFailed {
		res.AttemptsRemaining = 0
	}
	if !res.Verified {
		span.SetStatus(codes.Error, "invalid otp")
		uc.log.Warn("invalid otp",
			zap.String("payment_id", id),
			zap.Int("attempts_remaining", res.AttemptsRemaining),
		)
		return res, nil
	}

	uc.afterPaid(ctx, p)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (uc *UseCase) afterPaid(ctx context.Context, p *models.Payment) {
	if p.SaveCard && p.CardHash != "" {
		err := uc.store.SaveCard(ctx, &models.SavedCard{
			ID:        p.CardHash,
			Email:     p.OTPEmail,
			CardMask:  p.CardMask,
			Expiry:    p.CardExpiry,
			CreatedAt: uc.now().UTC(),
		})
		if err != nil {
			uc.log.Error("failed to save card", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}
	if uc.receipts != nil {
		if err := uc.receipts.SendReceipt(ctx, p); err != nil {
			uc.log.Error("failed to send receipt", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}
}

// VerifyOTPIdempotent guards VerifyOTP with the ledger so a retried
// submission does not burn another attempt.
func (uc *UseCase) VerifyOTPIdempotent(ctx context.Context, key, id, code string) (*OTPResult, bool, error) {
	if key == "" {
		res, err := uc.VerifyOTP(ctx, id, code)
		return res, false, err
	}

	fp, err := idempotency.Fingerprint("verify-otp", map[string]string{"payment_id": id, "code": code})
	if err != nil {
		return nil, false, err
	}
	stored, replayed, err := uc.ledger.RecordOrFetch(ctx, key, fp, func(ctx context.Context) (idempotency.Result, error) {
		res, err := uc.VerifyOTP(ctx, id, code)
		if err != nil {
			return idempotency.Result{}, err
		}
		body, err := json.Marshal(res)
		if err != nil {
			return idempotency.Result{}, err
		}
		return idempotency.Result{PaymentID: id, Body: body}, nil
	})
	if err != nil {
		return nil, false, err
	}

	var res OTPResult
	if err := json.Unmarshal(stored.Body, &res); err != nil {
		return nil, false, err
	}
	return &res, replayed, nil
}

// ExpireSweep expires every open payment whose window closed before now and
// returns how many it expired. Payments finished concurrently are skipped.
func (uc *UseCase) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	ctx, span := uc.tracer.Start(ctx, "ExpireSweep")
	defer span.End()

	candidates, err := uc.store.ListExpirable(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("list expirable: %w", err)
	}

	expired := 0
	for _, c := range candidates {
		ev, err := uc.expireOne(ctx, c.ID, now)
		if err != nil {
			uc.log.Error("failed to expire payment", zap.String("payment_id", c.ID), zap.Error(err))
			continue
		}
		if ev != nil {
			expired++
			uc.publish(ctx, *ev)
		}
	}

	span.SetAttributes(attribute.Int("sweep.expired", expired))
	span.SetStatus(codes.Ok, "")
	return expired, nil
}

func (uc *UseCase) expireOne(ctx context.Context, id string, now time.Time) (*models.LifecycleEvent, error) {
	unlock := uc.locks.Lock(id)
	defer unlock()

	p, err := uc.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() || !p.Expired(now) {
		return nil, nil
	}
	prev := p.Status
	p.Status = models.StatusExpired
	p.OTPHash = ""
	p.UpdatedAt = now.UTC()
	return uc.commit(ctx, p, prev, p.UpdatedAt)
}

// RunSweeper calls ExpireSweep every interval until ctx is done.
func (uc *UseCase) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := uc.ExpireSweep(ctx, uc.now().UTC())
			if err != nil {
				uc.log.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				uc.log.Info("expiry sweep", zap.Int("expired", n))
			}
		}
	}
}

// UserInfo lists the payer's saved cards and most recent paid operations.
func (uc *UseCase) UserInfo(ctx context.Context, email string) (*UserInfo, error) {
	info := &UserInfo{Operations: []Operation{}, Cards: []models.SavedCard{}}
	if email == "" {
		return info, nil
	}

	paid, err := uc.store.ListPaidByEmail(ctx, email, recentOperations)
	if err != nil {
		return nil, err
	}
	for _, p := range paid {
		op := Operation{PaymentID: p.ID, Reference: p.Reference, Amount: p.Amount, CardMask: p.CardMask, PaidAt: p.UpdatedAt}
		if p.PaidAt != nil {
			op.PaidAt = *p.PaidAt
		}
		info.Operations = append(info.Operations, op)
	}

	cards, err := uc.store.ListCards(ctx, email)
	if err != nil {
		return nil, err
	}
	info.Cards = append(info.Cards, cards...)
	return info, nil
}

// Package webhook delivers signed lifecycle notifications to integrators
// with bounded retry.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paymock/internal/keylock"
	"paymock/internal/models"
	"paymock/internal/signing"
	"paymock/internal/storage"
	"paymock/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultWorkers = 8

var ErrAlreadyStarted = errors.New("delivery engine already started")

// Store is the persistence the engine needs: the delivery queue, the attempt
// trail, and terminal payments for recovery.
type Store interface {
	storage.DeliveryStore
	ListTerminalWithoutDelivery(ctx context.Context) ([]*models.Payment, error)
}

type Options struct {
	Workers int
	Retry   RetryPolicy
}

// History is a delivery together with its attempt trail.
type History struct {
	Delivery *models.Delivery        `json:"delivery"`
	Payload  string                  `json:"payload"`
	Attempts []models.WebhookAttempt `json:"attempts"`
}

type Engine struct {
	store   Store
	signer  *signing.Signer
	sender  *Sender
	policy  RetryPolicy
	workers int
	locks   *keylock.Map
	queue   chan string
	now     func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	timers  map[string]*time.Timer
	wg      sync.WaitGroup

	metrics *telemetry.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
}

func NewEngine(store Store, signer *signing.Signer, sender *Sender, opts Options,
	metrics *telemetry.Metrics, log *zap.Logger, tracer trace.Tracer) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = DefaultBaseDelay
	}

	return &Engine{
		store:   store,
		signer:  signer,
		sender:  sender,
		policy:  opts.Retry,
		workers: opts.Workers,
		locks:   keylock.New(),
		queue:   make(chan string, opts.Workers*16),
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
		metrics: metrics,
		log:     log,
		tracer:  tracer,
	}
}

// Publish makes the engine usable as the state machine's event bus.
func (e *Engine) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	return e.Accept(ctx, ev)
}

// Accept signs the event's payload and queues a delivery for it. An event
// already accepted for the same payment is ignored.
func (e *Engine) Accept(ctx context.Context, ev models.LifecycleEvent) error {
	ctx, span := e.tracer.Start(ctx, "webhook.accept",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("payment.id", ev.PaymentID),
			attribute.String("payment.status", string(ev.Status)),
		),
	)
	defer span.End()

	body, sig, err := e.signer.Sign(models.NewWebhookPayload(ev))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("sign payload: %w", err)
	}

	now := e.now().UTC()
	d := &models.Delivery{
		PaymentID:     ev.PaymentID,
		EventStatus:   ev.Status,
		URL:           ev.WebhookURL,
		Payload:       body,
		Signature:     sig,
		State:         models.DeliveryPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := e.store.CreateDeliveryIfAbsent(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("persist delivery: %w", err)
	}
	if !created {
		e.log.Debug("duplicate lifecycle event ignored", zap.String("payment_id", ev.PaymentID))
		span.SetStatus(codes.Ok, "duplicate")
		return nil
	}

	e.log.Info("webhook delivery queued",
		zap.String("payment_id", ev.PaymentID),
		zap.String("status", string(ev.Status)),
		zap.String("url", ev.WebhookURL),
	)
	e.schedule(d.PaymentID, now)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Start launches the worker pool and recovers deliveries left over from a
// previous run. Workers stop when ctx is done; Wait blocks until they have.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.running = true
	e.done = make(chan struct{})
	e.mu.Unlock()

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		e.stop()
	}()

	return e.Recover(ctx)
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.done)
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			// an attempt in flight finishes even if shutdown starts
			e.process(context.WithoutCancel(ctx), id)
		}
	}
}

// schedule queues id for a worker at the given time. Without a running pool
// it does nothing; Recover picks the delivery up on the next start.
func (e *Engine) schedule(id string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	done := e.done
	e.timers[id] = time.AfterFunc(max(time.Until(at), 0), func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()

		select {
		case e.queue <- id:
		case <-done:
		}
	})
}

func (e *Engine) process(ctx context.Context, id string) {
	unlock := e.locks.Lock(id)
	defer unlock()

	d, err := e.store.GetDelivery(ctx, id)
	if err != nil {
		e.log.Error("failed to load delivery", zap.String("payment_id", id), zap.Error(err))
		return
	}
	if d.State != models.DeliveryPending {
		return
	}
	if d.NextAttemptAt.After(e.now()) {
		e.schedule(id, d.NextAttemptAt)
		return
	}

	if _, err := e.attempt(ctx, d, false); err != nil {
		var derr *DeliveryError
		if !errors.As(err, &derr) {
			e.log.Error("delivery bookkeeping failed", zap.String("payment_id", id), zap.Error(err))
			if errors.Is(err, storage.ErrConflict) {
				// the row lags the trail; rebuild it from the trail
				err = e.reconcileLocked(ctx, id)
				if err == nil {
					return
				}
				e.log.Error("failed to reconcile delivery", zap.String("payment_id", id), zap.Error(err))
			}
			// the row is reloaded on the next run and decides what happens
			e.schedule(id, e.now().Add(e.faultDelay(d.Attempts)))
			return
		}
	}
	if d.State == models.DeliveryPending {
		e.schedule(id, d.NextAttemptAt)
	}
}

// faultDelay is how long to wait after a storage fault, never less than the
// base delay.
func (e *Engine) faultDelay(attempts int) time.Duration {
	return max(e.policy.Delay(attempts+1), e.policy.BaseDelay)
}

// attempt sends d once, appends the attempt to the trail and then updates d.
// The caller holds d's lock. A failed POST is returned as *DeliveryError;
// any other error is a storage fault.
func (e *Engine) attempt(ctx context.Context, d *models.Delivery, manual bool) (*models.WebhookAttempt, error) {
	seq := d.Attempts + 1
	ctx, span := e.tracer.Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("payment.id", d.PaymentID),
			attribute.Int("webhook.attempt", seq),
			attribute.Bool("webhook.manual", manual),
			attribute.String("url.full", d.URL),
		),
	)
	defer span.End()

	start := e.now()
	resp, sendErr := e.sender.Send(ctx, d.URL, d.PaymentID, d.Payload, d.Signature)
	elapsed := e.now().Sub(start)

	a := &models.WebhookAttempt{
		PaymentID:      d.PaymentID,
		Sequence:       seq,
		URL:            d.URL,
		Body:           string(d.Payload),
		Signature:      d.Signature,
		ResponseStatus: resp.StatusCode,
		ResponseBody:   resp.Body,
		Success:        sendErr == nil,
		DurationMs:     elapsed.Milliseconds(),
		AttemptedAt:    start.UTC(),
	}
	if sendErr != nil {
		a.Error = sendErr.Error()
	}

	result := "success"
	if sendErr != nil {
		result = "failure"
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	e.metrics.WebhookAttempts.Add(ctx, 1, attrs)
	e.metrics.WebhookDuration.Record(ctx, elapsed.Seconds(), attrs)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if err := e.store.AppendAttempt(ctx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("append attempt %d for %s: %w", seq, d.PaymentID, err)
	}

	now := e.now().UTC()
	d.Attempts = seq
	d.UpdatedAt = now
	switch {
	case sendErr == nil:
		d.State = models.DeliveryDelivered
		d.LastError = ""
	case manual && d.State != models.DeliveryPending:
		d.LastError = a.Error
	default:
		d.LastError = a.Error
		if e.policy.Exhausted(seq) {
			d.State = models.DeliveryFailed
		} else {
			d.NextAttemptAt = now.Add(e.policy.Delay(seq + 1))
		}
	}
	if err := e.store.UpdateDelivery(ctx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return a, fmt.Errorf("update delivery %s: %w", d.PaymentID, err)
	}

	fields := []zap.Field{
		zap.String("payment_id", d.PaymentID),
		zap.Int("attempt", seq),
		zap.Int("response_status", resp.StatusCode),
		zap.Int64("duration_ms", a.DurationMs),
		zap.Bool("manual", manual),
	}
	switch {
	case sendErr == nil:
		e.log.Info("webhook delivered", fields...)
		span.SetStatus(codes.Ok, "")
		return a, nil
	case d.State == models.DeliveryFailed && !manual:
		e.metrics.DeliveriesExhausted.Add(ctx, 1)
		e.log.Error("webhook delivery exhausted", append(fields, zap.Error(sendErr))...)
	case d.State == models.DeliveryPending:
		e.log.Warn("webhook attempt failed",
			append(fields, zap.Time("next_attempt_at", d.NextAttemptAt), zap.Error(sendErr))...)
	default:
		e.log.Warn("webhook replay failed", append(fields, zap.Error(sendErr))...)
	}
	span.RecordError(sendErr)
	span.SetStatus(codes.Error, sendErr.Error())
	return a, sendErr
}

// Recover reconciles pending deliveries with their attempt trail and queues
// deliveries for terminal payments whose event never reached the engine.
func (e *Engine) Recover(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "webhook.recover")
	defer span.End()

	pending, err := e.store.ListPendingDeliveries(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("list pending deliveries: %w", err)
	}
	for _, d := range pending {
		if err := e.reconcile(ctx, d.PaymentID); err != nil {
			e.log.Error("failed to reconcile delivery", zap.String("payment_id", d.PaymentID), zap.Error(err))
		}
	}

	orphans, err := e.store.ListTerminalWithoutDelivery(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("list undelivered payments: %w", err)
	}
	for _, p := range orphans {
		if err := e.Accept(ctx, models.NewLifecycleEvent(p, p.UpdatedAt)); err != nil {
			e.log.Error("failed to re-accept lifecycle event", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}

	span.SetAttributes(
		attribute.Int("recover.pending", len(pending)),
		attribute.Int("recover.orphans", len(orphans)),
	)
	e.log.Info("delivery recovery finished",
		zap.Int("pending", len(pending)),
		zap.Int("orphans", len(orphans)),
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

// reconcile trusts the attempt trail over the delivery row, which may lag
// behind it after a crash between the two writes.
func (e *Engine) reconcile(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()
	return e.reconcileLocked(ctx, id)
}

func (e *Engine) reconcileLocked(ctx context.Context, id string) error {
	d, err := e.store.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if d.State != models.DeliveryPending {
		return nil
	}
	attempts, err := e.store.ListAttempts(ctx, id)
	if err != nil {
		return err
	}

	if n := len(attempts); n > 0 {
		last := attempts[n-1]
		d.Attempts = last.Sequence
		switch {
		case last.Success:
			d.State = models.DeliveryDelivered
			d.LastError = ""
		case e.policy.Exhausted(last.Sequence):
			d.State = models.DeliveryFailed
			d.LastError = last.Error
		default:
			d.LastError = last.Error
			d.NextAttemptAt = last.AttemptedAt.Add(e.policy.Delay(last.Sequence + 1))
		}
		d.UpdatedAt = e.now().UTC()
		if err := e.store.UpdateDelivery(ctx, d); err != nil {
			return err
		}
	}

	if d.State == models.DeliveryPending {
		e.schedule(id, d.NextAttemptAt)
	}
	return nil
}

// Replay sends the stored payload once more regardless of the delivery's
// state. On an exhausted delivery a failed replay wraps ErrPermanentFailure.
func (e *Engine) Replay(ctx context.Context, paymentID string) (*models.WebhookAttempt, error) {
	unlock := e.locks.Lock(paymentID)
	defer unlock()

	d, err := e.store.GetDelivery(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	wasFailed := d.State == models.DeliveryFailed

	a, err := e.attempt(ctx, d, true)
	if d.State == models.DeliveryPending {
		e.schedule(paymentID, d.NextAttemptAt)
	}
	if err != nil {
		var derr *DeliveryError
		if errors.As(err, &derr) && wasFailed {
			return a, fmt.Errorf("%w: %w", ErrPermanentFailure, err)
		}
		return a, err
	}
	return a, nil
}

func (e *Engine) History(ctx context.Context, paymentID string) (*History, error) {
	d, err := e.store.GetDelivery(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.ListAttempts(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []models.WebhookAttempt{}
	}
	return &History{Delivery: d, Payload: string(d.Payload), Attempts: attempts}, nil
}

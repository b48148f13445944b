// Package idempotency makes retried mutating requests return the result of
// the first execution.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"paymock/internal/keylock"
	"paymock/internal/models"
	"paymock/internal/signing"

	"go.uber.org/zap"
)

// ErrConflict is returned when a key is reused with a different request.
var ErrConflict = errors.New("idempotency key reused with a different request")

// Store persists ledger records. PutIfAbsent must be atomic: when two callers
// race on the same key exactly one of them observes inserted == true.
type Store interface {
	GetIdempotency(ctx context.Context, key string) (*models.IdempotencyRecord, bool, error)
	PutIdempotencyIfAbsent(ctx context.Context, rec *models.IdempotencyRecord) (inserted bool, err error)
}

type Result struct {
	PaymentID string
	Body      []byte
}

type Ledger struct {
	store Store
	locks *keylock.Map
	log   *zap.Logger
	now   func() time.Time
}

func NewLedger(store Store, log *zap.Logger) *Ledger {
	return &Ledger{store: store, locks: keylock.New(), log: log, now: time.Now}
}

// Fingerprint identifies a request by operation name and canonical body.
func Fingerprint(operation string, body any) (string, error) {
	canonical, err := signing.CanonicalizeValue(body)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", operation, err)
	}
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{'\n'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RecordOrFetch runs compute once per key. Later calls with the same
// fingerprint get the stored result (replayed == true) without running
// compute; a different fingerprint yields ErrConflict. A failed compute
// records nothing.
func (l *Ledger) RecordOrFetch(ctx context.Context, key, fingerprint string, compute func(context.Context) (Result, error)) (Result, bool, error) {
	unlock := l.locks.Lock(key)
	defer unlock()

	if res, found, err := l.lookup(ctx, key, fingerprint); err != nil || found {
		return res, found, err
	}

	res, err := compute(ctx)
	if err != nil {
		return Result{}, false, err
	}

	inserted, err := l.store.PutIdempotencyIfAbsent(ctx, &models.IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		PaymentID:   res.PaymentID,
		Result:      res.Body,
		CreatedAt:   l.now().UTC(),
	})
	if err != nil {
		return Result{}, false, fmt.Errorf("store idempotency record: %w", err)
	}
	if !inserted {
		// another process won the insert; its result is authoritative
		l.log.Warn("idempotency key recorded concurrently",
			zap.String("key", key),
			zap.String("payment_id", res.PaymentID),
		)
		stored, found, err := l.lookup(ctx, key, fingerprint)
		if err != nil {
			return Result{}, false, err
		}
		if found {
			return stored, true, nil
		}
	}
	return res, false, nil
}

func (l *Ledger) lookup(ctx context.Context, key, fingerprint string) (Result, bool, error) {
	rec, found, err := l.store.GetIdempotency(ctx, key)
	if err != nil {
		return Result{}, false, fmt.Errorf("load idempotency record: %w", err)
	}
	if !found {
		return Result{}, false, nil
	}
	if rec.Fingerprint != fingerprint {
		return Result{}, false, ErrConflict
	}
	return Result{PaymentID: rec.PaymentID, Body: rec.Result}, true, nil
}

// Package otp issues and checks the one-time codes that confirm a payment.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"paymock/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const DefaultLength = 6

// Notifier delivers a code to the payer.
type Notifier interface {
	SendCode(ctx context.Context, destination, paymentID, code string) error
}

type Verifier struct {
	length   int
	notifier Notifier
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

func NewVerifier(length int, notifier Notifier, metrics *telemetry.Metrics, log *zap.Logger) *Verifier {
	if length <= 0 || length > 18 {
		length = DefaultLength
	}
	return &Verifier{length: length, notifier: notifier, metrics: metrics, log: log}
}

// Generate returns a fresh numeric code and the hash to store in its place.
func (v *Verifier) Generate() (code, hash string, err error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", "", fmt.Errorf("generate code: %w", err)
	}
	code = fmt.Sprintf("%0*d", v.length, n.Int64())
	return code, Hash(code), nil
}

func Hash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Matches compares a submitted code against a stored hash in constant time.
func Matches(hash, code string) bool {
	if hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(Hash(code))) == 1
}

// Dispatch hands the code to the notifier. Failures are logged and counted;
// the caller decides whether they matter.
func (v *Verifier) Dispatch(ctx context.Context, paymentID, destination, code string) error {
	if destination == "" {
		err := errors.New("no destination for code")
		v.record(ctx, "skipped")
		v.log.Warn("otp not dispatched", zap.String("payment_id", paymentID), zap.Error(err))
		return err
	}
	if err := v.notifier.SendCode(ctx, destination, paymentID, code); err != nil {
		v.record(ctx, "error")
		v.log.Error("otp dispatch failed", zap.String("payment_id", paymentID), zap.Error(err))
		return err
	}
	v.record(ctx, "sent")
	v.log.Info("otp dispatched", zap.String("payment_id", paymentID))
	return nil
}

func (v *Verifier) record(ctx context.Context, result string) {
	v.metrics.OTPDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

package otp

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"paymock/internal/telemetry"

	"go.uber.org/zap/zaptest"
)

type recordingNotifier struct {
	codes []string
	err   error
}

func (r *recordingNotifier) SendCode(_ context.Context, _, _, code string) error {
	r.codes = append(r.codes, code)
	return r.err
}

func newTestVerifier(t *testing.T, length int, n Notifier) *Verifier {
	_, _, metrics := telemetry.NewNop()
	return NewVerifier(length, n, metrics, zaptest.NewLogger(t))
}

func TestGenerate(t *testing.T) {
	for _, length := range []int{4, 6, 8} {
		v := newTestVerifier(t, length, &recordingNotifier{})
		pattern := regexp.MustCompile(`^[0-9]+$`)
		seen := map[string]bool{}
		for i := 0; i < 50; i++ {
			code, hash, err := v.Generate()
			if err != nil {
				t.Fatal(err)
			}
			if len(code) != length || !pattern.MatchString(code) {
				t.Fatalf("code %q is not %d digits", code, length)
			}
			if hash == code || !Matches(hash, code) {
				t.Fatalf("hash %q does not match its code", hash)
			}
			seen[code] = true
		}
		if len(seen) < 40 {
			t.Errorf("only %d distinct codes out of 50 for length %d", len(seen), length)
		}
	}
}

func TestMatches(t *testing.T) {
	hash := Hash("123456")
	tests := []struct {
		name string
		hash string
		code string
		want bool
	}{
		{"Given the right code, When matched, Then true", hash, "123456", true},
		{"Given a wrong code, When matched, Then false", hash, "123457", false},
		{"Given an empty code, When matched, Then false", hash, "", false},
		{"Given no stored hash, When matched, Then false", "", "123456", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.hash, tt.code); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	n := &recordingNotifier{}
	v := newTestVerifier(t, 6, n)

	if err := v.Dispatch(context.Background(), "p1", "payer@example.com", "123456"); err != nil {
		t.Fatal(err)
	}
	if len(n.codes) != 1 || n.codes[0] != "123456" {
		t.Errorf("notifier got %v", n.codes)
	}

	if err := v.Dispatch(context.Background(), "p1", "", "123456"); err == nil {
		t.Error("expected error without destination")
	}

	n.err = errors.New("relay down")
	if err := v.Dispatch(context.Background(), "p1", "payer@example.com", "654321"); !errors.Is(err, n.err) {
		t.Errorf("Dispatch() error = %v, want relay error", err)
	}
}

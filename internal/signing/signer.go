package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var ErrEmptySecret = errors.New("signing secret is empty")

// Signer computes hex HMAC-SHA256 signatures over canonical JSON.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign canonicalizes payload and returns the canonical bytes together with
// their signature. The returned bytes are what goes on the wire.
func (s *Signer) Sign(payload any) ([]byte, string, error) {
	body, err := CanonicalizeValue(payload)
	if err != nil {
		return nil, "", err
	}
	return body, s.SignBytes(body), nil
}

// SignBytes signs body as-is, without canonicalizing it first.
func (s *Signer) SignBytes(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify re-canonicalizes body and compares signatures in constant time.
// A body that is not valid JSON never verifies.
func (s *Signer) Verify(body []byte, signature string) bool {
	canonical, err := Canonicalize(body)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), want)
}

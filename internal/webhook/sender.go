package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	SignatureHeader = "X-Signature"
	PaymentIDHeader = "X-Payment-ID"

	DefaultTimeout   = 10 * time.Second
	maxResponseBytes = 1000
)

// Response is what the attempt trail keeps of the integrator's answer.
type Response struct {
	StatusCode int
	Body       string
}

// Sender POSTs signed payloads. It never retries on its own; the engine owns
// the retry schedule.
type Sender struct {
	client *resty.Client
}

func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "paymock-webhooks/1.0").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	return &Sender{client: client}
}

// Send posts body verbatim. Any status outside 2xx is a *DeliveryError;
// redirects are not followed, so a 3xx fails the attempt.
func (s *Sender) Send(ctx context.Context, url, paymentID string, body []byte, signature string) (Response, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(SignatureHeader, signature).
		SetHeader(PaymentIDHeader, paymentID).
		SetBody(body).
		Post(url)
	if err != nil {
		return Response{}, &DeliveryError{Err: err}
	}

	out := Response{StatusCode: resp.StatusCode(), Body: truncate(string(resp.Body()), maxResponseBytes)}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		return out, &DeliveryError{StatusCode: out.StatusCode, Err: fmt.Errorf("status %d", out.StatusCode)}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

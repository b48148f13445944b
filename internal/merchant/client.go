package merchant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"paymock/internal/payment"
	"paymock/internal/webhook"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	http *resty.Client
}

func NewClient(baseURL string) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	return &Client{http: client}
}

// Invoice is the gateway's answer to an invoice request.
type Invoice struct {
	PageURL   string `json:"pageUrl"`
	PaymentID string `json:"-"`
	Replayed  bool   `json:"-"`
}

// CreateInvoice places an invoice. A non-empty key makes retries safe.
func (c *Client) CreateInvoice(ctx context.Context, key string, req payment.CreateInvoiceRequest) (*Invoice, error) {
	var inv Invoice
	r := c.request(ctx).SetBody(req).SetResult(&inv)
	if key != "" {
		r.SetHeader(payment.IdempotencyHeader, key)
	}
	resp, err := r.Post("/api/create-invoice")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	inv.PaymentID = resp.Header().Get("X-Payment-ID")
	inv.Replayed = resp.Header().Get("Idempotent-Replayed") == "true"
	return &inv, nil
}

func (c *Client) Webhooks(ctx context.Context, paymentID string) (*webhook.History, error) {
	var h webhook.History
	resp, err := c.request(ctx).SetResult(&h).Get("/api/payments/" + paymentID + "/webhooks")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &h, nil
}

// ReplayResult mirrors the replay endpoint for both outcomes.
type ReplayResult struct {
	Delivered bool           `json:"delivered"`
	Permanent bool           `json:"permanent"`
	Message   string         `json:"message"`
	Attempt   *ReplayAttempt `json:"attempt"`
}

type ReplayAttempt struct {
	Sequence       int    `json:"sequence"`
	ResponseStatus int    `json:"response_status"`
	Error          string `json:"error"`
	Success        bool   `json:"success"`
}

// Replay asks the gateway to resend a webhook. A failed resend is not an
// error; inspect Delivered.
func (c *Client) Replay(ctx context.Context, paymentID string) (*ReplayResult, error) {
	var res ReplayResult
	resp, err := c.request(ctx).SetResult(&res).Post("/api/payments/" + paymentID + "/webhooks/replay")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == 502 {
		if err := json.Unmarshal(resp.Body(), &res); err != nil {
			return nil, err
		}
		return &res, nil
	}
	if err := check(resp, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&APIError{})
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, _ := resp.Error().(*APIError)
	if apiErr == nil {
		apiErr = &APIError{}
	}
	apiErr.StatusCode = resp.StatusCode()
	return apiErr
}

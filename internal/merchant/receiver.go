// Package merchant is the integrator side of paymock: a webhook receiver
// that verifies signatures and a client for the gateway API.
package merchant

import (
	"sync"
	"time"

	"paymock/internal/models"
	"paymock/internal/signing"
	"paymock/internal/webhook"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Notification is one accepted webhook.
type Notification struct {
	Payload    models.WebhookPayload `json:"payload"`
	ReceivedAt time.Time             `json:"received_at"`
}

// Receiver accepts webhooks, rejects bad signatures and processes each
// (payment_id, status) pair once; redeliveries are acknowledged and ignored.
type Receiver struct {
	signer *signing.Signer
	log    *zap.Logger

	mu   sync.Mutex
	seen map[string]Notification
	// OnNotify, when set, runs once per newly seen notification.
	OnNotify func(Notification)
}

func NewReceiver(signer *signing.Signer, log *zap.Logger) *Receiver {
	return &Receiver{signer: signer, log: log, seen: make(map[string]Notification)}
}

func (r *Receiver) Register(router fiber.Router) {
	router.Post("/webhook", r.Handle)
	router.Get("/notifications", r.List)
}

func (r *Receiver) Handle(c *fiber.Ctx) error {
	body := c.Body()
	sig := c.Get(webhook.SignatureHeader)
	if sig == "" || !r.signer.Verify(body, sig) {
		r.log.Warn("rejected webhook with bad signature", zap.String("payment_id", c.Get(webhook.PaymentIDHeader)))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "INVALID_SIGNATURE"})
	}

	var p models.WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "INVALID_PAYLOAD"})
	}

	n, fresh := r.record(p)
	if !fresh {
		r.log.Info("duplicate webhook ignored", zap.String("payment_id", p.PaymentID), zap.String("status", string(p.Status)))
		return c.JSON(fiber.Map{"received": true, "duplicate": true})
	}

	r.log.Info("webhook accepted",
		zap.String("payment_id", p.PaymentID),
		zap.String("reference", p.Reference),
		zap.String("status", string(p.Status)),
		zap.Int64("amount", p.Amount),
	)
	if r.OnNotify != nil {
		r.OnNotify(n)
	}
	return c.JSON(fiber.Map{"received": true, "duplicate": false})
}

func (r *Receiver) record(p models.WebhookPayload) (Notification, bool) {
	key := p.PaymentID + ":" + string(p.Status)
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.seen[key]; ok {
		return n, false
	}
	n := Notification{Payload: p, ReceivedAt: time.Now().UTC()}
	r.seen[key] = n
	return n, true
}

// Notifications returns every distinct notification received so far.
func (r *Receiver) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, 0, len(r.seen))
	for _, n := range r.seen {
		out = append(out, n)
	}
	return out
}

func (r *Receiver) List(c *fiber.Ctx) error {
	return c.JSON(r.Notifications())
}

package webhook

import (
	"errors"

	"paymock/internal/storage"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Controller struct {
	engine *Engine
	log    *zap.Logger
	tracer trace.Tracer
}

func NewController(engine *Engine, log *zap.Logger, tracer trace.Tracer) *Controller {
	return &Controller{engine: engine, log: log, tracer: tracer}
}

func (ct *Controller) Register(r fiber.Router) {
	r.Get("/api/payments/:id/webhooks", ct.History)
	r.Post("/api/payments/:id/webhooks/replay", ct.Replay)
}

func (ct *Controller) fail(c *fiber.Ctx, span trace.Span, err error, paymentID string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":      "DELIVERY_NOT_FOUND",
			"message":    "no webhook delivery for this payment",
			"payment_id": paymentID,
		})
	}
	ct.log.Error("webhook request failed", zap.String("payment_id", paymentID), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":      "INTERNAL_ERROR",
		"message":    "internal error",
		"payment_id": paymentID,
	})
}

func (ct *Controller) History(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.WebhookHistory",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id := c.Params("id")
	h, err := ct.engine.History(ctx, id)
	if err != nil {
		return ct.fail(c, span, err, id)
	}
	span.SetAttributes(attribute.Int("webhook.attempts", len(h.Attempts)))
	span.SetStatus(codes.Ok, "")
	return c.JSON(h)
}

// Replay answers 200 when the integrator accepted the payload and 502 when
// it did not; the attempt is in the body either way.
func (ct *Controller) Replay(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.WebhookReplay",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id := c.Params("id")
	a, err := ct.engine.Replay(ctx, id)
	var derr *DeliveryError
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		return c.JSON(fiber.Map{"delivered": true, "attempt": a})
	case errors.As(err, &derr) && a != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":      "WEBHOOK_DELIVERY_FAILED",
			"message":    err.Error(),
			"payment_id": id,
			"permanent":  errors.Is(err, ErrPermanentFailure),
			"attempt":    a,
		})
	}
	return ct.fail(c, span, err, id)
}

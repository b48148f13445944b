package payment

import (
	"errors"
	"strings"

	"paymock/internal/idempotency"
	"paymock/internal/models"
	"paymock/internal/storage"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const IdempotencyHeader = "Idempotency-Key"

type Controller struct {
	useCase *UseCase
	log     *zap.Logger
	tracer  trace.Tracer
}

func NewController(useCase *UseCase, log *zap.Logger, tracer trace.Tracer) *Controller {
	return &Controller{useCase: useCase, log: log, tracer: tracer}
}

func (ct *Controller) Register(r fiber.Router) {
	r.Post("/api/create-invoice", ct.CreateInvoice)
	r.Get("/api/payments/:id", ct.Get)
	r.Post("/api/payments/:id/card", ct.SubmitCard)
	r.Post("/api/payments/:id/otp", ct.VerifyOTP)
	r.Get("/api/user-info", ct.UserInfo)
}

type errorBody struct {
	Error             string        `json:"error"`
	Message           string        `json:"message"`
	PaymentID         string        `json:"payment_id,omitempty"`
	Status            models.Status `json:"status,omitempty"`
	AttemptsRemaining *int          `json:"attempts_remaining,omitempty"`
}

func errorStatus(err error) (int, string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return fiber.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, idempotency.ErrConflict):
		return fiber.StatusConflict, "IDEMPOTENCY_CONFLICT"
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound, "PAYMENT_NOT_FOUND"
	case errors.Is(err, ErrExpired):
		return fiber.StatusGone, "PAYMENT_EXPIRED"
	case errors.Is(err, ErrAlreadyTerminal):
		return fiber.StatusConflict, "PAYMENT_ALREADY_PROCESSED"
	case errors.Is(err, ErrWrongState):
		return fiber.StatusConflict, "INVALID_STATE"
	case errors.Is(err, storage.ErrConflict):
		return fiber.StatusConflict, "CONCURRENT_UPDATE"
	}
	return fiber.StatusInternalServerError, "INTERNAL_ERROR"
}

func (ct *Controller) fail(c *fiber.Ctx, span trace.Span, err error, paymentID string) error {
	status, code := errorStatus(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		ct.log.Error("request failed", zap.String("payment_id", paymentID), zap.Error(err))
		msg = "internal error"
	}
	var sc *StateConflictError
	if errors.As(err, &sc) {
		msg = sc.Err.Error()
	}
	return c.Status(status).JSON(errorBody{Error: code, Message: msg, PaymentID: paymentID})
}

type createInvoiceResponse struct {
	PageURL string `json:"pageUrl"`
}

func (ct *Controller) CreateInvoice(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.CreateInvoice",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	var req CreateInvoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return ct.fail(c, span, &ValidationError{Field: "body", Err: err}, "")
	}

	key := strings.TrimSpace(c.Get(IdempotencyHeader))
	p, replayed, err := ct.useCase.CreateIdempotent(ctx, key, req)
	if err != nil {
		return ct.fail(c, span, err, "")
	}

	c.Set("X-Payment-ID", p.ID)
	if replayed {
		c.Set("Idempotent-Replayed", "true")
	}
	span.SetStatus(codes.Ok, "")
	return c.Status(fiber.StatusCreated).JSON(createInvoiceResponse{PageURL: ct.useCase.PageURL(p.ID)})
}

func (ct *Controller) Get(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.GetPayment",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id := c.Params("id")
	p, err := ct.useCase.Get(ctx, id)
	if err != nil {
		return ct.fail(c, span, err, id)
	}
	span.SetStatus(codes.Ok, "")
	return c.JSON(p)
}

func (ct *Controller) SubmitCard(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.SubmitCard",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id := c.Params("id")
	var card CardDetails
	if err := c.BodyParser(&card); err != nil {
		return ct.fail(c, span, &ValidationError{Field: "body", Err: err}, id)
	}

	p, err := ct.useCase.SubmitCard(ctx, id, card)
	if err != nil {
		return ct.fail(c, span, err, id)
	}
	if p.Status == models.StatusFailed {
		span.SetStatus(codes.Error, p.FailureReason)
		return c.Status(fiber.StatusPaymentRequired).JSON(errorBody{
			Error:     "INSUFFICIENT_FUNDS",
			Message:   "Insufficient funds or invalid card",
			PaymentID: id,
			Status:    p.Status,
		})
	}

	span.SetStatus(codes.Ok, "")
	return c.Status(fiber.StatusAccepted).JSON(p)
}

type verifyOTPRequest struct {
	Code string `json:"code" form:"otp_code"`
}

func (ct *Controller) VerifyOTP(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.VerifyOTP",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id := c.Params("id")
	var req verifyOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return ct.fail(c, span, &ValidationError{Field: "body", Err: err}, id)
	}
	if strings.TrimSpace(req.Code) == "" {
		return ct.fail(c, span, &ValidationError{Field: "code", Err: errors.New("code is required")}, id)
	}

	res, replayed, err := ct.useCase.VerifyOTPIdempotent(ctx, strings.TrimSpace(c.Get(IdempotencyHeader)), id, strings.TrimSpace(req.Code))
	if err != nil {
		return ct.fail(c, span, err, id)
	}
	if replayed {
		c.Set("Idempotent-Replayed", "true")
	}
	if !res.Verified {
		span.SetStatus(codes.Error, "invalid otp")
		remaining := res.AttemptsRemaining
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody{
			Error:             "INVALID_OTP",
			Message:           "Invalid or expired OTP code",
			PaymentID:         id,
			Status:            res.Payment.Status,
			AttemptsRemaining: &remaining,
		})
	}

	span.SetStatus(codes.Ok, "")
	return c.JSON(res)
}

func (ct *Controller) UserInfo(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.UserInfo",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	info, err := ct.useCase.UserInfo(ctx, strings.TrimSpace(c.Query("email")))
	if err != nil {
		return ct.fail(c, span, err, "")
	}
	span.SetStatus(codes.Ok, "")
	return c.JSON(info)
}

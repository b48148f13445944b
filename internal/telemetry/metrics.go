package telemetry

import (
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	PaymentsCreated    metric.Int64Counter
	PaymentTransitions metric.Int64Counter
	OTPDispatched      metric.Int64Counter

	EventsPublished     metric.Int64Counter
	WebhookAttempts     metric.Int64Counter
	WebhookDuration     metric.Float64Histogram
	DeliveriesExhausted metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	created, err := meter.Int64Counter("payments_created_total",
		metric.WithDescription("Total payments created"),
		metric.WithUnit("{payment}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("payment_transitions_total",
		metric.WithDescription("Committed payment status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	otpDispatched, err := meter.Int64Counter("otp_dispatched_total",
		metric.WithDescription("One-time codes handed to the notifier"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, err
	}

	published, err := meter.Int64Counter("lifecycle_events_published_total",
		metric.WithDescription("Lifecycle events handed to the event bus"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter("webhook_attempts_total",
		metric.WithDescription("Webhook delivery attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("webhook_attempt_duration_seconds",
		metric.WithDescription("Duration of a single webhook POST"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	exhausted, err := meter.Int64Counter("webhook_deliveries_exhausted_total",
		metric.WithDescription("Deliveries that used up their retry budget"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		PaymentsCreated:     created,
		PaymentTransitions:  transitions,
		OTPDispatched:       otpDispatched,
		EventsPublished:     published,
		WebhookAttempts:     attempts,
		WebhookDuration:     duration,
		DeliveriesExhausted: exhausted,
	}, nil
}

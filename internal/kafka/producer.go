// Package kafka carries payment lifecycle events between the gateway and the
// webhook dispatcher.
package kafka

import (
	"context"
	"fmt"
	"time"

	"paymock/internal/models"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultTopic = "payment-lifecycle"
	statusHeader = "event-status"
)

// Producer publishes lifecycle events keyed by payment id, so all events of
// one payment land on one partition in order.
type Producer struct {
	writer *kafka.Writer
	topic  string
	log    *zap.Logger
	tracer trace.Tracer
}

func NewProducer(brokers []string, topic string, log *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		RequiredAcks: kafka.RequireAll,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
		log:    log,
		tracer: otel.Tracer("kafka/producer"),
	}
}

func (p *Producer) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("publish %s", p.topic),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(p.topic),
			attribute.String("messaging.kafka.message.key", ev.PaymentID),
			attribute.String("payment.status", string(ev.Status)),
		),
	)
	defer span.End()

	data, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	headers := []kafka.Header{{Key: statusHeader, Value: []byte(ev.Status)}}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{headers: &headers})

	msg := kafka.Message{
		Key:     []byte(ev.PaymentID),
		Value:   data,
		Time:    ev.OccurredAt,
		Headers: headers,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.log.Debug("lifecycle event published",
		zap.String("payment_id", ev.PaymentID),
		zap.String("status", string(ev.Status)),
		zap.String("topic", p.topic),
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// DecodeEvent parses a message value written by Producer.
func DecodeEvent(value []byte) (models.LifecycleEvent, error) {
	var ev models.LifecycleEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("decode lifecycle event: %w", err)
	}
	if ev.PaymentID == "" || !ev.Status.Terminal() {
		return ev, fmt.Errorf("decode lifecycle event: missing payment id or non-terminal status %q", ev.Status)
	}
	return ev, nil
}

package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const handlerMaxTries = 5

// HandlerFunc processes one message. Wrapping the error with
// backoff.Permanent marks the message as unprocessable: it is logged and
// committed instead of retried.
type HandlerFunc func(ctx context.Context, key, value []byte) error

type Consumer struct {
	reader  *kafka.Reader
	groupID string
	topic   string
	log     *zap.Logger
	tracer  trace.Tracer
}

func NewConsumer(brokers []string, topic, groupID string, log *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{
		reader:  reader,
		groupID: groupID,
		topic:   topic,
		log:     log,
		tracer:  otel.Tracer("kafka/consumer"),
	}
}

// Listen feeds messages to handler until ctx is done. An offset is committed
// only after handler succeeded (or rejected the message permanently); a
// handler that keeps failing stops the consumer so the message is redelivered
// after restart.
func (c *Consumer) Listen(ctx context.Context, handler HandlerFunc) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := c.handle(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler HandlerFunc) error {
	carrier := &headerCarrier{headers: &msg.Headers}
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

	msgCtx, span := c.tracer.Start(msgCtx, fmt.Sprintf("receive %s", c.topic),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(c.topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
			attribute.String("messaging.kafka.consumer.group", c.groupID),
		),
	)
	defer span.End()

	_, err := backoff.Retry(msgCtx, func() (struct{}, error) {
		return struct{}{}, handler(msgCtx, msg.Key, msg.Value)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(handlerMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("message handler failed, retrying",
				zap.String("key", string(msg.Key)),
				zap.Int64("offset", msg.Offset),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		c.log.Error("dropping unprocessable message",
			zap.String("key", string(msg.Key)),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("handle message at offset %d: %w", msg.Offset, err)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EnsureTopic creates topic if it does not exist, retrying while the broker
// is still coming up.
func EnsureTopic(ctx context.Context, broker, topic string, partitions, replication int, log *zap.Logger) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := createTopic(ctx, broker, topic, partitions, replication)
		if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
			log.Warn("kafka topic not ready", zap.String("broker", broker), zap.String("topic", topic), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(8))
	if err != nil {
		return fmt.Errorf("ensure topic %s: %w", topic, err)
	}
	return nil
}

func createTopic(ctx context.Context, broker, topic string, partitions, replication int) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}

	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}
	return nil
}

package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a Kafka topic, keyed by request id so a
// request's status history lands in one partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

var _ Notifier = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.LeastBytes{},
		},
	}, nil
}

// Publish implements Notifier.
func (k *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}
	msg := kafka.Message{
		Value: data,
		Time:  event.At,
	}
	if event.RequestID != 0 {
		msg.Key = []byte(strconv.FormatUint(event.RequestID, 10))
	} else {
		msg.Key = []byte(event.Type)
	}
	return errors.Wrap(k.writer.WriteMessages(ctx, msg), "failed to write event")
}

// Close flushes and closes the underlying writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

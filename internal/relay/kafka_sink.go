package relay

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaSink publishes instructions to one topic, keyed by listing so a
// listing's transfers stay on one partition in settlement order.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink dials brokers with a synchronous, all-replica-ack producer.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, topic), nil
}

func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Publish blocks until the broker acks. sarama's SyncProducer takes no
// context; ctx is checked before the send.
func (s *KafkaSink) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(msg.Listing),
		Value: sarama.ByteEncoder(msg.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("transfer_id"), Value: []byte(msg.Key)},
			{Key: []byte("transfer_type"), Value: []byte(msg.Kind)},
		},
	})
	return err
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes each notification as a structured log line. It is the
// default when no broker is configured.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{log: l}
}

func (s *LogSink) Send(ctx context.Context, msg Message) error {
	attrs := make([]any, 0, 2+2*len(msg.Data))
	attrs = append(attrs, "template", msg.Template)
	for k, v := range msg.Data {
		attrs = append(attrs, k, v)
	}
	s.log.InfoContext(ctx, "notification", attrs...)
	return nil
}

// =============================================================================
// KAFKA SINK
// =============================================================================

// KafkaSink publishes notifications to Kafka, one topic per template
// (prefix + template), keyed by student id so a student's events stay
// ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	prefix   string
}

// NewKafkaSink wraps an existing producer. The producer must be configured
// with Producer.Return.Successes = true.
func NewKafkaSink(producer sarama.SyncProducer, topicPrefix string) *KafkaSink {
	return &KafkaSink{producer: producer, prefix: topicPrefix}
}

// DialKafka connects a SyncProducer to brokers and returns a sink using it.
func DialKafka(brokers []string, topicPrefix string) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start kafka producer: %w", err)
	}
	return NewKafkaSink(producer, topicPrefix), nil
}

// Topic returns the topic a template is published to.
func (s *KafkaSink) Topic(template string) string {
	return s.prefix + template
}

func (s *KafkaSink) Send(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s notification: %w", msg.Template, err)
	}

	pm := &sarama.ProducerMessage{
		Topic: s.Topic(msg.Template),
		Value: sarama.ByteEncoder(data),
	}
	if key, ok := msg.Data["student_id"].(string); ok && key != "" {
		pm.Key = sarama.StringEncoder(key)
	}

	if _, _, err := s.producer.SendMessage(pm); err != nil {
		return fmt.Errorf("failed to publish %s: %w", pm.Topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

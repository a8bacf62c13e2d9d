package kafka_publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublishAction implements the actions.Action interface. It publishes
// each alert as JSON to a topic, keyed by tenant so one tenant's alerts keep
// their order within a partition.
type KafkaPublishAction struct {
	writer messageWriter
	now    func() time.Time
}

// New creates a publisher writing to topic on the given brokers.
func New(brokers []string, topic string) *KafkaPublishAction {
	return &KafkaPublishAction{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		now: time.Now,
	}
}

// Name returns the unique name of the action.
func (kp *KafkaPublishAction) Name() string {
	return "kafka_publish"
}

// Execute publishes the alert. Delivery errors are returned to the
// dispatcher, which logs them.
func (kp *KafkaPublishAction) Execute(ctx context.Context, alert *alerts.Alert) error {
	if alert == nil {
		return fmt.Errorf("missing alert for kafka_publish action")
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", alert.AlertID, err)
	}

	msg := kafka.Message{
		Key:   []byte(alert.TenantID),
		Value: data,
		Time:  kp.now(),
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(alert.AlertID)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	if err := kp.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", alert.AlertID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (kp *KafkaPublishAction) Close() error {
	return kp.writer.Close()
}

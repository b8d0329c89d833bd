package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-marketplace/internal/models"
)

// KafkaSink publishes notification and support-ticket records to the
// notification topic and mirrors cancellation events to the feed topic
// consumed by the penalty worker.
type KafkaSink struct {
	notifications *kafka.Writer
	cancellations *kafka.Writer
	logger        *slog.Logger
}

func NewKafkaSink(brokers []string, notificationsTopic, cancellationsTopic string, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{
		notifications: &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: notificationsTopic, Balancer: &kafka.LeastBytes{}},
		cancellations: &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: cancellationsTopic, Balancer: &kafka.LeastBytes{}},
		logger:        logger,
	}
}

func (k *KafkaSink) Notify(ctx context.Context, n models.Notification) {
	k.publish(ctx, k.notifications, n.UserID, envelope{Kind: "notification", Notification: &n})
}

func (k *KafkaSink) OpenTicket(ctx context.Context, t models.SupportTicket) {
	k.publish(ctx, k.notifications, t.DriverID, envelope{Kind: "support_ticket", Ticket: &t})
}

// PublishCancellation mirrors a recorded cancellation to the feed topic.
// Best effort, like the other sinks.
func (k *KafkaSink) PublishCancellation(ctx context.Context, ev models.CancellationEvent) {
	k.publish(ctx, k.cancellations, ev.DriverID, ev)
}

type envelope struct {
	Kind         string                `json:"kind"`
	Notification *models.Notification  `json:"notification,omitempty"`
	Ticket       *models.SupportTicket `json:"support_ticket,omitempty"`
}

func (k *KafkaSink) publish(ctx context.Context, w *kafka.Writer, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		k.logger.Error("kafka encode failed", "topic", w.Topic, "error", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := w.WriteMessages(wctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		k.logger.Error("kafka publish failed", "topic", w.Topic, "key", key, "error", err)
	}
}

func (k *KafkaSink) Close() error {
	if err := k.notifications.Close(); err != nil {
		return err
	}
	return k.cancellations.Close()
}

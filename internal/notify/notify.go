package notify

import (
	"context"
	"log/slog"

	"github.com/example/ride-marketplace/internal/models"
)

// Notifier is a fire-and-forget sink for notification records and support
// tickets. Implementations swallow their own failures (logging them); a
// failed delivery must never roll back the state change that triggered it.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
	OpenTicket(ctx context.Context, t models.SupportTicket)
}

// LogNotifier writes notifications to the structured log. It is the fallback
// sink when no Kafka brokers are configured, and keeps local runs observable.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, n models.Notification) {
	l.Logger.Info("notification", "user_id", n.UserID, "type", n.Type, "message", n.Message)
}

func (l *LogNotifier) OpenTicket(ctx context.Context, t models.SupportTicket) {
	l.Logger.Warn("support ticket", "driver_id", t.DriverID, "priority", t.Priority, "subject", t.Subject)
}

// Fanout delivers to every configured sink.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n models.Notification) {
	for _, s := range f {
		s.Notify(ctx, n)
	}
}

func (f Fanout) OpenTicket(ctx context.Context, t models.SupportTicket) {
	for _, s := range f {
		s.OpenTicket(ctx, t)
	}
}

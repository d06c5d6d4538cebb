package notify

import (
	"context"

	"github.com/platinummonkey/banquet/pkg/observability"
)

// LogNotifier writes reminders to the log instead of delivering them.
// Used for dry runs and local development.
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a LogNotifier; a nil logger falls back to the context logger
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Name implements Notifier
func (l *LogNotifier) Name() string { return "log" }

// Send implements Notifier
func (l *LogNotifier) Send(ctx context.Context, msg Message) error {
	logger := l.logger
	if logger == nil {
		logger = observability.FromContext(ctx)
	}
	logger.WithFields(map[string]interface{}{
		"message_id":  msg.ID,
		"reminder":    string(msg.Type),
		"entity_type": string(msg.EntityType),
		"entity_id":   msg.EntityID,
		"recipient":   msg.Recipient,
		"urgency":     msg.Urgency,
	}).Info("reminder")
	return nil
}

// Ping implements Notifier
func (l *LogNotifier) Ping(ctx context.Context) error { return nil }

package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// KindTransactionCompleted is emitted when a transaction reaches completed.
	KindTransactionCompleted = "transaction.completed"
	// KindTransactionFailed is emitted when a transaction reaches failed.
	KindTransactionFailed = "transaction.failed"
	// KindAuthorizationDecided is emitted after every card authorization decision.
	KindAuthorizationDecided = "card.authorization.decided"
)

// Event describes a state change worth telling downstream systems about.
// Kind doubles as the routing key.
type Event struct {
	Kind       string    `json:"kind" bson:"kind"`
	SubjectID  string    `json:"subject_id" bson:"subject_id"`
	OwnerID    string    `json:"owner_id,omitempty" bson:"owner_id,omitempty"`
	Status     string    `json:"status" bson:"status"`
	Amount     string    `json:"amount,omitempty" bson:"amount,omitempty"`
	Currency   string    `json:"currency,omitempty" bson:"currency,omitempty"`
	Reason     string    `json:"reason,omitempty" bson:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at" bson:"occurred_at"`
}

// Notifier delivers events to downstream systems.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LoggerNotifier writes events to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

func (n *LoggerNotifier) Notify(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("event",
		"kind", event.Kind,
		"subject_id", event.SubjectID,
		"status", event.Status,
		"reason", event.Reason,
	)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit stamps and delivers event without letting delivery failures reach the
// caller. Failures are logged.
func Emit(ctx context.Context, n Notifier, logger *slog.Logger, event Event) {
	if n == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := n.Notify(ctx, event); err != nil && logger != nil {
		logger.Warn("event delivery failed", "kind", event.Kind, "subject_id", event.SubjectID, "error", err)
	}
}

package notification

import (
	"context"
	"log/slog"
)

const (
	// KindTransactionRecorded is sent after a new transaction is committed.
	KindTransactionRecorded = "transaction.recorded"
	// KindTransactionAmended is sent after a transaction amount, wallet or txid changed.
	KindTransactionAmended = "transaction.amended"
	// KindTransactionErased is sent after a transaction was deleted and reversed.
	KindTransactionErased = "transaction.erased"
)

// KindFor maps a journal operation name to its notification kind.
func KindFor(op string) string {
	switch op {
	case "record":
		return KindTransactionRecorded
	case "amend":
		return KindTransactionAmended
	case "erase":
		return KindTransactionErased
	default:
		return "transaction." + op
	}
}

// Message describes a notification payload. Destination is the wallet id.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers journal events to downstream systems. Send is called
// after commit, so a failed delivery never undoes a write.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.InfoContext(ctx, "notification", "kind", message.Kind, "wallet_id", message.Destination, "body", message.Body)
	return nil
}

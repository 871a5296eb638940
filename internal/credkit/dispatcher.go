package credkit

import (
	"context"

	"go.uber.org/zap"
)

// NotificationDispatcher delivers verification mail. Supplied by the
// out-of-scope notification collaborator; a failed Send must leave no trace in
// any store.
type NotificationDispatcher interface {
	Send(ctx context.Context, recipientEmail string, subject string, body string) error
}

// LogDispatcher writes the message to the log instead of sending it. Intended
// for local runs where no mail relay is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher constructs a dispatcher that logs outgoing mail.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Send logs the message and reports success.
func (dispatcher *LogDispatcher) Send(ctx context.Context, recipientEmail string, subject string, body string) error {
	dispatcher.logger.Info("outgoing mail",
		zap.String("recipient", recipientEmail),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}

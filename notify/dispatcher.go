// Package notify delivers best-effort text messages to a phone number through
// a third-party relay. Delivery is never confirmed and never retried.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNoRecipient is returned when a message has no phone number.
var ErrNoRecipient = errors.New("notify: message has no recipient")

// Message is a freeform text addressed to a phone number.
type Message struct {
	Phone string
	Text  string
}

// Dispatcher sends a message. Implementations may block on network I/O;
// wrap them in Async when the caller must not wait.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// LogDispatcher only logs messages. It is the simulation mode used when no
// relay is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(ctx context.Context, msg Message) error {
	if msg.Phone == "" {
		return ErrNoRecipient
	}
	d.logger.InfoContext(ctx, "simulated notification", "phone", msg.Phone, "text", msg.Text)
	return nil
}

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Async detaches delivery from the caller. Send returns immediately; failures
// are logged and dropped.
type Async struct {
	next    Dispatcher
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next Dispatcher, timeout time.Duration, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Send schedules delivery and always returns nil. After Close, messages are
// logged and dropped.
func (a *Async) Send(ctx context.Context, msg Message) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.WarnContext(ctx, "notification dropped after shutdown", "phone", msg.Phone)
		return nil
	}
	a.wg.Add(1)
	a.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := a.next.Send(sendCtx, msg); err != nil {
			a.logger.ErrorContext(sendCtx, "notification failed", "phone", msg.Phone, "error", err)
		}
	}()
	return nil
}

// Close stops accepting messages and waits for in-flight deliveries or ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

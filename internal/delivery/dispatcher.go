package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/pkg/logger"
)

// Kind names a delivery channel.
type Kind string

const (
	KindSMS   Kind = "sms"
	KindEmail Kind = "email"
)

// Dispatcher resolves the user's contact for a channel and sends through
// it with a bounded number of retries.
type Dispatcher struct {
	directory Directory
	channels  map[Kind]Channel
	retries   int
	backoff   time.Duration
	log       *slog.Logger
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRetries sets how many times a failed send is retried.
func WithRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.retries = n
		}
	}
}

// WithBackoff sets the pause between attempts.
func WithBackoff(backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if backoff >= 0 {
			d.backoff = backoff
		}
	}
}

// WithChannel registers a channel.
func WithChannel(kind Kind, ch Channel) DispatcherOption {
	return func(d *Dispatcher) {
		if ch != nil {
			d.channels[kind] = ch
		}
	}
}

// NewDispatcher creates a dispatcher with two retries by default.
func NewDispatcher(directory Directory, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		directory: directory,
		channels:  make(map[Kind]Channel),
		retries:   2,
		backoff:   200 * time.Millisecond,
		log:       logger.Named("delivery"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Deliver sends msg to userID over kind. Every failure is reported as
// DELIVERY_FAILED with the underlying cause attached.
func (d *Dispatcher) Deliver(ctx context.Context, userID string, kind Kind, msg Message) (string, error) {
	ch, ok := d.channels[kind]
	if !ok {
		return "", xerrors.Wrap(CodeDeliveryFailed, fmt.Errorf("channel %s not configured", kind), "")
	}
	contact, err := d.directory.Contact(ctx, userID)
	if err != nil {
		return "", xerrors.Wrap(CodeDeliveryFailed, err, "")
	}
	destination := contact.Phone
	if kind == KindEmail {
		destination = contact.Email
	}
	if destination == "" {
		return "", xerrors.Wrap(CodeDeliveryFailed, ErrNoDestination, "")
	}

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 && d.backoff > 0 {
			timer := time.NewTimer(d.backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", xerrors.Wrap(CodeDeliveryFailed, ctx.Err(), "")
			case <-timer.C:
			}
		}
		id, err := ch.Send(ctx, destination, msg)
		if err == nil {
			d.log.Info("pin delivered",
				slog.String("user_id", userID),
				slog.String("channel", string(kind)),
				slog.String("to", MaskDestination(destination)),
				slog.Int("attempt", attempt+1),
			)
			return id, nil
		}
		lastErr = err
		if errors.Is(err, ErrNoDestination) || ctx.Err() != nil {
			break
		}
		d.log.Warn("pin delivery attempt failed",
			slog.String("user_id", userID),
			slog.String("channel", string(kind)),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return "", xerrors.Wrap(CodeDeliveryFailed, lastErr, "")
}

package notify

import (
	"context"
	"errors"
	"time"
)

// Notice kinds sent to payers.
const (
	KindPaymentReceived  = "payment_received"
	KindPaymentFailed    = "payment_failed"
	KindRetriesExhausted = "retries_exhausted"
	KindRefunded         = "refunded"
)

// Notice describes one payer-facing message.
type Notice struct {
	Kind         string
	EnrollmentID string
	EntryID      string
	PayerRef     string
	PayerEmail   string
	Amount       int64
	Currency     string
	Reason       string
	NextRetryAt  time.Time
}

// Notifier delivers notices. Delivery is best-effort; callers log errors and move on.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notices.
type Nop struct{}

func (Nop) Notify(context.Context, Notice) error { return nil }

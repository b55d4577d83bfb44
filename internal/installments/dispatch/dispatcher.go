package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lmsBack/internal/installments/fsm"
	"lmsBack/internal/installments/gateway"
	"lmsBack/internal/installments/notify"
	"lmsBack/internal/installments/repo"
)

// Dispatch outcomes.
const (
	OutcomeScheduled     = "scheduled"
	OutcomeChargePending = "charge_pending"
	OutcomeFailed        = "failed"
)

var (
	// ErrInvalidState is returned when the entry is not pending, failed or overdue.
	ErrInvalidState = errors.New("entry is not dispatchable")
	// ErrClaimLost is returned when another actor changed the entry first.
	ErrClaimLost = errors.New("entry claimed concurrently")
	// ErrEnrollmentInactive is returned for entries of paused or cancelled enrollments.
	ErrEnrollmentInactive = errors.New("enrollment is not chargeable")
)

// Logger is a minimal logger interface required by the dispatcher.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// EntryStore is the persistence the dispatcher needs.
type EntryStore interface {
	GetEntry(ctx context.Context, id string) (repo.ScheduleEntry, error)
	GetEnrollment(ctx context.Context, id string) (repo.Enrollment, error)
	TransitionEntry(ctx context.Context, id, from, to string, upd repo.EntryUpdate) error
	SetInvoiceRef(ctx context.Context, id, invoiceRef string, at time.Time) error
	SetChargeRef(ctx context.Context, id, chargeRef string, at time.Time) error
}

// Result reports what a dispatch did. Gateway failures are reported here
// rather than as an error because they are persisted on the entry.
type Result struct {
	EntryID     string     `json:"schedule_entry_id"`
	InvoiceRef  string     `json:"external_invoice_ref,omitempty"`
	ChargeRef   string     `json:"external_charge_ref,omitempty"`
	Outcome     string     `json:"outcome"`
	Error       string     `json:"error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	// Cause is the gateway error behind a failed outcome; nil for a decline.
	Cause       error      `json:"-"`
}

// Dispatcher turns schedule entries into gateway invoices and charges.
type Dispatcher struct {
	store    EntryStore
	gw       gateway.Gateway
	policy   RetryPolicy
	notifier notify.Notifier
	logger   Logger
	now      func() time.Time
}

// New creates a dispatcher instance.
func New(store EntryStore, gw gateway.Gateway, policy RetryPolicy, notifier notify.Notifier, logger Logger) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{store: store, gw: gw, policy: policy, notifier: notifier, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Policy returns the retry policy in use.
func (d *Dispatcher) Policy() RetryPolicy { return d.policy }

// Dispatch claims a pending, failed or overdue entry, makes sure it has exactly
// one gateway invoice and, when chargeImmediately is set, charges it. The final
// paid status is left to the reconciliation engine.
func (d *Dispatcher) Dispatch(ctx context.Context, entryID string, chargeImmediately bool) (Result, error) {
	entry, err := d.store.GetEntry(ctx, entryID)
	if err != nil {
		return Result{}, fmt.Errorf("load entry %s: %w", entryID, err)
	}
	if !fsm.Dispatchable(entry.Status) {
		return Result{}, fmt.Errorf("entry %s is %s: %w", entryID, entry.Status, ErrInvalidState)
	}
	enrollment, err := d.store.GetEnrollment(ctx, entry.EnrollmentID)
	if err != nil {
		return Result{}, fmt.Errorf("load enrollment %s: %w", entry.EnrollmentID, err)
	}
	if enrollment.Status == fsm.EnrollmentPaused || enrollment.Status == fsm.EnrollmentCancelled {
		return Result{}, fmt.Errorf("enrollment %s is %s: %w", enrollment.ID, enrollment.Status, ErrEnrollmentInactive)
	}

	noRetry := sql.NullTime{}
	err = d.store.TransitionEntry(ctx, entry.ID, entry.Status, fsm.StatusDispatched, repo.EntryUpdate{At: d.now(), NextRetryAt: &noRetry})
	if err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			return Result{}, fmt.Errorf("entry %s: %w", entry.ID, ErrClaimLost)
		}
		return Result{}, fmt.Errorf("claim entry %s: %w", entry.ID, err)
	}

	res := Result{EntryID: entry.ID}
	invoiceRef := entry.InvoiceRef.String
	if !entry.InvoiceRef.Valid {
		invoiceRef, err = d.gw.CreateInvoice(ctx, gateway.InvoiceRequest{
			CustomerRef:    enrollment.PayerRef,
			CustomerEmail:  enrollment.PayerEmail.String,
			Amount:         entry.Amount,
			Currency:       entry.Currency,
			DueDate:        entry.DueDate,
			Description:    fmt.Sprintf("%s %d of %s", entry.Kind, entry.Seq, enrollment.CourseRef),
			EnrollmentID:   enrollment.ID,
			EntryID:        entry.ID,
			IdempotencyKey: entry.ID,
		})
		if err != nil {
			return d.fail(ctx, entry, enrollment, res, "create invoice: "+err.Error(), err)
		}
		if err := d.store.SetInvoiceRef(ctx, entry.ID, invoiceRef, d.now()); err != nil {
			if !errors.Is(err, repo.ErrStaleState) {
				return d.fail(ctx, entry, enrollment, res, "store invoice: "+err.Error(), err)
			}
			fresh, gerr := d.store.GetEntry(ctx, entry.ID)
			if gerr != nil {
				return res, fmt.Errorf("reload entry %s: %w", entry.ID, gerr)
			}
			invoiceRef = fresh.InvoiceRef.String
		}
	}
	res.InvoiceRef = invoiceRef

	if !chargeImmediately {
		res.Outcome = OutcomeScheduled
		return res, nil
	}

	charge, err := d.gw.ChargeInvoice(ctx, invoiceRef)
	if err != nil {
		return d.fail(ctx, entry, enrollment, res, "charge: "+err.Error(), err)
	}
	if charge.ChargeRef != "" {
		res.ChargeRef = charge.ChargeRef
		if err := d.store.SetChargeRef(ctx, entry.ID, charge.ChargeRef, d.now()); err != nil {
			d.logger.Errorf("dispatch: store charge ref of entry %s failed: %v", entry.ID, err)
		}
	}
	if charge.Status == gateway.ChargeFailed {
		return d.fail(ctx, entry, enrollment, res, charge.FailureMessage, nil)
	}
	res.Outcome = OutcomeChargePending
	return res, nil
}

// fail records a gateway failure on a claimed entry and schedules the next automated attempt.
func (d *Dispatcher) fail(ctx context.Context, entry repo.ScheduleEntry, enrollment repo.Enrollment, res Result, reason string, cause error) (Result, error) {
	// The caller's deadline may be what failed the gateway call.
	ctx = context.WithoutCancel(ctx)
	now := d.now()
	next, retry := d.policy.Next(now, entry.RetryCount)
	nextAt := sql.NullTime{Time: next, Valid: retry}
	lastErr := repo.NullString(reason)

	res.Outcome = OutcomeFailed
	res.Error = reason
	res.Cause = cause
	if retry {
		res.NextRetryAt = &next
	}

	err := d.store.TransitionEntry(ctx, entry.ID, fsm.StatusDispatched, fsm.StatusFailed, repo.EntryUpdate{At: now, LastError: &lastErr, NextRetryAt: &nextAt})
	if err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			d.logger.Infof("dispatch: entry %s changed before failure could be recorded", entry.ID)
			return res, nil
		}
		return res, fmt.Errorf("record failure of entry %s: %w", entry.ID, err)
	}
	d.logger.Infof("dispatch: entry %s failed (retry %d): %s", entry.ID, entry.RetryCount, reason)

	kind := notify.KindPaymentFailed
	if !retry {
		kind = notify.KindRetriesExhausted
	}
	n := notify.Notice{
		Kind:         kind,
		EnrollmentID: enrollment.ID,
		EntryID:      entry.ID,
		PayerRef:     enrollment.PayerRef,
		PayerEmail:   enrollment.PayerEmail.String,
		Amount:       entry.Amount,
		Currency:     entry.Currency,
		Reason:       reason,
		NextRetryAt:  next,
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		d.logger.Errorf("dispatch: notify payer of entry %s failed: %v", entry.ID, err)
	}
	return res, nil
}

// MarkOverdue moves a dispatched entry whose due date has passed to overdue
// and makes it immediately eligible for a retry.
func (d *Dispatcher) MarkOverdue(ctx context.Context, entryID string) error {
	now := d.now()
	next := repo.NullTime(now)
	err := d.store.TransitionEntry(ctx, entryID, fsm.StatusDispatched, fsm.StatusOverdue, repo.EntryUpdate{At: now, NextRetryAt: &next})
	if errors.Is(err, repo.ErrStaleState) {
		return fmt.Errorf("entry %s: %w", entryID, ErrClaimLost)
	}
	return err
}

// Package reconcile applies gateway events to schedule entries, payment
// records, disputes and enrollment totals.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lmsBack/internal/installments/dispatch"
	"lmsBack/internal/installments/fsm"
	"lmsBack/internal/installments/gateway"
	"lmsBack/internal/installments/notify"
	"lmsBack/internal/installments/repo"
)

// Outcomes of ApplyEvent.
const (
	OutcomeApplied     = "applied"
	OutcomeDuplicate   = "duplicate"
	OutcomeIgnored     = "ignored"
	OutcomeQuarantined = "quarantined"
)

// Activation policies for draft enrollments.
const (
	ActivatePaidInFull   = "paid_in_full"
	ActivateFirstPayment = "first_payment"
)

const (
	maxAttempts = 3
	// Events still missing their payment after this long are quarantined instead of bounced.
	outOfOrderWindow = 72 * time.Hour
)

// ErrOutOfOrder is returned when an event refers to a payment that has not been recorded yet.
// The caller should let the gateway redeliver it.
var ErrOutOfOrder = errors.New("event precedes the payment it refers to")

// Logger is a minimal logger interface required by the engine.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Store runs a unit of work atomically.
type Store interface {
	WithinTx(ctx context.Context, fn func(repo.Tx) error) error
}

// DisputeReader fetches the gateway's own view of a dispute.
type DisputeReader interface {
	GetDispute(ctx context.Context, disputeRef string) (gateway.Dispute, error)
}

// IssueSink receives operator-queue items after they are committed.
type IssueSink interface {
	PublishIssue(issue repo.Issue)
}

// effect collects what a committed event should trigger outside the transaction.
type effect struct {
	outcome string
	issue   *repo.Issue
	notice  *notify.Notice
}

// Engine is safe for concurrent use; concurrency control lives in the store.
type Engine struct {
	store      Store
	policy     dispatch.RetryPolicy
	notifier   notify.Notifier
	logger     Logger
	disputes   DisputeReader
	sinks      []IssueSink
	activation string
	now        func() time.Time
}

// New creates an engine with the paid_in_full activation policy.
func New(store Store, policy dispatch.RetryPolicy, notifier notify.Notifier, logger Logger) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		store:      store,
		policy:     policy,
		notifier:   notifier,
		logger:     logger,
		activation: ActivatePaidInFull,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetDisputeReader makes the gateway authoritative for dispute state.
func (e *Engine) SetDisputeReader(r DisputeReader) { e.disputes = r }

// AddIssueSink registers a receiver for operator-queue items.
func (e *Engine) AddIssueSink(s IssueSink) { e.sinks = append(e.sinks, s) }

// SetActivationPolicy selects when a draft enrollment becomes active.
func (e *Engine) SetActivationPolicy(policy string) error {
	switch policy {
	case ActivatePaidInFull, ActivateFirstPayment:
		e.activation = policy
		return nil
	}
	return fmt.Errorf("unknown activation policy %q", policy)
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ApplyEvent applies one verified gateway event. Redelivered events return
// OutcomeDuplicate without touching any state.
func (e *Engine) ApplyEvent(ctx context.Context, ev gateway.Event) (string, error) {
	var remote *gateway.Dispute
	if ev.IsDispute() && e.disputes != nil {
		d, err := e.disputes.GetDispute(ctx, ev.DisputeRef)
		if err != nil {
			e.logger.Errorf("reconcile: fetch dispute %s failed, using event data: %v", ev.DisputeRef, err)
		} else {
			remote = &d
		}
	}

	var eff effect
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = e.store.WithinTx(ctx, func(tx repo.Tx) error {
			var txErr error
			eff, txErr = e.apply(ctx, tx, ev, remote)
			return txErr
		})
		if !errors.Is(err, repo.ErrStaleState) {
			break
		}
		e.logger.Infof("reconcile: event %s hit a concurrent update (attempt %d)", ev.ID, attempt)
	}
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		return OutcomeDuplicate, nil
	case err != nil:
		return "", fmt.Errorf("apply %s %s: %w", ev.Type, ev.ID, err)
	}

	if eff.issue != nil {
		e.logger.Errorf("reconcile: quarantined event %s (%s): %s", ev.ID, eff.issue.Kind, eff.issue.Detail)
		for _, s := range e.sinks {
			s.PublishIssue(*eff.issue)
		}
	}
	if eff.notice != nil {
		if err := e.notifier.Notify(ctx, *eff.notice); err != nil {
			e.logger.Errorf("reconcile: notify %s for enrollment %s failed: %v", eff.notice.Kind, eff.notice.EnrollmentID, err)
		}
	}
	return eff.outcome, nil
}

func (e *Engine) apply(ctx context.Context, tx repo.Tx, ev gateway.Event, remote *gateway.Dispute) (effect, error) {
	switch ev.Type {
	case gateway.EventChargeSucceeded:
		return e.chargeSucceeded(ctx, tx, ev)
	case gateway.EventChargeFailed:
		return e.chargeFailed(ctx, tx, ev)
	case gateway.EventChargeRefunded:
		return e.chargeRefunded(ctx, tx, ev)
	case gateway.EventDisputeCreated, gateway.EventDisputeClosed:
		return e.dispute(ctx, tx, ev, remote)
	}
	return effect{outcome: OutcomeIgnored}, nil
}

func (e *Engine) quarantine(ctx context.Context, tx repo.Tx, ev gateway.Event, kind, enrollmentID, entryID, detail string) (effect, error) {
	is := repo.Issue{
		ID:           uuid.NewString(),
		Kind:         kind,
		EventID:      ev.ID,
		EventType:    ev.Type,
		ChargeRef:    ev.ChargeRef,
		EnrollmentID: enrollmentID,
		EntryID:      entryID,
		Detail:       detail,
		Payload:      ev.Raw,
		CreatedAt:    e.now(),
	}
	if err := tx.InsertIssue(ctx, is); err != nil {
		return effect{}, fmt.Errorf("insert issue: %w", err)
	}
	return effect{outcome: OutcomeQuarantined, issue: &is}, nil
}

// locate resolves the schedule entry of a charge event and locks its
// enrollment before the entry itself.
func (e *Engine) locate(ctx context.Context, tx repo.Tx, ev gateway.Event) (repo.Enrollment, repo.ScheduleEntry, string, error) {
	var entry repo.ScheduleEntry
	var err error
	switch {
	case ev.EntryID != "":
		entry, err = tx.GetEntry(ctx, ev.EntryID)
	case ev.InvoiceRef != "":
		entry, err = tx.FindEntryByInvoice(ctx, ev.InvoiceRef)
	default:
		return repo.Enrollment{}, repo.ScheduleEntry{}, "event carries neither schedule entry nor invoice", nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return repo.Enrollment{}, repo.ScheduleEntry{}, fmt.Sprintf("schedule entry %q / invoice %q not found", ev.EntryID, ev.InvoiceRef), nil
	}
	if err != nil {
		return repo.Enrollment{}, repo.ScheduleEntry{}, "", err
	}

	enrollment, err := tx.LockEnrollment(ctx, entry.EnrollmentID)
	if err != nil {
		return repo.Enrollment{}, repo.ScheduleEntry{}, "", fmt.Errorf("lock enrollment %s: %w", entry.EnrollmentID, err)
	}
	entry, err = tx.LockEntry(ctx, entry.ID)
	if err != nil {
		return repo.Enrollment{}, repo.ScheduleEntry{}, "", fmt.Errorf("lock entry %s: %w", entry.ID, err)
	}
	return enrollment, entry, "", nil
}

func (e *Engine) chargeSucceeded(ctx context.Context, tx repo.Tx, ev gateway.Event) (effect, error) {
	enrollment, entry, missing, err := e.locate(ctx, tx, ev)
	if err != nil {
		return effect{}, err
	}
	if missing != "" {
		return e.quarantine(ctx, tx, ev, repo.IssueUnknownEntry, ev.EnrollmentID, ev.EntryID, missing)
	}
	if ev.EnrollmentID != "" && ev.EnrollmentID != entry.EnrollmentID {
		return e.quarantine(ctx, tx, ev, repo.IssueEnrollmentMismatch, ev.EnrollmentID, entry.ID,
			fmt.Sprintf("entry belongs to enrollment %s", entry.EnrollmentID))
	}

	if _, err := tx.LockPayment(ctx, ev.ChargeRef, enrollment.ID); err == nil {
		return effect{outcome: OutcomeDuplicate}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return effect{}, fmt.Errorf("lock payment %s: %w", ev.ChargeRef, err)
	}

	if fsm.Settled(entry.Status) {
		return e.quarantine(ctx, tx, ev, repo.IssueChargeOnSettled, enrollment.ID, entry.ID,
			fmt.Sprintf("entry is already %s (charge %s)", entry.Status, entry.ChargeRef.String))
	}
	amount := ev.Amount
	if amount == 0 {
		amount = entry.Amount
	}
	if amount != entry.Amount || (ev.Currency != "" && ev.Currency != entry.Currency) {
		return e.quarantine(ctx, tx, ev, repo.IssueAmountMismatch, enrollment.ID, entry.ID,
			fmt.Sprintf("charged %d %s, scheduled %d %s", amount, ev.Currency, entry.Amount, entry.Currency))
	}

	now := e.now()
	p := repo.PaymentRecord{
		ID:           uuid.NewString(),
		EnrollmentID: enrollment.ID,
		EntryID:      entry.ID,
		ChargeRef:    ev.ChargeRef,
		Amount:       amount,
		Currency:     entry.Currency,
		Status:       repo.PaymentSucceeded,
		OccurredAt:   ev.OccurredAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return effect{}, err
	}

	paidAt := repo.NullTime(now)
	chargeRef := repo.NullString(ev.ChargeRef)
	noRetry := repo.NullTime(time.Time{})
	noError := repo.NullString("")
	upd := repo.EntryUpdate{At: now, PaidAt: &paidAt, ChargeRef: &chargeRef, NextRetryAt: &noRetry, LastError: &noError}
	if err := tx.TransitionEntry(ctx, entry.ID, entry.Status, fsm.StatusPaid, upd); err != nil {
		return effect{}, err
	}

	enrollment.PaidAmount += amount
	enrollment.PaymentStatus = fsm.PaymentStatus(enrollment.TotalAmount, enrollment.PaidAmount, enrollment.RefundedAmount)
	if enrollment.Status == fsm.EnrollmentDraft && e.activates(enrollment) {
		enrollment.Status = fsm.EnrollmentActive
	}
	enrollment.UpdatedAt = now
	if err := tx.UpdateEnrollmentTotals(ctx, enrollment); err != nil {
		return effect{}, err
	}

	n := e.notice(notify.KindPaymentReceived, enrollment, entry.ID, amount)
	return effect{outcome: OutcomeApplied, notice: &n}, nil
}

func (e *Engine) activates(en repo.Enrollment) bool {
	if e.activation == ActivateFirstPayment {
		return en.PaidAmount > 0
	}
	return en.PaymentStatus == fsm.PaymentPaid
}

func (e *Engine) chargeFailed(ctx context.Context, tx repo.Tx, ev gateway.Event) (effect, error) {
	enrollment, entry, missing, err := e.locate(ctx, tx, ev)
	if err != nil {
		return effect{}, err
	}
	if missing != "" {
		return e.quarantine(ctx, tx, ev, repo.IssueUnknownEntry, ev.EnrollmentID, ev.EntryID, missing)
	}
	if ev.EnrollmentID != "" && ev.EnrollmentID != entry.EnrollmentID {
		return e.quarantine(ctx, tx, ev, repo.IssueEnrollmentMismatch, ev.EnrollmentID, entry.ID,
			fmt.Sprintf("entry belongs to enrollment %s", entry.EnrollmentID))
	}

	switch {
	case entry.Status == fsm.StatusFailed:
		return effect{outcome: OutcomeDuplicate}, nil
	case fsm.Settled(entry.Status):
		return effect{outcome: OutcomeIgnored}, nil
	}

	now := e.now()
	next, retry := e.policy.Next(now, entry.RetryCount)
	nextAt := repo.NullTime(next)
	reason := ev.FailureMessage
	if reason == "" {
		reason = "charge failed"
	}
	lastErr := repo.NullString(reason)
	chargeRef := repo.NullString(ev.ChargeRef)
	upd := repo.EntryUpdate{At: now, LastError: &lastErr, NextRetryAt: &nextAt, ChargeRef: &chargeRef}
	if err := tx.TransitionEntry(ctx, entry.ID, entry.Status, fsm.StatusFailed, upd); err != nil {
		return effect{}, err
	}

	kind := notify.KindPaymentFailed
	if !retry {
		kind = notify.KindRetriesExhausted
	}
	n := e.notice(kind, enrollment, entry.ID, entry.Amount)
	n.Reason = reason
	n.NextRetryAt = next
	return effect{outcome: OutcomeApplied, notice: &n}, nil
}

// payment locks the enrollment and payment record a refund or dispute refers to.
// ok is false when the payment has not been recorded.
func (e *Engine) payment(ctx context.Context, tx repo.Tx, ev gateway.Event) (repo.Enrollment, repo.PaymentRecord, bool, error) {
	var enrollment repo.Enrollment
	locked := false
	if ev.EnrollmentID != "" {
		en, err := tx.LockEnrollment(ctx, ev.EnrollmentID)
		switch {
		case err == nil:
			enrollment, locked = en, true
		case !errors.Is(err, repo.ErrNotFound):
			return repo.Enrollment{}, repo.PaymentRecord{}, false, fmt.Errorf("lock enrollment %s: %w", ev.EnrollmentID, err)
		}
	}
	p, err := tx.LockPayment(ctx, ev.ChargeRef, ev.EnrollmentID)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.Enrollment{}, repo.PaymentRecord{}, false, nil
	}
	if err != nil {
		return repo.Enrollment{}, repo.PaymentRecord{}, false, fmt.Errorf("lock payment %s: %w", ev.ChargeRef, err)
	}
	if !locked {
		enrollment, err = tx.LockEnrollment(ctx, p.EnrollmentID)
		if err != nil {
			return repo.Enrollment{}, repo.PaymentRecord{}, false, fmt.Errorf("lock enrollment %s: %w", p.EnrollmentID, err)
		}
	}
	return enrollment, p, true, nil
}

// missingPayment bounces recent events so the gateway redelivers them and
// quarantines those that stayed orphaned for too long.
func (e *Engine) missingPayment(ctx context.Context, tx repo.Tx, ev gateway.Event) (effect, error) {
	if e.now().Sub(ev.OccurredAt) < outOfOrderWindow {
		return effect{}, fmt.Errorf("charge %s: %w", ev.ChargeRef, ErrOutOfOrder)
	}
	return e.quarantine(ctx, tx, ev, repo.IssueUnknownPayment, ev.EnrollmentID, ev.EntryID,
		fmt.Sprintf("no payment recorded for charge %s", ev.ChargeRef))
}

func (e *Engine) chargeRefunded(ctx context.Context, tx repo.Tx, ev gateway.Event) (effect, error) {
	enrollment, p, ok, err := e.payment(ctx, tx, ev)
	if err != nil {
		return effect{}, err
	}
	if !ok {
		return e.missingPayment(ctx, tx, ev)
	}

	cumulative := ev.RefundedAmount
	switch {
	case cumulative == 0:
		return effect{outcome: OutcomeIgnored}, nil
	case cumulative <= p.RefundedAmount:
		return effect{outcome: OutcomeDuplicate}, nil
	case cumulative > p.Amount:
		return e.quarantine(ctx, tx, ev, repo.IssueRefundExceedsCharge, p.EnrollmentID, p.EntryID,
			fmt.Sprintf("refunded %d of a %d charge", cumulative, p.Amount))
	}

	now := e.now()
	delta := cumulative - p.RefundedAmount
	p.RefundedAmount = cumulative
	p.Status = repo.PaymentPartiallyRefunded
	target := fsm.StatusPartiallyRefunded
	if cumulative == p.Amount {
		p.Status = repo.PaymentRefunded
		target = fsm.StatusRefunded
	}
	p.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return effect{}, err
	}

	entry, err := tx.LockEntry(ctx, p.EntryID)
	if err != nil {
		return effect{}, fmt.Errorf("lock entry %s: %w", p.EntryID, err)
	}
	if fsm.CanTransition(entry.Status, target) {
		if err := tx.TransitionEntry(ctx, entry.ID, entry.Status, target, repo.EntryUpdate{At: now}); err != nil {
			return effect{}, err
		}
	} else {
		e.logger.Errorf("reconcile: refund of charge %s leaves entry %s in %s", p.ChargeRef, entry.ID, entry.Status)
	}

	enrollment.PaidAmount -= delta
	enrollment.RefundedAmount += delta
	enrollment.PaymentStatus = fsm.PaymentStatus(enrollment.TotalAmount, enrollment.PaidAmount, enrollment.RefundedAmount)
	enrollment.UpdatedAt = now
	if err := tx.UpdateEnrollmentTotals(ctx, enrollment); err != nil {
		return effect{}, err
	}

	n := e.notice(notify.KindRefunded, enrollment, entry.ID, delta)
	return effect{outcome: OutcomeApplied, notice: &n}, nil
}

func (e *Engine) dispute(ctx context.Context, tx repo.Tx, ev gateway.Event, remote *gateway.Dispute) (effect, error) {
	status, reason, evidence, amount := ev.DisputeStatus, ev.DisputeReason, ev.EvidenceDueBy, ev.Amount
	if remote != nil {
		status, reason, evidence = remote.Status, remote.Reason, remote.EvidenceDueBy
		if remote.Amount > 0 {
			amount = remote.Amount
		}
	}
	status = normalizeDisputeStatus(status, ev.Type)
	now := e.now()

	existing, err := tx.LockDispute(ctx, ev.DisputeRef)
	switch {
	case err == nil:
		if repo.DisputeTerminal(existing.Status) || existing.Status == status {
			return effect{outcome: OutcomeDuplicate}, nil
		}
		existing.Status = status
		if reason != "" {
			existing.Reason = reason
		}
		if !evidence.IsZero() {
			existing.EvidenceDueBy = repo.NullTime(evidence)
		}
		if repo.DisputeTerminal(status) {
			existing.ClosedAt = repo.NullTime(now)
		}
		existing.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, existing); err != nil {
			return effect{}, err
		}
		return effect{outcome: OutcomeApplied}, nil
	case !errors.Is(err, repo.ErrNotFound):
		return effect{}, fmt.Errorf("lock dispute %s: %w", ev.DisputeRef, err)
	}

	_, p, ok, err := e.payment(ctx, tx, ev)
	if err != nil {
		return effect{}, err
	}
	if !ok {
		return e.missingPayment(ctx, tx, ev)
	}
	if amount == 0 {
		amount = p.Amount
	}
	d := repo.Dispute{
		ID:            uuid.NewString(),
		DisputeRef:    ev.DisputeRef,
		PaymentID:     p.ID,
		EnrollmentID:  p.EnrollmentID,
		ChargeRef:     p.ChargeRef,
		Amount:        amount,
		Status:        status,
		Reason:        reason,
		EvidenceDueBy: repo.NullTime(evidence),
		OpenedAt:      ev.OccurredAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if repo.DisputeTerminal(status) {
		d.ClosedAt = repo.NullTime(now)
	}
	if err := tx.InsertDispute(ctx, d); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// A concurrent delivery created it; the next attempt updates it instead.
			return effect{}, fmt.Errorf("dispute %s: %w", ev.DisputeRef, repo.ErrStaleState)
		}
		return effect{}, err
	}
	return effect{outcome: OutcomeApplied}, nil
}

func normalizeDisputeStatus(status, eventType string) string {
	switch status {
	case repo.DisputeNeedsResponse, repo.DisputeUnderReview, repo.DisputeWon, repo.DisputeLost, repo.DisputeClosed:
		return status
	}
	if eventType == gateway.EventDisputeClosed {
		return repo.DisputeClosed
	}
	return repo.DisputeNeedsResponse
}

func (e *Engine) notice(kind string, en repo.Enrollment, entryID string, amount int64) notify.Notice {
	return notify.Notice{
		Kind:         kind,
		EnrollmentID: en.ID,
		EntryID:      entryID,
		PayerRef:     en.PayerRef,
		PayerEmail:   en.PayerEmail.String,
		Amount:       amount,
		Currency:     en.Currency,
	}
}

// Package memstore is an in-memory implementation of the installment store
// contracts. Transactions are serialised and applied atomically on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lmsBack/internal/installments/fsm"
	"lmsBack/internal/installments/repo"
)

type state struct {
	enrollments map[string]repo.Enrollment
	entries     map[string]repo.ScheduleEntry
	payments    map[string]repo.PaymentRecord
	disputes    map[string]repo.Dispute
	issues      []repo.Issue
	webhooks    map[string]repo.WebhookEvent
}

func newState() *state {
	return &state{
		enrollments: make(map[string]repo.Enrollment),
		entries:     make(map[string]repo.ScheduleEntry),
		payments:    make(map[string]repo.PaymentRecord),
		disputes:    make(map[string]repo.Dispute),
		webhooks:    make(map[string]repo.WebhookEvent),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	c.issues = append([]repo.Issue(nil), s.issues...)
	return c
}

// Store is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	st   *state
	fail error
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// SetFailure makes every subsequent call return err until cleared with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Store) view(fn func(t *tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	return fn(&tx{st: s.st})
}

// WithinTx runs fn against a private copy of the data and publishes it only when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(repo.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	snapshot := s.st.clone()
	if err := fn(&tx{st: snapshot}); err != nil {
		return err
	}
	s.st = snapshot
	return nil
}

// Ping reports the injected failure, if any.
func (s *Store) Ping(ctx context.Context) error {
	return s.view(func(*tx) error { return nil })
}

// CreateEnrollment stores an enrollment with its schedule.
func (s *Store) CreateEnrollment(ctx context.Context, e repo.Enrollment, entries []repo.ScheduleEntry) error {
	return s.WithinTx(ctx, func(rt repo.Tx) error {
		t := rt.(*tx)
		if _, ok := t.st.enrollments[e.ID]; ok {
			return fmt.Errorf("enrollment %s: %w", e.ID, repo.ErrDuplicate)
		}
		t.st.enrollments[e.ID] = e
		for _, entry := range entries {
			if _, ok := t.st.entries[entry.ID]; ok {
				return fmt.Errorf("schedule entry %s: %w", entry.ID, repo.ErrDuplicate)
			}
			t.st.entries[entry.ID] = entry
		}
		return nil
	})
}

// GetEnrollment loads an enrollment.
func (s *Store) GetEnrollment(ctx context.Context, id string) (e repo.Enrollment, err error) {
	err = s.view(func(t *tx) error {
		e, err = t.LockEnrollment(ctx, id)
		return err
	})
	return e, err
}

// UpdateEnrollmentStatus changes the administrative status with optimistic validation.
func (s *Store) UpdateEnrollmentStatus(ctx context.Context, id, from, to string, at time.Time) error {
	return s.view(func(t *tx) error {
		if !fsm.CanTransitionEnrollment(from, to) {
			return fmt.Errorf("enrollment %s %s -> %s: %w", id, from, to, repo.ErrInvalidTransition)
		}
		e, ok := t.st.enrollments[id]
		if !ok || e.Status != from {
			return repo.ErrStaleState
		}
		e.Status = to
		e.UpdatedAt = at
		t.st.enrollments[id] = e
		return nil
	})
}

// GetEntry loads a schedule entry.
func (s *Store) GetEntry(ctx context.Context, id string) (e repo.ScheduleEntry, err error) {
	err = s.view(func(t *tx) error {
		e, err = t.GetEntry(ctx, id)
		return err
	})
	return e, err
}

// ListEntries returns an enrollment's schedule ordered by sequence.
func (s *Store) ListEntries(ctx context.Context, enrollmentID string) (out []repo.ScheduleEntry, err error) {
	err = s.view(func(t *tx) error {
		for _, e := range t.st.entries {
			if e.EnrollmentID == enrollmentID {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
		return nil
	})
	return out, err
}

// ListDuePending returns pending entries due at or before horizon.
func (s *Store) ListDuePending(ctx context.Context, horizon time.Time, limit int) ([]repo.ScheduleEntry, error) {
	return s.scan(limit, func(e repo.ScheduleEntry) bool {
		return e.Status == fsm.StatusPending && !e.DueDate.After(horizon)
	}, func(e repo.ScheduleEntry) time.Time { return e.DueDate })
}

// ListStaleDispatched returns dispatched entries due at or before cutoff.
func (s *Store) ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]repo.ScheduleEntry, error) {
	return s.scan(limit, func(e repo.ScheduleEntry) bool {
		return e.Status == fsm.StatusDispatched && !e.DueDate.After(cutoff)
	}, func(e repo.ScheduleEntry) time.Time { return e.DueDate })
}

// ListRetryable returns failed or overdue entries whose retry is due.
func (s *Store) ListRetryable(ctx context.Context, now time.Time, maxRetries, limit int) ([]repo.ScheduleEntry, error) {
	return s.scan(limit, func(e repo.ScheduleEntry) bool {
		return (e.Status == fsm.StatusFailed || e.Status == fsm.StatusOverdue) &&
			e.NextRetryAt.Valid && !e.NextRetryAt.Time.After(now) && e.RetryCount < maxRetries
	}, func(e repo.ScheduleEntry) time.Time { return e.NextRetryAt.Time })
}

func (s *Store) scan(limit int, match func(repo.ScheduleEntry) bool, key func(repo.ScheduleEntry) time.Time) (out []repo.ScheduleEntry, err error) {
	err = s.view(func(t *tx) error {
		for _, e := range t.st.entries {
			en := t.st.enrollments[e.EnrollmentID]
			if en.Status != fsm.EnrollmentDraft && en.Status != fsm.EnrollmentActive {
				continue
			}
			if match(e) {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			ki, kj := key(out[i]), key(out[j])
			if ki.Equal(kj) {
				return out[i].ID < out[j].ID
			}
			return ki.Before(kj)
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// TransitionEntry moves an entry between statuses with compare-and-swap semantics.
func (s *Store) TransitionEntry(ctx context.Context, id, from, to string, upd repo.EntryUpdate) error {
	return s.view(func(t *tx) error { return t.TransitionEntry(ctx, id, from, to, upd) })
}

// SetInvoiceRef records the gateway invoice once.
func (s *Store) SetInvoiceRef(ctx context.Context, id, invoiceRef string, at time.Time) error {
	return s.view(func(t *tx) error {
		e, ok := t.st.entries[id]
		if !ok || e.InvoiceRef.Valid {
			return repo.ErrStaleState
		}
		e.InvoiceRef = repo.NullString(invoiceRef)
		e.UpdatedAt = at
		t.st.entries[id] = e
		return nil
	})
}

// SetChargeRef records the latest charge reference of an entry.
func (s *Store) SetChargeRef(ctx context.Context, id, chargeRef string, at time.Time) error {
	return s.view(func(t *tx) error {
		e, ok := t.st.entries[id]
		if !ok {
			return nil
		}
		e.ChargeRef = repo.NullString(chargeRef)
		e.UpdatedAt = at
		t.st.entries[id] = e
		return nil
	})
}

// ClaimRetry consumes one automated retry for an entry.
func (s *Store) ClaimRetry(ctx context.Context, id string, retryCount int, now time.Time) error {
	return s.view(func(t *tx) error {
		e, ok := t.st.entries[id]
		if !ok || e.RetryCount != retryCount || (e.Status != fsm.StatusFailed && e.Status != fsm.StatusOverdue) ||
			!e.NextRetryAt.Valid || e.NextRetryAt.Time.After(now) {
			return repo.ErrStaleState
		}
		e.RetryCount++
		e.LastError = repo.NullString("")
		e.UpdatedAt = now
		t.st.entries[id] = e
		return nil
	})
}

// ListPayments returns the payment records of an enrollment.
func (s *Store) ListPayments(ctx context.Context, enrollmentID string) (out []repo.PaymentRecord, err error) {
	err = s.view(func(t *tx) error {
		for _, p := range t.st.payments {
			if p.EnrollmentID == enrollmentID {
				out = append(out, p)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
		return nil
	})
	return out, err
}

// ListDisputes returns disputes of an enrollment, or all open ones when enrollmentID is empty.
func (s *Store) ListDisputes(ctx context.Context, enrollmentID string) (out []repo.Dispute, err error) {
	err = s.view(func(t *tx) error {
		for _, d := range t.st.disputes {
			if enrollmentID == "" && !repo.DisputeTerminal(d.Status) || enrollmentID != "" && d.EnrollmentID == enrollmentID {
				out = append(out, d)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
		return nil
	})
	return out, err
}

// ListIssues returns operator-queue items, newest first.
func (s *Store) ListIssues(ctx context.Context, includeResolved bool, limit int) (out []repo.Issue, err error) {
	err = s.view(func(t *tx) error {
		for i := len(t.st.issues) - 1; i >= 0; i-- {
			is := t.st.issues[i]
			if !includeResolved && is.ResolvedAt.Valid {
				continue
			}
			out = append(out, is)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ResolveIssue marks an open issue as handled.
func (s *Store) ResolveIssue(ctx context.Context, id, resolvedBy string, at time.Time) error {
	return s.view(func(t *tx) error {
		for i := range t.st.issues {
			if t.st.issues[i].ID == id && !t.st.issues[i].ResolvedAt.Valid {
				t.st.issues[i].ResolvedAt = repo.NullTime(at)
				t.st.issues[i].ResolvedBy = resolvedBy
				return nil
			}
		}
		return repo.ErrStaleState
	})
}

// SaveWebhook logs a delivery, returning the stored row for redeliveries.
func (s *Store) SaveWebhook(ctx context.Context, w repo.WebhookEvent) (out repo.WebhookEvent, created bool, err error) {
	err = s.view(func(t *tx) error {
		key := w.Provider + "|" + w.EventID
		if existing, ok := t.st.webhooks[key]; ok {
			out = existing
			return nil
		}
		t.st.webhooks[key] = w
		out, created = w, true
		return nil
	})
	return out, created, err
}

// MarkWebhookProcessed records the reconciliation outcome of a delivery.
func (s *Store) MarkWebhookProcessed(ctx context.Context, provider, eventID, outcome, errText string, at time.Time) error {
	return s.view(func(t *tx) error {
		key := provider + "|" + eventID
		w, ok := t.st.webhooks[key]
		if !ok {
			return repo.ErrNotFound
		}
		w.ProcessedAt = repo.NullTime(at)
		w.Outcome = outcome
		w.Error = errText
		t.st.webhooks[key] = w
		return nil
	})
}

// Issues returns every issue in insertion order.
func (s *Store) Issues() []repo.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repo.Issue(nil), s.st.issues...)
}

// Payments returns every payment record.
func (s *Store) Payments() []repo.PaymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repo.PaymentRecord, 0, len(s.st.payments))
	for _, p := range s.st.payments {
		out = append(out, p)
	}
	return out
}

// Webhook returns a logged delivery.
func (s *Store) Webhook(provider, eventID string) (repo.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.st.webhooks[provider+"|"+eventID]
	return w, ok
}

type tx struct {
	st *state
}

func (t *tx) LockEnrollment(ctx context.Context, id string) (repo.Enrollment, error) {
	e, ok := t.st.enrollments[id]
	if !ok {
		return repo.Enrollment{}, repo.ErrNotFound
	}
	return e, nil
}

func (t *tx) UpdateEnrollmentTotals(ctx context.Context, e repo.Enrollment) error {
	cur, ok := t.st.enrollments[e.ID]
	if !ok {
		return repo.ErrStaleState
	}
	cur.PaidAmount = e.PaidAmount
	cur.RefundedAmount = e.RefundedAmount
	cur.PaymentStatus = e.PaymentStatus
	cur.Status = e.Status
	cur.UpdatedAt = e.UpdatedAt
	t.st.enrollments[e.ID] = cur
	return nil
}

func (t *tx) GetEntry(ctx context.Context, id string) (repo.ScheduleEntry, error) {
	e, ok := t.st.entries[id]
	if !ok {
		return repo.ScheduleEntry{}, repo.ErrNotFound
	}
	return e, nil
}

func (t *tx) LockEntry(ctx context.Context, id string) (repo.ScheduleEntry, error) {
	return t.GetEntry(ctx, id)
}

func (t *tx) FindEntryByInvoice(ctx context.Context, invoiceRef string) (repo.ScheduleEntry, error) {
	for _, e := range t.st.entries {
		if e.InvoiceRef.Valid && e.InvoiceRef.String == invoiceRef {
			return e, nil
		}
	}
	return repo.ScheduleEntry{}, repo.ErrNotFound
}

func (t *tx) TransitionEntry(ctx context.Context, id, from, to string, upd repo.EntryUpdate) error {
	if !fsm.CanTransition(from, to) {
		return fmt.Errorf("entry %s %s -> %s: %w", id, from, to, repo.ErrInvalidTransition)
	}
	e, ok := t.st.entries[id]
	if !ok || e.Status != from {
		return repo.ErrStaleState
	}
	e.Status = to
	e.UpdatedAt = upd.At
	if upd.LastError != nil {
		e.LastError = *upd.LastError
	}
	if upd.NextRetryAt != nil {
		e.NextRetryAt = *upd.NextRetryAt
	}
	if upd.PaidAt != nil {
		e.PaidAt = *upd.PaidAt
	}
	if upd.ChargeRef != nil {
		e.ChargeRef = *upd.ChargeRef
	}
	t.st.entries[id] = e
	return nil
}

func (t *tx) InsertPayment(ctx context.Context, p repo.PaymentRecord) error {
	for _, existing := range t.st.payments {
		if existing.ChargeRef == p.ChargeRef && existing.EnrollmentID == p.EnrollmentID {
			return fmt.Errorf("payment %s/%s: %w", p.ChargeRef, p.EnrollmentID, repo.ErrDuplicate)
		}
	}
	t.st.payments[p.ID] = p
	return nil
}

func (t *tx) LockPayment(ctx context.Context, chargeRef, enrollmentID string) (repo.PaymentRecord, error) {
	var found *repo.PaymentRecord
	for _, p := range t.st.payments {
		if p.ChargeRef != chargeRef || (enrollmentID != "" && p.EnrollmentID != enrollmentID) {
			continue
		}
		if found == nil || p.CreatedAt.Before(found.CreatedAt) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return repo.PaymentRecord{}, repo.ErrNotFound
	}
	return *found, nil
}

func (t *tx) UpdatePayment(ctx context.Context, p repo.PaymentRecord) error {
	cur, ok := t.st.payments[p.ID]
	if !ok {
		return repo.ErrStaleState
	}
	cur.RefundedAmount = p.RefundedAmount
	cur.Status = p.Status
	cur.UpdatedAt = p.UpdatedAt
	t.st.payments[p.ID] = cur
	return nil
}

func (t *tx) LockDispute(ctx context.Context, disputeRef string) (repo.Dispute, error) {
	d, ok := t.st.disputes[disputeRef]
	if !ok {
		return repo.Dispute{}, repo.ErrNotFound
	}
	return d, nil
}

func (t *tx) InsertDispute(ctx context.Context, d repo.Dispute) error {
	if _, ok := t.st.disputes[d.DisputeRef]; ok {
		return fmt.Errorf("dispute %s: %w", d.DisputeRef, repo.ErrDuplicate)
	}
	t.st.disputes[d.DisputeRef] = d
	return nil
}

func (t *tx) UpdateDispute(ctx context.Context, d repo.Dispute) error {
	if _, ok := t.st.disputes[d.DisputeRef]; !ok {
		return repo.ErrStaleState
	}
	t.st.disputes[d.DisputeRef] = d
	return nil
}

func (t *tx) InsertIssue(ctx context.Context, is repo.Issue) error {
	t.st.issues = append(t.st.issues, is)
	return nil
}

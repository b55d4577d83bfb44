package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"lmsBack/internal/installments/fsm"
)

const entryColumns = `se.id, se.enrollment_id, se.seq, se.kind, se.amount, se.currency, se.due_date, se.status, se.external_invoice_ref, se.external_charge_ref, se.retry_count, se.next_retry_at, se.last_error, se.paid_at, se.created_at, se.updated_at`

// Only entries of enrollments that may still be charged are picked by scans.
const chargeableEnrollment = `JOIN enrollments e ON e.id = se.enrollment_id AND e.status IN ('draft', 'active')`

func scanEntry(row scanner) (ScheduleEntry, error) {
	var s ScheduleEntry
	err := row.Scan(&s.ID, &s.EnrollmentID, &s.Seq, &s.Kind, &s.Amount, &s.Currency, &s.DueDate, &s.Status,
		&s.InvoiceRef, &s.ChargeRef, &s.RetryCount, &s.NextRetryAt, &s.LastError, &s.PaidAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return ScheduleEntry{}, mapNoRows(err)
	}
	return s, nil
}

func (r *queries) insertEntry(ctx context.Context, s ScheduleEntry) error {
	_, err := r.exec(ctx, `INSERT INTO schedule_entries (id, enrollment_id, seq, kind, amount, currency, due_date, status, external_invoice_ref, external_charge_ref, retry_count, next_retry_at, last_error, paid_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.EnrollmentID, s.Seq, s.Kind, s.Amount, s.Currency, s.DueDate, s.Status, s.InvoiceRef, s.ChargeRef,
		s.RetryCount, s.NextRetryAt, s.LastError, s.PaidAt, s.CreatedAt, s.UpdatedAt)
	if err != nil && isDuplicateKey(err) {
		return fmt.Errorf("schedule entry %s: %w", s.ID, ErrDuplicate)
	}
	return err
}

// GetEntry loads a schedule entry by id.
func (r *queries) GetEntry(ctx context.Context, id string) (ScheduleEntry, error) {
	return scanEntry(r.queryRow(ctx, `SELECT `+entryColumns+` FROM schedule_entries se WHERE se.id = ?`, id))
}

// LockEntry loads a schedule entry and locks the row.
func (r *queries) LockEntry(ctx context.Context, id string) (ScheduleEntry, error) {
	return scanEntry(r.queryRow(ctx, `SELECT `+entryColumns+` FROM schedule_entries se WHERE se.id = ? FOR UPDATE`, id))
}

// FindEntryByInvoice resolves an entry from its gateway invoice reference.
func (r *queries) FindEntryByInvoice(ctx context.Context, invoiceRef string) (ScheduleEntry, error) {
	return scanEntry(r.queryRow(ctx, `SELECT `+entryColumns+` FROM schedule_entries se WHERE se.external_invoice_ref = ?`, invoiceRef))
}

// ListEntries returns the schedule of an enrollment ordered by sequence.
func (r *queries) ListEntries(ctx context.Context, enrollmentID string) ([]ScheduleEntry, error) {
	return r.listEntries(ctx, `SELECT `+entryColumns+` FROM schedule_entries se WHERE se.enrollment_id = ? ORDER BY se.seq`, enrollmentID)
}

// ListDuePending returns pending entries due at or before horizon.
func (r *queries) ListDuePending(ctx context.Context, horizon time.Time, limit int) ([]ScheduleEntry, error) {
	return r.listEntries(ctx, `SELECT `+entryColumns+` FROM schedule_entries se `+chargeableEnrollment+`
WHERE se.status = 'pending' AND se.due_date <= ? ORDER BY se.due_date LIMIT ?`, horizon, limit)
}

// ListStaleDispatched returns dispatched entries whose due date is at or before cutoff.
func (r *queries) ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]ScheduleEntry, error) {
	return r.listEntries(ctx, `SELECT `+entryColumns+` FROM schedule_entries se `+chargeableEnrollment+`
WHERE se.status = 'dispatched' AND se.due_date <= ? ORDER BY se.due_date LIMIT ?`, cutoff, limit)
}

// ListRetryable returns failed or overdue entries whose retry is due and whose budget is not exhausted.
func (r *queries) ListRetryable(ctx context.Context, now time.Time, maxRetries, limit int) ([]ScheduleEntry, error) {
	return r.listEntries(ctx, `SELECT `+entryColumns+` FROM schedule_entries se `+chargeableEnrollment+`
WHERE se.status IN ('failed', 'overdue') AND se.next_retry_at IS NOT NULL AND se.next_retry_at <= ? AND se.retry_count < ?
ORDER BY se.next_retry_at LIMIT ?`, now, maxRetries, limit)
}

func (r *queries) listEntries(ctx context.Context, query string, args ...any) ([]ScheduleEntry, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleEntry
	for rows.Next() {
		s, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TransitionEntry moves an entry between statuses with compare-and-swap semantics.
// It returns ErrStaleState when the entry is no longer in the expected status.
func (r *queries) TransitionEntry(ctx context.Context, id, from, to string, upd EntryUpdate) error {
	if !fsm.CanTransition(from, to) {
		return fmt.Errorf("entry %s %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, upd.At}
	if upd.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *upd.LastError)
	}
	if upd.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, *upd.NextRetryAt)
	}
	if upd.PaidAt != nil {
		sets = append(sets, "paid_at = ?")
		args = append(args, *upd.PaidAt)
	}
	if upd.ChargeRef != nil {
		sets = append(sets, "external_charge_ref = ?")
		args = append(args, *upd.ChargeRef)
	}
	args = append(args, id, from)

	res, err := r.exec(ctx, `UPDATE schedule_entries SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SetInvoiceRef records the gateway invoice once. A second writer gets ErrStaleState.
func (r *queries) SetInvoiceRef(ctx context.Context, id, invoiceRef string, at time.Time) error {
	res, err := r.exec(ctx, `UPDATE schedule_entries SET external_invoice_ref = ?, updated_at = ? WHERE id = ? AND external_invoice_ref IS NULL`,
		invoiceRef, at, id)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("invoice %s: %w", invoiceRef, ErrDuplicate)
		}
		return err
	}
	return expectOne(res)
}

// SetChargeRef records the latest gateway charge reference of an entry.
func (r *queries) SetChargeRef(ctx context.Context, id, chargeRef string, at time.Time) error {
	_, err := r.exec(ctx, `UPDATE schedule_entries SET external_charge_ref = ?, updated_at = ? WHERE id = ?`, chargeRef, at, id)
	return err
}

// ClaimRetry consumes one automated retry for an entry. Concurrent claimers of the
// same attempt race on retry_count; the loser gets ErrStaleState.
func (r *queries) ClaimRetry(ctx context.Context, id string, retryCount int, now time.Time) error {
	res, err := r.exec(ctx, `UPDATE schedule_entries SET retry_count = retry_count + 1, last_error = NULL, updated_at = ?
WHERE id = ? AND retry_count = ? AND status IN ('failed', 'overdue') AND next_retry_at IS NOT NULL AND next_retry_at <= ?`,
		now, id, retryCount, now)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// NullString wraps a non-empty string for nullable columns.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime wraps a non-zero time for nullable columns.
func NullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

package repo

import (
	"context"
	"fmt"
	"time"

	"lmsBack/internal/installments/fsm"
)

const enrollmentColumns = `id, tenant_id, course_ref, payer_ref, payer_email, currency, total_amount, paid_amount, refunded_amount, status, payment_status, created_at, updated_at`

func scanEnrollment(row scanner) (Enrollment, error) {
	var e Enrollment
	err := row.Scan(&e.ID, &e.TenantID, &e.CourseRef, &e.PayerRef, &e.PayerEmail, &e.Currency,
		&e.TotalAmount, &e.PaidAmount, &e.RefundedAmount, &e.Status, &e.PaymentStatus, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Enrollment{}, mapNoRows(err)
	}
	return e, nil
}

// CreateEnrollment inserts an enrollment and its schedule within a transaction.
func (s *Store) CreateEnrollment(ctx context.Context, e Enrollment, entries []ScheduleEntry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q := &queries{q: tx, bind: s.bind}
	_, err = q.exec(ctx, `INSERT INTO enrollments (`+enrollmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.CourseRef, e.PayerRef, e.PayerEmail, e.Currency,
		e.TotalAmount, e.PaidAmount, e.RefundedAmount, e.Status, e.PaymentStatus, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			err = fmt.Errorf("enrollment %s: %w", e.ID, ErrDuplicate)
		}
		return err
	}
	for _, entry := range entries {
		if err = q.insertEntry(ctx, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetEnrollment loads an enrollment by id.
func (r *queries) GetEnrollment(ctx context.Context, id string) (Enrollment, error) {
	return scanEnrollment(r.queryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id))
}

// LockEnrollment loads an enrollment and locks the row until the transaction ends.
func (r *queries) LockEnrollment(ctx context.Context, id string) (Enrollment, error) {
	return scanEnrollment(r.queryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ? FOR UPDATE`, id))
}

// UpdateEnrollmentTotals writes the aggregate amounts and derived statuses.
func (r *queries) UpdateEnrollmentTotals(ctx context.Context, e Enrollment) error {
	res, err := r.exec(ctx, `UPDATE enrollments SET paid_amount = ?, refunded_amount = ?, payment_status = ?, status = ?, updated_at = ? WHERE id = ?`,
		e.PaidAmount, e.RefundedAmount, e.PaymentStatus, e.Status, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// UpdateEnrollmentStatus changes the administrative status with optimistic validation.
func (r *queries) UpdateEnrollmentStatus(ctx context.Context, id, from, to string, at time.Time) error {
	if !fsm.CanTransitionEnrollment(from, to) {
		return fmt.Errorf("enrollment %s %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	res, err := r.exec(ctx, `UPDATE enrollments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, to, at, id, from)
	if err != nil {
		return err
	}
	return expectOne(res)
}

package repo

import (
	"context"
	"fmt"
)

const paymentColumns = `id, enrollment_id, schedule_entry_id, external_charge_ref, amount, refunded_amount, currency, status, occurred_at, created_at, updated_at`

func scanPayment(row scanner) (PaymentRecord, error) {
	var p PaymentRecord
	err := row.Scan(&p.ID, &p.EnrollmentID, &p.EntryID, &p.ChargeRef, &p.Amount, &p.RefundedAmount, &p.Currency,
		&p.Status, &p.OccurredAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return PaymentRecord{}, mapNoRows(err)
	}
	return p, nil
}

// InsertPayment inserts a payment record if absent. An existing
// (external_charge_ref, enrollment_id) pair yields ErrDuplicate.
func (r *queries) InsertPayment(ctx context.Context, p PaymentRecord) error {
	_, err := r.exec(ctx, `INSERT INTO payment_records (`+paymentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.EnrollmentID, p.EntryID, p.ChargeRef, p.Amount, p.RefundedAmount, p.Currency, p.Status, p.OccurredAt, p.CreatedAt, p.UpdatedAt)
	if err != nil && isDuplicateKey(err) {
		return fmt.Errorf("payment %s/%s: %w", p.ChargeRef, p.EnrollmentID, ErrDuplicate)
	}
	return err
}

// LockPayment loads a payment record by charge reference and locks it.
// An empty enrollmentID matches any enrollment.
func (r *queries) LockPayment(ctx context.Context, chargeRef, enrollmentID string) (PaymentRecord, error) {
	if enrollmentID == "" {
		return scanPayment(r.queryRow(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE external_charge_ref = ? ORDER BY created_at LIMIT 1 FOR UPDATE`, chargeRef))
	}
	return scanPayment(r.queryRow(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE external_charge_ref = ? AND enrollment_id = ? FOR UPDATE`, chargeRef, enrollmentID))
}

// UpdatePayment writes refund progress of a payment record.
func (r *queries) UpdatePayment(ctx context.Context, p PaymentRecord) error {
	res, err := r.exec(ctx, `UPDATE payment_records SET refunded_amount = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.RefundedAmount, p.Status, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ListPayments returns the payment records of an enrollment.
func (r *queries) ListPayments(ctx context.Context, enrollmentID string) ([]PaymentRecord, error) {
	rows, err := r.query(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE enrollment_id = ? ORDER BY occurred_at`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

package repo

import (
	"context"
	"fmt"
)

const disputeColumns = `id, dispute_ref, payment_id, enrollment_id, external_charge_ref, amount, status, reason, evidence_due_by, opened_at, closed_at, created_at, updated_at`

func scanDispute(row scanner) (Dispute, error) {
	var d Dispute
	err := row.Scan(&d.ID, &d.DisputeRef, &d.PaymentID, &d.EnrollmentID, &d.ChargeRef, &d.Amount, &d.Status, &d.Reason,
		&d.EvidenceDueBy, &d.OpenedAt, &d.ClosedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Dispute{}, mapNoRows(err)
	}
	return d, nil
}

// LockDispute loads a dispute by gateway reference and locks it.
func (r *queries) LockDispute(ctx context.Context, disputeRef string) (Dispute, error) {
	return scanDispute(r.queryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE dispute_ref = ? FOR UPDATE`, disputeRef))
}

// InsertDispute stores a newly seen dispute.
func (r *queries) InsertDispute(ctx context.Context, d Dispute) error {
	_, err := r.exec(ctx, `INSERT INTO disputes (`+disputeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.DisputeRef, d.PaymentID, d.EnrollmentID, d.ChargeRef, d.Amount, d.Status, d.Reason,
		d.EvidenceDueBy, d.OpenedAt, d.ClosedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil && isDuplicateKey(err) {
		return fmt.Errorf("dispute %s: %w", d.DisputeRef, ErrDuplicate)
	}
	return err
}

// UpdateDispute writes the mutable dispute fields.
func (r *queries) UpdateDispute(ctx context.Context, d Dispute) error {
	res, err := r.exec(ctx, `UPDATE disputes SET status = ?, reason = ?, amount = ?, evidence_due_by = ?, closed_at = ?, updated_at = ? WHERE id = ?`,
		d.Status, d.Reason, d.Amount, d.EvidenceDueBy, d.ClosedAt, d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ListDisputes returns disputes of an enrollment, or all open disputes when enrollmentID is empty.
func (r *queries) ListDisputes(ctx context.Context, enrollmentID string) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE enrollment_id = ? ORDER BY opened_at`
	args := []any{enrollmentID}
	if enrollmentID == "" {
		query = `SELECT ` + disputeColumns + ` FROM disputes WHERE status IN ('needs_response', 'under_review') ORDER BY evidence_due_by`
		args = nil
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

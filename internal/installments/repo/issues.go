package repo

import (
	"context"
	"time"
)

const issueColumns = `id, kind, event_id, event_type, external_charge_ref, enrollment_id, schedule_entry_id, detail, payload, created_at, resolved_at, resolved_by`

func scanIssue(row scanner) (Issue, error) {
	var is Issue
	err := row.Scan(&is.ID, &is.Kind, &is.EventID, &is.EventType, &is.ChargeRef, &is.EnrollmentID, &is.EntryID,
		&is.Detail, &is.Payload, &is.CreatedAt, &is.ResolvedAt, &is.ResolvedBy)
	if err != nil {
		return Issue{}, mapNoRows(err)
	}
	return is, nil
}

// InsertIssue appends an item to the operator queue.
func (r *queries) InsertIssue(ctx context.Context, is Issue) error {
	_, err := r.exec(ctx, `INSERT INTO reconciliation_issues (`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		is.ID, is.Kind, is.EventID, is.EventType, is.ChargeRef, is.EnrollmentID, is.EntryID, is.Detail, is.Payload,
		is.CreatedAt, is.ResolvedAt, is.ResolvedBy)
	return err
}

// ListIssues returns operator-queue items, newest first.
func (r *queries) ListIssues(ctx context.Context, includeResolved bool, limit int) ([]Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM reconciliation_issues WHERE resolved_at IS NULL ORDER BY created_at DESC LIMIT ?`
	if includeResolved {
		query = `SELECT ` + issueColumns + ` FROM reconciliation_issues ORDER BY created_at DESC LIMIT ?`
	}
	rows, err := r.query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// ResolveIssue marks an open issue as handled.
func (r *queries) ResolveIssue(ctx context.Context, id, resolvedBy string, at time.Time) error {
	res, err := r.exec(ctx, `UPDATE reconciliation_issues SET resolved_at = ?, resolved_by = ? WHERE id = ? AND resolved_at IS NULL`, at, resolvedBy, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

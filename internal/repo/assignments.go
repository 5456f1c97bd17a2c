package repo

import (
	"context"
	"database/sql"

	"projectops/internal/domain"
)

func scanAssignment(scan func(...any) error) (domain.ReviewerAssignment, error) {
	var a domain.ReviewerAssignment
	var decidedAt, note sql.NullString
	err := scan(&a.ItemID, &a.ReviewerID, &a.State, &decidedAt, &note, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	if note.Valid {
		a.Note = note.String
	}
	return a, nil
}

// InsertAssignmentTx creates a pending assignment; a duplicate
// (item, reviewer) pair is ignored so assignment stays idempotent and
// an existing decision is never clobbered.
func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.ReviewerAssignment) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO reviewer_assignments(item_id,reviewer_id,state,decided_at,note,created_at) VALUES (?,?,?,?,?,?)`,
		a.ItemID, a.ReviewerID, a.State, nullableStringPtr(a.DecidedAt), nullable(a.Note), a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DeleteAssignmentTx(ctx context.Context, tx *sql.Tx, itemID, reviewerID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM reviewer_assignments WHERE item_id=? AND reviewer_id=?`, itemID, reviewerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) UpdateAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.ReviewerAssignment) error {
	res, err := tx.ExecContext(ctx, `UPDATE reviewer_assignments SET state=?, decided_at=?, note=? WHERE item_id=? AND reviewer_id=?`,
		a.State, nullableStringPtr(a.DecidedAt), nullable(a.Note), a.ItemID, a.ReviewerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, itemID, reviewerID string) (domain.ReviewerAssignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT item_id,reviewer_id,state,decided_at,note,created_at FROM reviewer_assignments WHERE item_id=? AND reviewer_id=?`, itemID, reviewerID)
	return scanAssignment(row.Scan)
}

func (r Repo) ListAssignments(ctx context.Context, itemID string) ([]domain.ReviewerAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT item_id,reviewer_id,state,decided_at,note,created_at FROM reviewer_assignments WHERE item_id=? ORDER BY created_at ASC, reviewer_id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (r Repo) ListAssignmentsTx(ctx context.Context, tx *sql.Tx, itemID string) ([]domain.ReviewerAssignment, error) {
	rows, err := tx.QueryContext(ctx, `SELECT item_id,reviewer_id,state,decided_at,note,created_at FROM reviewer_assignments WHERE item_id=? ORDER BY created_at ASC, reviewer_id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows *sql.Rows) ([]domain.ReviewerAssignment, error) {
	var res []domain.ReviewerAssignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ResetAssignmentsTx moves every assignment on the item except the one
// held by keepReviewer back to pending, discarding prior decisions.
func (r Repo) ResetAssignmentsTx(ctx context.Context, tx *sql.Tx, itemID, keepReviewer string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT reviewer_id FROM reviewer_assignments WHERE item_id=? AND reviewer_id!=? AND state!=?`,
		itemID, keepReviewer, domain.DecisionPending)
	if err != nil {
		return nil, err
	}
	var reset []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		reset = append(reset, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(reset) == 0 {
		return nil, nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE reviewer_assignments SET state=?, decided_at=NULL, note=NULL WHERE item_id=? AND reviewer_id!=?`,
		domain.DecisionPending, itemID, keepReviewer)
	return reset, err
}

package repo

import (
	"context"
	"database/sql"
	"strings"

	"projectops/internal/domain"
)

const auditColumns = `id,ts,action,tenant_id,entity_kind,entity_id,actor_id,prev_value,new_value,payload_json`

func scanAuditEntry(scan func(...any) error) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var tenantID, entityID, prevValue, newValue sql.NullString
	err := scan(&e.ID, &e.TS, &e.Action, &tenantID, &e.EntityKind, &entityID, &e.ActorID, &prevValue, &newValue, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.TenantID = tenantID.String
	e.EntityID = entityID.String
	e.PrevValue = prevValue.String
	e.NewValue = newValue.String
	return e, nil
}

type AuditFilters struct {
	TenantID   string
	Action     string
	EntityKind string
	EntityID   string
	ActorID    string
	BeforeID   int64
	Limit      int
}

// LatestEntries returns the newest audit entries first. BeforeID pages
// backwards through the trail.
func (r Repo) LatestEntries(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.BeforeID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

// EntriesAfter returns entries with id greater than afterID in ascending
// order, used by the webhook notifier cursor.
func (r Repo) EntriesAfter(ctx context.Context, afterID int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

func (r Repo) LatestEntryID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_entries`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func collectAuditEntries(rows *sql.Rows) ([]domain.AuditEntry, error) {
	var res []domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

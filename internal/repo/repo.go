package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"projectops/internal/config"
	"projectops/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- tenants ---

func (r Repo) InsertTenantTx(ctx context.Context, tx *sql.Tx, t domain.Tenant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTenantStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tenants SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tenant configs ---

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, r.DB, nil, tenantID, cfg)
}

func (r Repo) UpsertTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, nil, tx, tenantID, cfg)
}

func upsertTenantConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Tenant.ID = tenantID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO tenant_configs(tenant_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, tenantID, string(payload), now, now)
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Tenant.ID == "" {
		cfg.Tenant.ID = tenantID
	}
	return &cfg, cfg.Validate()
}

// --- work items ---

const itemColumns = `id,tenant_id,title,description,status,owner_id,archived,submitted_at,completed_at,created_at,updated_at`

func scanItem(scan func(...any) error) (domain.WorkItem, error) {
	var it domain.WorkItem
	var description, ownerID, submittedAt, completedAt sql.NullString
	var archived int
	err := scan(&it.ID, &it.TenantID, &it.Title, &description, &it.Status, &ownerID, &archived, &submittedAt, &completedAt, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Archived = archived != 0
	if description.Valid {
		it.Description = description.String
	}
	if ownerID.Valid {
		it.OwnerID = &ownerID.String
	}
	if submittedAt.Valid {
		it.SubmittedAt = &submittedAt.String
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.String
	}
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.TenantID, it.Title, nullable(it.Description), it.Status, nullableStringPtr(it.OwnerID),
		boolInt(it.Archived), nullableStringPtr(it.SubmittedAt), nullableStringPtr(it.CompletedAt), it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET title=?, description=?, status=?, owner_id=?, archived=?, submitted_at=?, completed_at=?, updated_at=? WHERE id=?`,
		it.Title, nullable(it.Description), it.Status, nullableStringPtr(it.OwnerID), boolInt(it.Archived),
		nullableStringPtr(it.SubmittedAt), nullableStringPtr(it.CompletedAt), it.UpdatedAt, it.ID)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	return scanItem(row.Scan)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	return scanItem(row.Scan)
}

type ItemFilters struct {
	TenantID        string
	Status          string
	OwnerID         string
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) CountItemsByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_items WHERE tenant_id=? AND archived=0 GROUP BY status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- transition rules ---

func (r Repo) UpsertRule(ctx context.Context, tx *sql.Tx, rule domain.TransitionRule) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transition_rules(tenant_id,from_status,to_status,enabled) VALUES (?,?,?,?)
ON CONFLICT(tenant_id,from_status,to_status) DO UPDATE SET enabled=excluded.enabled`,
		rule.TenantID, rule.From, rule.To, boolInt(rule.Enabled))
	return err
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, tenantID, from, to string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM transition_rules WHERE tenant_id=? AND from_status=? AND to_status=?`, tenantID, from, to)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRules(ctx context.Context, tenantID string) ([]domain.TransitionRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id,from_status,to_status,enabled FROM transition_rules WHERE tenant_id=? ORDER BY from_status, to_status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListRulesTx reads the rule set inside the mutation's transaction so a
// transition validates against one consistent snapshot.
func (r Repo) ListRulesTx(ctx context.Context, tx *sql.Tx, tenantID string) ([]domain.TransitionRule, error) {
	rows, err := tx.QueryContext(ctx, `SELECT tenant_id,from_status,to_status,enabled FROM transition_rules WHERE tenant_id=? ORDER BY from_status, to_status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows *sql.Rows) ([]domain.TransitionRule, error) {
	var res []domain.TransitionRule
	for rows.Next() {
		var rule domain.TransitionRule
		var enabled int
		if err := rows.Scan(&rule.TenantID, &rule.From, &rule.To, &enabled); err != nil {
			return nil, err
		}
		rule.Enabled = enabled != 0
		res = append(res, rule)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

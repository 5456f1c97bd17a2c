package repo

import (
	"context"
	"database/sql"

	"projectops/internal/domain"
)

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

func (r Repo) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	var superuser int
	err := r.DB.QueryRowContext(ctx, `SELECT id, superuser, created_at FROM users WHERE id=?`, userID).
		Scan(&u.ID, &superuser, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Superuser = superuser != 0
	return u, err
}

func (r Repo) SetSuperuser(ctx context.Context, tx *sql.Tx, userID string, superuser bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET superuser=? WHERE id=?`, boolInt(superuser), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertMembership(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO memberships(tenant_id, user_id, role) VALUES (?,?,?)
ON CONFLICT(tenant_id, user_id) DO UPDATE SET role=excluded.role`, m.TenantID, m.UserID, m.Role)
	return err
}

func (r Repo) DeleteMembership(ctx context.Context, tx *sql.Tx, tenantID, userID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE tenant_id=? AND user_id=?`, tenantID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MembershipRole returns the user's role in the tenant, or ErrNotFound
// when no membership exists.
func (r Repo) MembershipRole(ctx context.Context, tenantID, userID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM memberships WHERE tenant_id=? AND user_id=?`, tenantID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

func (r Repo) ListMemberships(ctx context.Context, tenantID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id, user_id, role FROM memberships WHERE tenant_id=? ORDER BY user_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.TenantID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UserMemberships lists every tenant the user belongs to.
func (r Repo) UserMemberships(ctx context.Context, userID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id, user_id, role FROM memberships WHERE user_id=? ORDER BY tenant_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.TenantID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

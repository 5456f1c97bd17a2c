package tenant

import (
	"context"
	"errors"
	"fmt"

	"projectops/internal/config"
	"projectops/internal/domain"
	"projectops/internal/repo"
)

// Principal is the authenticated caller, as established by the API
// auth middleware or the CLI's --user-id flag.
type Principal struct {
	UserID    string
	Superuser bool
}

// AccessDeniedError indicates the principal may not act in the tenant
// or lacks a required capability there.
type AccessDeniedError struct {
	TenantID   string
	Capability string
}

func (e AccessDeniedError) Error() string {
	if e.Capability != "" {
		return fmt.Sprintf("capability %s required in tenant %s", e.Capability, e.TenantID)
	}
	return fmt.Sprintf("access to tenant %s denied", e.TenantID)
}

// ErrNoTenantSelected is returned when no tenant was requested and the
// caller's memberships do not single one out.
var ErrNoTenantSelected = errors.New("no tenant selected")

// ErrTenantInactive is returned for suspended or archived tenants. It
// applies to every caller, superusers included.
var ErrTenantInactive = errors.New("tenant is not active")

// Resolver maps a principal plus an optional requested tenant id to
// the tenant all subsequent operations run against.
type Resolver struct {
	Repo repo.Repo
}

// Resolve picks the operating tenant. With an explicit request the
// principal must be a member (superusers are exempt). Without one, a
// single membership is used implicitly; zero or several yield
// ErrNoTenantSelected.
func (r Resolver) Resolve(ctx context.Context, p Principal, requested string) (domain.Tenant, error) {
	if p.UserID == "" {
		return domain.Tenant{}, errors.New("user id required")
	}
	tenantID := requested
	if tenantID == "" {
		memberships, err := r.Repo.UserMemberships(ctx, p.UserID)
		if err != nil {
			return domain.Tenant{}, err
		}
		if len(memberships) != 1 {
			return domain.Tenant{}, ErrNoTenantSelected
		}
		tenantID = memberships[0].TenantID
	}
	t, err := r.Repo.GetTenant(ctx, tenantID)
	if err != nil {
		return domain.Tenant{}, err
	}
	if t.Status != "active" {
		return domain.Tenant{}, ErrTenantInactive
	}
	if !p.Superuser && requested != "" {
		if _, err := r.Repo.MembershipRole(ctx, t.ID, p.UserID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Tenant{}, AccessDeniedError{TenantID: t.ID}
			}
			return domain.Tenant{}, err
		}
	}
	return t, nil
}

// RequireCapability checks the principal's tenant role against the
// tenant config's role definitions. Superusers pass every check.
func (r Resolver) RequireCapability(ctx context.Context, p Principal, cfg *config.Config, tenantID, capability string) error {
	if p.Superuser {
		return nil
	}
	role, err := r.Repo.MembershipRole(ctx, tenantID, p.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return AccessDeniedError{TenantID: tenantID, Capability: capability}
		}
		return err
	}
	// A tenant without configured roles grants everything to members.
	if len(cfg.Roles) == 0 {
		return nil
	}
	if !cfg.RoleHasCapability(role, capability) {
		return AccessDeniedError{TenantID: tenantID, Capability: capability}
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"fmt"

	"projectops/internal/config"
	"projectops/internal/repo"
	"projectops/internal/tenant"
)

// ResolveTenantAndConfig picks the active tenant for a CLI invocation
// and loads its stored config, seeding the default config when the
// tenant exists without one. An explicit override wins; otherwise the
// caller's single membership is used.
func ResolveTenantAndConfig(ctx context.Context, r repo.Repo, p tenant.Principal, override string) (string, *config.Config, error) {
	resolver := tenant.Resolver{Repo: r}
	t, err := resolver.Resolve(ctx, p, override)
	if err != nil {
		if errors.Is(err, tenant.ErrNoTenantSelected) {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
		return "", nil, err
	}
	cfg, err := r.GetTenantConfig(ctx, t.ID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(t.ID)
		if err := r.UpsertTenantConfig(ctx, t.ID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed tenant config: %w", err)
		}
	}
	return t.ID, cfg, nil
}

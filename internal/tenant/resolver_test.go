package tenant_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"projectops/internal/config"
	"projectops/internal/db"
	"projectops/internal/engine"
	"projectops/internal/migrate"
	"projectops/internal/repo"
	"projectops/internal/tenant"
)

func newResolverEnv(t *testing.T) (context.Context, engine.Engine, tenant.Resolver) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn)
	ctx := context.Background()
	_, err = eng.CreateTenant(ctx, engine.TenantCreateOptions{ID: "acme", ActorID: "alice"})
	require.NoError(t, err)
	return ctx, eng, tenant.Resolver{Repo: eng.Repo}
}

func TestResolveExplicitTenantRequiresMembership(t *testing.T) {
	ctx, _, resolver := newResolverEnv(t)

	got, err := resolver.Resolve(ctx, tenant.Principal{UserID: "alice"}, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)

	_, err = resolver.Resolve(ctx, tenant.Principal{UserID: "mallory"}, "acme")
	var ade tenant.AccessDeniedError
	require.ErrorAs(t, err, &ade)
	assert.Equal(t, "acme", ade.TenantID)

	// superusers bypass the membership check
	got, err = resolver.Resolve(ctx, tenant.Principal{UserID: "root", Superuser: true}, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)
}

func TestResolveDefaultsToSingleMembership(t *testing.T) {
	ctx, eng, resolver := newResolverEnv(t)

	got, err := resolver.Resolve(ctx, tenant.Principal{UserID: "alice"}, "")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)

	// a second membership makes the implicit choice ambiguous
	_, err = eng.CreateTenant(ctx, engine.TenantCreateOptions{ID: "globex", ActorID: "alice"})
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, tenant.Principal{UserID: "alice"}, "")
	assert.ErrorIs(t, err, tenant.ErrNoTenantSelected)

	// no memberships at all
	_, err = resolver.Resolve(ctx, tenant.Principal{UserID: "nobody"}, "")
	assert.ErrorIs(t, err, tenant.ErrNoTenantSelected)
}

func TestInactiveTenantRejectedForEveryone(t *testing.T) {
	ctx, eng, resolver := newResolverEnv(t)
	_, err := eng.SetTenantStatus(ctx, "acme", "suspended", "alice")
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, tenant.Principal{UserID: "alice"}, "acme")
	assert.ErrorIs(t, err, tenant.ErrTenantInactive)

	// superuser does not bypass the inactive check
	_, err = resolver.Resolve(ctx, tenant.Principal{UserID: "root", Superuser: true}, "acme")
	assert.ErrorIs(t, err, tenant.ErrTenantInactive)
}

func TestUnknownTenant(t *testing.T) {
	ctx, _, resolver := newResolverEnv(t)
	_, err := resolver.Resolve(ctx, tenant.Principal{UserID: "alice"}, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRequireCapability(t *testing.T) {
	ctx, eng, resolver := newResolverEnv(t)
	require.NoError(t, eng.AddMember(ctx, "acme", "victor", "viewer", "alice"))

	cfg, err := eng.Repo.GetTenantConfig(ctx, "acme")
	require.NoError(t, err)

	// admin role carries every capability in the default config
	assert.NoError(t, resolver.RequireCapability(ctx, tenant.Principal{UserID: "alice"}, cfg, "acme", "rule.manage"))

	// viewers read but never write
	assert.NoError(t, resolver.RequireCapability(ctx, tenant.Principal{UserID: "victor"}, cfg, "acme", "item.read"))
	err = resolver.RequireCapability(ctx, tenant.Principal{UserID: "victor"}, cfg, "acme", "item.write")
	var ade tenant.AccessDeniedError
	require.ErrorAs(t, err, &ade)
	assert.Equal(t, "item.write", ade.Capability)

	// non-members are denied outright
	err = resolver.RequireCapability(ctx, tenant.Principal{UserID: "mallory"}, cfg, "acme", "item.read")
	assert.ErrorAs(t, err, &ade)

	// superusers pass every check
	assert.NoError(t, resolver.RequireCapability(ctx, tenant.Principal{UserID: "root", Superuser: true}, cfg, "acme", "tenant.manage"))
}

func TestRoleFreeConfigGrantsMembersEverything(t *testing.T) {
	ctx, eng, resolver := newResolverEnv(t)
	cfg := config.Default("acme")
	cfg.Roles = nil
	require.NoError(t, eng.Repo.UpsertTenantConfig(ctx, "acme", cfg))
	require.NoError(t, eng.AddMember(ctx, "acme", "victor", "viewer", "alice"))

	assert.NoError(t, resolver.RequireCapability(ctx, tenant.Principal{UserID: "victor"}, cfg, "acme", "rule.manage"))
}

func TestResolveRequiresUser(t *testing.T) {
	ctx, _, resolver := newResolverEnv(t)
	_, err := resolver.Resolve(ctx, tenant.Principal{}, "acme")
	assert.Error(t, err)
}

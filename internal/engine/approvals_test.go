package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"projectops/internal/audit"
	"projectops/internal/domain"
	"projectops/internal/engine"
	"projectops/internal/repo"
)

func TestAggregate(t *testing.T) {
	mk := func(states ...string) []domain.ReviewerAssignment {
		var res []domain.ReviewerAssignment
		for i, s := range states {
			res = append(res, domain.ReviewerAssignment{ReviewerID: string(rune('a' + i)), State: s})
		}
		return res
	}
	tests := []struct {
		name        string
		assignments []domain.ReviewerAssignment
		want        string
	}{
		{"no reviewers", nil, engine.AggregateNone},
		{"all pending", mk("pending", "pending"), engine.AggregatePending},
		{"partial approval", mk("approved", "pending"), engine.AggregatePending},
		{"all approved", mk("approved", "approved", "approved"), engine.AggregateApproved},
		{"single approval", mk("approved"), engine.AggregateApproved},
		{"rejection dominates pending", mk("pending", "rejected"), engine.AggregateRejected},
		{"rejection dominates approvals", mk("approved", "rejected", "approved"), engine.AggregateRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.Aggregate(tt.assignments))
		})
	}
}

func TestApprovalStatusSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Counted")
	for _, r := range []string{"rev-1", "rev-2", "rev-3"} {
		require.NoError(t, env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, r, "admin"))
	}
	moveTo(t, env, it.ID, "submitted", "in_review")

	status, err := env.Engine.ApprovalStatus(env.Ctx, "acme", it.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AggregatePending, status.Aggregate)
	assert.Equal(t, 0, status.Approved)
	assert.Equal(t, 3, status.Total)

	_, err = env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-2", Decision: domain.DecisionApproved,
	})
	require.NoError(t, err)

	status, err = env.Engine.ApprovalStatus(env.Ctx, "acme", it.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AggregatePending, status.Aggregate)
	assert.Equal(t, 1, status.Approved)
	assert.Equal(t, 3, status.Total)
	assert.Len(t, status.Assignments, 3)
}

func TestUnassignRemovesDecision(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Shrinking quorum")
	for _, r := range []string{"rev-1", "rev-2"} {
		require.NoError(t, env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, r, "admin"))
	}
	moveTo(t, env, it.ID, "submitted", "in_review")

	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-1", Decision: domain.DecisionApproved,
	})
	require.NoError(t, err)
	require.NoError(t, env.Engine.UnassignReviewer(env.Ctx, "acme", it.ID, "rev-2", "admin"))

	// removing the only pending reviewer does not retroactively
	// complete the item; approval happens on decisions only
	status, err := env.Engine.ApprovalStatus(env.Ctx, "acme", it.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AggregateApproved, status.Aggregate)
	got, err := env.Engine.Repo.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_review", got.Status)

}

func TestUnassignIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Revolving door")
	require.NoError(t, env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, "rev-1", "admin"))

	require.NoError(t, env.Engine.UnassignReviewer(env.Ctx, "acme", it.ID, "rev-1", "admin"))
	// repeating the unassign and unassigning a never-assigned user are
	// both no-ops
	require.NoError(t, env.Engine.UnassignReviewer(env.Ctx, "acme", it.ID, "rev-1", "admin"))
	require.NoError(t, env.Engine.UnassignReviewer(env.Ctx, "acme", it.ID, "ghost", "admin"))

	assignments, err := env.Engine.Repo.ListAssignments(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Empty(t, assignments)

	// only the real removal leaves an audit trace
	entries, err := env.Engine.Repo.LatestEntries(env.Ctx, repo.AuditFilters{
		TenantID: "acme", Action: audit.ActionReviewerUnassigned, EntityID: it.ID, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"projectops/internal/audit"
	"projectops/internal/config"
	"projectops/internal/db"
	"projectops/internal/domain"
	"projectops/internal/engine"
	"projectops/internal/migrate"
	"projectops/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Audit.Now = eng.Now
	ctx := context.Background()
	if _, err := eng.CreateTenant(ctx, engine.TenantCreateOptions{ID: "acme", Name: "Acme", Config: cfg, ActorID: "admin"}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createItem(t *testing.T, env testEnv, title string) domain.WorkItem {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		TenantID: "acme",
		Title:    title,
		ActorID:  "admin",
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return it
}

func moveTo(t *testing.T, env testEnv, itemID string, path ...string) domain.WorkItem {
	t.Helper()
	var it domain.WorkItem
	var err error
	for _, target := range path {
		it, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			TenantID: "acme", ItemID: itemID, Target: target, ActorID: "admin",
		})
		if err != nil {
			t.Fatalf("move to %s: %v", target, err)
		}
	}
	return it
}

func TestItemStatusTransitions(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "File return")
	if it.Status != "draft" {
		t.Fatalf("initial status = %s, want draft", it.Status)
	}
	it = moveTo(t, env, it.ID, "submitted", "in_review")
	if it.Status != "in_review" {
		t.Fatalf("status = %s, want in_review", it.Status)
	}
	if it.SubmittedAt == nil {
		t.Fatalf("submitted_at not stamped")
	}
	// draft -> approved is not an edge in the default rule set
	other := createItem(t, env, "Other")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TenantID: "acme", ItemID: other.ID, Target: "approved", ActorID: "admin",
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != "draft" || ite.To != "approved" {
		t.Fatalf("unexpected error detail: %+v", ite)
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Item")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TenantID: "acme", ItemID: it.ID, Target: "shipped", ActorID: "admin",
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError for unknown status, got %v", err)
	}
}

func TestArchivedItemImmutable(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Frozen")
	if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, "rev-1", "admin"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.ArchiveItem(env.Ctx, "acme", it.ID, "admin"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TenantID: "acme", ItemID: it.ID, Target: "submitted", ActorID: "admin",
	})
	if !errors.Is(err, engine.ErrItemArchived) {
		t.Fatalf("transition on archived: %v", err)
	}
	_, err = env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-1", Decision: domain.DecisionApproved,
	})
	if !errors.Is(err, engine.ErrItemArchived) {
		t.Fatalf("decision on archived: %v", err)
	}
	if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, "rev-2", "admin"); !errors.Is(err, engine.ErrItemArchived) {
		t.Fatalf("assign on archived: %v", err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, "acme", it.ID, "admin", "hi"); !errors.Is(err, engine.ErrItemArchived) {
		t.Fatalf("comment on archived: %v", err)
	}
	got, err := env.Engine.Repo.GetItem(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "draft" || !got.Archived {
		t.Fatalf("archived item changed: %+v", got)
	}
}

func TestFullApprovalAutoTransition(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Needs sign-off")
	for _, r := range []string{"rev-1", "rev-2", "rev-3"} {
		if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, r, "admin"); err != nil {
			t.Fatalf("assign %s: %v", r, err)
		}
	}
	moveTo(t, env, it.ID, "submitted", "in_review")

	for _, r := range []string{"rev-1", "rev-2"} {
		res, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
			TenantID: "acme", ItemID: it.ID, ReviewerID: r, Decision: domain.DecisionApproved,
		})
		if err != nil {
			t.Fatalf("approve %s: %v", r, err)
		}
		if res.Item.Status != "in_review" {
			t.Fatalf("status moved early after %s: %s", r, res.Item.Status)
		}
		if res.Aggregate != engine.AggregatePending {
			t.Fatalf("aggregate after %s = %s, want pending", r, res.Aggregate)
		}
	}
	res, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-3", Decision: domain.DecisionApproved,
	})
	if err != nil {
		t.Fatalf("final approve: %v", err)
	}
	if res.Item.Status != "approved" {
		t.Fatalf("status = %s, want approved", res.Item.Status)
	}
	if res.Aggregate != engine.AggregateApproved {
		t.Fatalf("aggregate = %s, want approved", res.Aggregate)
	}
	if res.Item.CompletedAt == nil {
		t.Fatalf("completed_at not stamped on terminal status")
	}
}

func TestConcurrentApprovalsTransitionOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Raced sign-off")
	for _, r := range []string{"rev-1", "rev-2", "rev-3"} {
		if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, r, "admin"); err != nil {
			t.Fatalf("assign %s: %v", r, err)
		}
	}
	moveTo(t, env, it.ID, "submitted", "in_review")
	if _, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-1", Decision: domain.DecisionApproved,
	}); err != nil {
		t.Fatalf("first approve: %v", err)
	}

	// the two remaining approvals race; whichever lands second
	// completes the set and must trigger the move exactly once
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, r := range []string{"rev-2", "rev-3"} {
		wg.Add(1)
		go func(reviewer string) {
			defer wg.Done()
			_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
				TenantID: "acme", ItemID: it.ID, ReviewerID: reviewer, Decision: domain.DecisionApproved,
			})
			errs <- err
		}(r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent approve: %v", err)
		}
	}

	got, err := env.Engine.Repo.GetItem(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "approved" {
		t.Fatalf("status = %s, want approved", got.Status)
	}
	changes, err := env.Engine.Repo.LatestEntries(env.Ctx, repo.AuditFilters{
		TenantID: "acme", Action: audit.ActionStatusChanged, EntityID: it.ID, Limit: 20,
	})
	if err != nil {
		t.Fatalf("latest entries: %v", err)
	}
	autoMoves := 0
	for _, e := range changes {
		if e.NewValue == "approved" {
			autoMoves++
		}
	}
	if autoMoves != 1 {
		t.Fatalf("in_review -> approved recorded %d times, want 1", autoMoves)
	}
}

func TestRejectionDominatesAndResets(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Contested")
	for _, r := range []string{"rev-1", "rev-2", "rev-3"} {
		if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, r, "admin"); err != nil {
			t.Fatalf("assign %s: %v", r, err)
		}
	}
	moveTo(t, env, it.ID, "submitted", "in_review")

	if _, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-1", Decision: domain.DecisionApproved,
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-2", Decision: domain.DecisionRejected, Note: "numbers off",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Item.Status != "rejected" {
		t.Fatalf("status = %s, want rejected", res.Item.Status)
	}
	if res.Aggregate != engine.AggregateRejected {
		t.Fatalf("aggregate = %s, want rejected", res.Aggregate)
	}
	if len(res.Reset) != 1 || res.Reset[0] != "rev-1" {
		t.Fatalf("reset = %v, want [rev-1]", res.Reset)
	}
	assignments, err := env.Engine.Repo.ListAssignments(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	for _, a := range assignments {
		switch a.ReviewerID {
		case "rev-2":
			if a.State != domain.DecisionRejected {
				t.Fatalf("rejector state = %s", a.State)
			}
		default:
			if a.State != domain.DecisionPending {
				t.Fatalf("%s state = %s, want pending", a.ReviewerID, a.State)
			}
			if a.DecidedAt != nil {
				t.Fatalf("%s decided_at not cleared", a.ReviewerID)
			}
		}
	}
}

func TestDecisionRequiresReviewableStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Still drafting")
	if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, "rev-1", "admin"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-1", Decision: domain.DecisionApproved,
	})
	var nre engine.NotReviewableError
	if !errors.As(err, &nre) {
		t.Fatalf("expected NotReviewableError, got %v", err)
	}
	if nre.Status != "draft" {
		t.Fatalf("error status = %s", nre.Status)
	}
}

func TestUnknownReviewerRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Guarded")
	if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, "rev-1", "admin"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	moveTo(t, env, it.ID, "submitted", "in_review")
	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "intruder", Decision: domain.DecisionApproved,
	})
	var ure engine.UnknownReviewerError
	if !errors.As(err, &ure) {
		t.Fatalf("expected UnknownReviewerError, got %v", err)
	}
}

func TestAssignIdempotentPreservesDecision(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Repeat assign")
	if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, "rev-1", "admin"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	moveTo(t, env, it.ID, "submitted", "in_review")
	if _, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-1", Decision: domain.DecisionApproved,
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// item auto-moved to approved, which is not reviewable, but
	// re-assigning must still be a safe no-op
	if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, "rev-1", "admin"); err != nil {
		t.Fatalf("re-assign: %v", err)
	}
	assignments, err := env.Engine.Repo.ListAssignments(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(assignments) != 1 || assignments[0].State != domain.DecisionApproved {
		t.Fatalf("assignment clobbered: %+v", assignments)
	}
}

func TestEmptyRuleSetAllowsAnyStatus(t *testing.T) {
	cfg := config.Default("acme")
	cfg.Workflow.Transitions = nil
	env := newTestEnv(t, cfg)
	it := createItem(t, env, "Free mover")
	it = moveTo(t, env, it.ID, "in_review", "draft", "approved")
	if it.Status != "approved" {
		t.Fatalf("status = %s", it.Status)
	}
	// the status set still bounds the graph
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TenantID: "acme", ItemID: it.ID, Target: "bogus", ActorID: "admin",
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestDisabledRuleBlocksTransition(t *testing.T) {
	env := newTestEnv(t, nil)
	rule := domain.TransitionRule{TenantID: "acme", From: "draft", To: "submitted", Enabled: false}
	if err := env.Engine.SetRule(env.Ctx, rule, "admin"); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	it := createItem(t, env, "Blocked")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TenantID: "acme", ItemID: it.ID, Target: "submitted", ActorID: "admin",
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestTenantScopingHidesForeignItems(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.CreateTenant(env.Ctx, engine.TenantCreateOptions{ID: "globex", ActorID: "admin"}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	it := createItem(t, env, "Acme only")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TenantID: "globex", ItemID: it.ID, Target: "submitted", ActorID: "admin",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cross-tenant access: %v", err)
	}
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Audited")
	moveTo(t, env, it.ID, "submitted")

	entries, err := env.Engine.Repo.LatestEntries(env.Ctx, repo.AuditFilters{
		TenantID: "acme", Action: audit.ActionStatusChanged, EntityID: it.ID, Limit: 10,
	})
	if err != nil {
		t.Fatalf("latest entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("status.changed entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.PrevValue != "draft" || e.NewValue != "submitted" || e.ActorID != "admin" {
		t.Fatalf("unexpected entry: %+v", e)
	}

	// a failed transition leaves no trace
	_, terr := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TenantID: "acme", ItemID: it.ID, Target: "approved", ActorID: "admin",
	})
	if terr == nil {
		t.Fatalf("expected invalid transition")
	}
	entries, err = env.Engine.Repo.LatestEntries(env.Ctx, repo.AuditFilters{
		TenantID: "acme", Action: audit.ActionStatusChanged, EntityID: it.ID, Limit: 10,
	})
	if err != nil {
		t.Fatalf("latest entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("failed mutation wrote audit entries: %d", len(entries))
	}
}

func TestDecisionAuditedSeparatelyFromTransition(t *testing.T) {
	env := newTestEnv(t, nil)
	it := createItem(t, env, "Signed")
	if err := env.Engine.AssignReviewer(env.Ctx, "acme", it.ID, "rev-1", "admin"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	moveTo(t, env, it.ID, "submitted", "in_review")
	if _, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		TenantID: "acme", ItemID: it.ID, ReviewerID: "rev-1", Decision: domain.DecisionApproved,
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	approvals, err := env.Engine.Repo.LatestEntries(env.Ctx, repo.AuditFilters{
		TenantID: "acme", Action: audit.ActionReviewerApproved, EntityID: it.ID, Limit: 10,
	})
	if err != nil {
		t.Fatalf("latest entries: %v", err)
	}
	if len(approvals) != 1 {
		t.Fatalf("reviewer.approved entries = %d, want 1", len(approvals))
	}
	changes, err := env.Engine.Repo.LatestEntries(env.Ctx, repo.AuditFilters{
		TenantID: "acme", Action: audit.ActionStatusChanged, EntityID: it.ID, Limit: 10,
	})
	if err != nil {
		t.Fatalf("latest entries: %v", err)
	}
	// draft->submitted, submitted->in_review, in_review->approved (auto)
	if len(changes) != 3 {
		t.Fatalf("status.changed entries = %d, want 3", len(changes))
	}
	if changes[0].PrevValue != "in_review" || changes[0].NewValue != "approved" {
		t.Fatalf("latest change = %+v", changes[0])
	}
}

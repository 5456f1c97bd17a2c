package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"projectops/internal/audit"
	"projectops/internal/config"
	"projectops/internal/domain"
	"projectops/internal/repo"
)

// InvalidTransitionError indicates the requested status change is not
// permitted by the tenant's transition rules.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s not allowed", e.From, e.To)
}

// ErrItemArchived is returned for any mutation on an archived item.
var ErrItemArchived = errors.New("item is archived")

// lockTable serializes mutations per work item within this process.
type lockTable struct {
	mu sync.Map
}

func (t *lockTable) lock(itemID string) func() {
	v, _ := t.mu.LoadOrStore(itemID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

type Engine struct {
	DB    *sql.DB
	Repo  repo.Repo
	Audit audit.Recorder
	Now   func() time.Time

	locks *lockTable
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Audit: audit.Recorder{DB: db},
		Now:   time.Now,
		locks: &lockTable{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) lockItem(itemID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(itemID)
}

// tenantConfig re-reads the tenant's stored config. Each operation
// loads its own copy so admin changes apply to the next operation, not
// a running one.
func (e Engine) tenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	cfg, err := e.Repo.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return config.Default(tenantID), nil
		}
		return nil, err
	}
	return cfg, nil
}

// TenantCreateOptions are parameters for creating a tenant.
type TenantCreateOptions struct {
	ID      string
	Name    string
	Config  *config.Config
	ActorID string
}

// CreateTenant creates the tenant, stores its workflow config, seeds
// transition rules from the config graph and makes the actor an admin
// member.
func (e Engine) CreateTenant(ctx context.Context, opts TenantCreateOptions) (domain.Tenant, error) {
	if opts.ID == "" {
		return domain.Tenant{}, errors.New("tenant id is required")
	}
	if opts.ActorID == "" {
		return domain.Tenant{}, errors.New("actor_id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()

	t := domain.Tenant{
		ID:        opts.ID,
		Name:      opts.Name,
		Status:    "active",
		CreatedAt: e.nowRFC(),
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	if err := e.Repo.InsertTenantTx(ctx, tx, t); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default(t.ID)
	}
	if err := e.Repo.UpsertTenantConfigTx(ctx, tx, t.ID, cfg); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant config: %w", err)
	}
	for _, edge := range cfg.Workflow.Transitions {
		rule := domain.TransitionRule{TenantID: t.ID, From: edge.From, To: edge.To, Enabled: true}
		if err := e.Repo.UpsertRule(ctx, tx, rule); err != nil {
			return domain.Tenant{}, fmt.Errorf("seed rule: %w", err)
		}
	}
	if err := e.Repo.EnsureUser(ctx, tx, opts.ActorID, e.nowRFC()); err != nil {
		return domain.Tenant{}, err
	}
	if err := e.Repo.UpsertMembership(ctx, tx, domain.Membership{TenantID: t.ID, UserID: opts.ActorID, Role: "admin"}); err != nil {
		return domain.Tenant{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionTenantCreated, TenantID: t.ID, EntityKind: "tenant", EntityID: t.ID,
		ActorID: opts.ActorID, NewValue: t.Status,
	}); err != nil {
		return domain.Tenant{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionMemberAdded, TenantID: t.ID, EntityKind: "membership", EntityID: opts.ActorID,
		ActorID: opts.ActorID, NewValue: "admin",
	}); err != nil {
		return domain.Tenant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

// SetTenantStatus activates, suspends or archives a tenant.
func (e Engine) SetTenantStatus(ctx context.Context, tenantID, status, actorID string) (domain.Tenant, error) {
	switch status {
	case "active", "suspended", "archived":
	default:
		return domain.Tenant{}, fmt.Errorf("unknown tenant status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTenant(ctx, tenantID)
	if err != nil {
		return domain.Tenant{}, err
	}
	prev := t.Status
	if prev == status {
		return t, nil
	}
	if err := e.Repo.UpdateTenantStatusTx(ctx, tx, tenantID, status); err != nil {
		return domain.Tenant{}, err
	}
	t.Status = status
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionTenantStatusSet, TenantID: t.ID, EntityKind: "tenant", EntityID: t.ID,
		ActorID: actorID, PrevValue: prev, NewValue: status,
	}); err != nil {
		return domain.Tenant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

// AddMember grants a user a role in the tenant; an existing membership
// has its role replaced.
func (e Engine) AddMember(ctx context.Context, tenantID, userID, role, actorID string) error {
	if role == "" {
		return errors.New("role is required")
	}
	cfg, err := e.tenantConfig(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(cfg.Roles) > 0 {
		if _, ok := cfg.Roles[role]; !ok {
			return fmt.Errorf("unknown role %s", role)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTenant(ctx, tenantID); err != nil {
		return err
	}
	if err := e.Repo.EnsureUser(ctx, tx, userID, e.nowRFC()); err != nil {
		return err
	}
	if err := e.Repo.UpsertMembership(ctx, tx, domain.Membership{TenantID: tenantID, UserID: userID, Role: role}); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionMemberAdded, TenantID: tenantID, EntityKind: "membership", EntityID: userID,
		ActorID: actorID, NewValue: role,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RemoveMember(ctx context.Context, tenantID, userID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteMembership(ctx, tx, tenantID, userID); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionMemberRemoved, TenantID: tenantID, EntityKind: "membership", EntityID: userID,
		ActorID: actorID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ItemCreateOptions are parameters for creating a work item.
type ItemCreateOptions struct {
	ID          string
	TenantID    string
	Title       string
	Description string
	OwnerID     string
	ActorID     string
}

// CreateItem creates a work item in the first status of the tenant's
// configured status set.
func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.TenantID == "" {
		return domain.WorkItem{}, errors.New("tenant is required")
	}
	cfg, err := e.tenantConfig(ctx, opts.TenantID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.Repo.GetTenant(ctx, opts.TenantID); err != nil {
		return domain.WorkItem{}, err
	}
	now := e.nowRFC()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	it := domain.WorkItem{
		ID:          id,
		TenantID:    opts.TenantID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      cfg.Workflow.Statuses[0],
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.OwnerID != "" {
		owner := opts.OwnerID
		it.OwnerID = &owner
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert item: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionItemCreated, TenantID: it.TenantID, EntityKind: "item", EntityID: it.ID,
		ActorID: opts.ActorID, NewValue: it.Status, Payload: audit.Payload{"title": it.Title},
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

// ArchiveItem freezes the item. Archived items reject every later
// mutation until the archive flag is lifted.
func (e Engine) ArchiveItem(ctx context.Context, tenantID, itemID, actorID string) (domain.WorkItem, error) {
	unlock := e.lockItem(itemID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	it, err := e.itemInTenantTx(ctx, tx, tenantID, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if it.Archived {
		return it, nil
	}
	it.Archived = true
	it.UpdatedAt = e.nowRFC()
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionItemArchived, TenantID: it.TenantID, EntityKind: "item", EntityID: it.ID,
		ActorID: actorID, PrevValue: it.Status,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

// TransitionOptions are parameters for a manual status change.
type TransitionOptions struct {
	TenantID string
	ItemID   string
	Target   string
	ActorID  string
}

// Transition moves a work item to the target status after validating
// the change against the tenant's transition rules. The item lock is
// held across read, validation and write so concurrent transitions on
// one item serialize.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.WorkItem, error) {
	unlock := e.lockItem(opts.ItemID)
	defer unlock()

	cfg, err := e.tenantConfig(ctx, opts.TenantID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	it, err := e.itemInTenantTx(ctx, tx, opts.TenantID, opts.ItemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if it.Archived {
		return domain.WorkItem{}, ErrItemArchived
	}
	it, err = e.applyTransitionTx(ctx, tx, cfg, it, opts.Target, opts.ActorID, false)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

// applyTransitionTx validates and performs one status change inside the
// caller's transaction. Auto transitions originate from approval
// aggregation; they bypass the rule graph and are never chained, so a
// single decision causes at most one automatic status change.
func (e Engine) applyTransitionTx(ctx context.Context, tx *sql.Tx, cfg *config.Config, it domain.WorkItem, target, actorID string, auto bool) (domain.WorkItem, error) {
	if !cfg.IsStatus(target) {
		return domain.WorkItem{}, InvalidTransitionError{From: it.Status, To: target}
	}
	if target == it.Status {
		return domain.WorkItem{}, InvalidTransitionError{From: it.Status, To: target}
	}
	if !auto {
		ok, err := e.transitionAllowedTx(ctx, tx, it.TenantID, it.Status, target)
		if err != nil {
			return domain.WorkItem{}, err
		}
		if !ok {
			return domain.WorkItem{}, InvalidTransitionError{From: it.Status, To: target}
		}
	}
	prev := it.Status
	now := e.nowRFC()
	it.Status = target
	it.UpdatedAt = now
	if cfg.Workflow.SubmitStatus != "" && target == cfg.Workflow.SubmitStatus && it.SubmittedAt == nil {
		ts := now
		it.SubmittedAt = &ts
	}
	if cfg.IsTerminal(target) {
		ts := now
		it.CompletedAt = &ts
	} else {
		it.CompletedAt = nil
	}
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, err
	}
	payload := audit.Payload{}
	if auto {
		payload["auto"] = true
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionStatusChanged, TenantID: it.TenantID, EntityKind: "item", EntityID: it.ID,
		ActorID: actorID, PrevValue: prev, NewValue: target, Payload: payload,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

// transitionAllowedTx checks the tenant's rule set. A tenant with no
// rules at all permits any transition within the status set; once any
// rule exists, only enabled edges pass.
func (e Engine) transitionAllowedTx(ctx context.Context, tx *sql.Tx, tenantID, from, to string) (bool, error) {
	rules, err := e.Repo.ListRulesTx(ctx, tx, tenantID)
	if err != nil {
		return false, err
	}
	if len(rules) == 0 {
		return true, nil
	}
	for _, r := range rules {
		if r.From == from && r.To == to {
			return r.Enabled, nil
		}
	}
	return false, nil
}

// itemInTenantTx loads the item and hides items belonging to other
// tenants behind ErrNotFound.
func (e Engine) itemInTenantTx(ctx context.Context, tx *sql.Tx, tenantID, itemID string) (domain.WorkItem, error) {
	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if tenantID != "" && it.TenantID != tenantID {
		return domain.WorkItem{}, repo.ErrNotFound
	}
	return it, nil
}

// SetRule enables or disables one transition edge for the tenant.
func (e Engine) SetRule(ctx context.Context, rule domain.TransitionRule, actorID string) error {
	cfg, err := e.tenantConfig(ctx, rule.TenantID)
	if err != nil {
		return err
	}
	if !cfg.IsStatus(rule.From) || !cfg.IsStatus(rule.To) {
		return fmt.Errorf("rule %s -> %s references unknown status", rule.From, rule.To)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertRule(ctx, tx, rule); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionRuleChanged, TenantID: rule.TenantID, EntityKind: "rule",
		EntityID: rule.From + "->" + rule.To, ActorID: actorID,
		NewValue: map[bool]string{true: "enabled", false: "disabled"}[rule.Enabled],
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveRule deletes a transition edge from the tenant's rule set.
func (e Engine) RemoveRule(ctx context.Context, tenantID, from, to, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteRule(ctx, tx, tenantID, from, to); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionRuleChanged, TenantID: tenantID, EntityKind: "rule",
		EntityID: from + "->" + to, ActorID: actorID, NewValue: "removed",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddComment appends a comment to the item. Comments on archived items
// are rejected like any other mutation.
func (e Engine) AddComment(ctx context.Context, tenantID, itemID, authorID, body string) (domain.Comment, error) {
	if body == "" {
		return domain.Comment{}, errors.New("body is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()

	it, err := e.itemInTenantTx(ctx, tx, tenantID, itemID)
	if err != nil {
		return domain.Comment{}, err
	}
	if it.Archived {
		return domain.Comment{}, ErrItemArchived
	}
	c := domain.Comment{
		ID:        uuid.NewString(),
		ItemID:    it.ID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: e.nowRFC(),
	}
	if err := e.Repo.InsertCommentTx(ctx, tx, c); err != nil {
		return domain.Comment{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionCommentAdded, TenantID: it.TenantID, EntityKind: "item", EntityID: it.ID,
		ActorID: authorID, Payload: audit.Payload{"comment_id": c.ID},
	}); err != nil {
		return domain.Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

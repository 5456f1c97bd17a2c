package engine

import (
	"context"
	"errors"
	"fmt"

	"projectops/internal/audit"
	"projectops/internal/domain"
	"projectops/internal/repo"
)

// NotReviewableError indicates the item's current status does not
// accept reviewer decisions.
type NotReviewableError struct {
	Status string
}

func (e NotReviewableError) Error() string {
	return fmt.Sprintf("item in status %s is not reviewable", e.Status)
}

// UnknownReviewerError indicates the caller holds no assignment on the
// item.
type UnknownReviewerError struct {
	ItemID     string
	ReviewerID string
}

func (e UnknownReviewerError) Error() string {
	return fmt.Sprintf("reviewer %s not assigned to item %s", e.ReviewerID, e.ItemID)
}

// Aggregate states derived from an item's assignment set.
const (
	AggregateNone     = "none"
	AggregatePending  = "pending"
	AggregateApproved = "approved"
	AggregateRejected = "rejected"
)

// Aggregate collapses an assignment set to a single state. Any
// rejection dominates; approval requires every assignment approved.
func Aggregate(assignments []domain.ReviewerAssignment) string {
	if len(assignments) == 0 {
		return AggregateNone
	}
	allApproved := true
	for _, a := range assignments {
		switch a.State {
		case domain.DecisionRejected:
			return AggregateRejected
		case domain.DecisionApproved:
		default:
			allApproved = false
		}
	}
	if allApproved {
		return AggregateApproved
	}
	return AggregatePending
}

// AssignReviewer adds a pending assignment. Assigning an already
// assigned reviewer is a no-op and leaves a recorded decision intact.
func (e Engine) AssignReviewer(ctx context.Context, tenantID, itemID, reviewerID, actorID string) error {
	if reviewerID == "" {
		return errors.New("reviewer_id required")
	}
	unlock := e.lockItem(itemID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	it, err := e.itemInTenantTx(ctx, tx, tenantID, itemID)
	if err != nil {
		return err
	}
	if it.Archived {
		return ErrItemArchived
	}
	if err := e.Repo.EnsureUser(ctx, tx, reviewerID, e.nowRFC()); err != nil {
		return err
	}
	inserted, err := e.Repo.InsertAssignmentTx(ctx, tx, domain.ReviewerAssignment{
		ItemID:     it.ID,
		ReviewerID: reviewerID,
		State:      domain.DecisionPending,
		CreatedAt:  e.nowRFC(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionReviewerAssigned, TenantID: it.TenantID, EntityKind: "item", EntityID: it.ID,
		ActorID: actorID, NewValue: reviewerID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// UnassignReviewer removes the assignment along with any decision it
// carried. Unassigning a reviewer who holds no assignment is a no-op,
// mirroring AssignReviewer.
func (e Engine) UnassignReviewer(ctx context.Context, tenantID, itemID, reviewerID, actorID string) error {
	unlock := e.lockItem(itemID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	it, err := e.itemInTenantTx(ctx, tx, tenantID, itemID)
	if err != nil {
		return err
	}
	if it.Archived {
		return ErrItemArchived
	}
	deleted, err := e.Repo.DeleteAssignmentTx(ctx, tx, it.ID, reviewerID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: audit.ActionReviewerUnassigned, TenantID: it.TenantID, EntityKind: "item", EntityID: it.ID,
		ActorID: actorID, PrevValue: reviewerID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// DecisionOptions are parameters for recording a reviewer decision.
type DecisionOptions struct {
	TenantID   string
	ItemID     string
	ReviewerID string
	Decision   string
	Note       string
}

// DecisionResult reports the decision's effect, including any status
// change it triggered.
type DecisionResult struct {
	Item       domain.WorkItem           `json:"item"`
	Assignment domain.ReviewerAssignment `json:"assignment"`
	Aggregate  string                    `json:"aggregate"`
	Reset      []string                  `json:"reset,omitempty"`
}

// RecordDecision stores an approve or reject decision. A rejection
// moves the item to the rework status and clears every other
// reviewer's decision back to pending. When the last pending reviewer
// approves, the item moves to the approved status. Either move happens
// in the same transaction as the decision itself.
func (e Engine) RecordDecision(ctx context.Context, opts DecisionOptions) (DecisionResult, error) {
	if opts.Decision != domain.DecisionApproved && opts.Decision != domain.DecisionRejected {
		return DecisionResult{}, fmt.Errorf("unknown decision %s", opts.Decision)
	}
	unlock := e.lockItem(opts.ItemID)
	defer unlock()

	cfg, err := e.tenantConfig(ctx, opts.TenantID)
	if err != nil {
		return DecisionResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionResult{}, err
	}
	defer tx.Rollback()

	it, err := e.itemInTenantTx(ctx, tx, opts.TenantID, opts.ItemID)
	if err != nil {
		return DecisionResult{}, err
	}
	if it.Archived {
		return DecisionResult{}, ErrItemArchived
	}
	if !cfg.IsReviewable(it.Status) {
		return DecisionResult{}, NotReviewableError{Status: it.Status}
	}
	a, err := e.Repo.GetAssignmentTx(ctx, tx, it.ID, opts.ReviewerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return DecisionResult{}, UnknownReviewerError{ItemID: it.ID, ReviewerID: opts.ReviewerID}
		}
		return DecisionResult{}, err
	}
	now := e.nowRFC()
	prevState := a.State
	a.State = opts.Decision
	a.DecidedAt = &now
	a.Note = opts.Note
	if err := e.Repo.UpdateAssignmentTx(ctx, tx, a); err != nil {
		return DecisionResult{}, err
	}
	action := audit.ActionReviewerApproved
	if opts.Decision == domain.DecisionRejected {
		action = audit.ActionReviewerRejected
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action: action, TenantID: it.TenantID, EntityKind: "item", EntityID: it.ID,
		ActorID: opts.ReviewerID, PrevValue: prevState, NewValue: opts.Decision,
		Payload: audit.Payload{"note": opts.Note},
	}); err != nil {
		return DecisionResult{}, err
	}

	res := DecisionResult{Assignment: a}
	if opts.Decision == domain.DecisionRejected {
		reset, err := e.Repo.ResetAssignmentsTx(ctx, tx, it.ID, opts.ReviewerID)
		if err != nil {
			return DecisionResult{}, err
		}
		res.Reset = reset
		for _, reviewerID := range reset {
			if err := e.Audit.Append(ctx, tx, audit.Entry{
				Action: audit.ActionReviewerReset, TenantID: it.TenantID, EntityKind: "item", EntityID: it.ID,
				ActorID: opts.ReviewerID, NewValue: reviewerID,
			}); err != nil {
				return DecisionResult{}, err
			}
		}
		if it.Status != cfg.Workflow.ReworkStatus {
			it, err = e.applyTransitionTx(ctx, tx, cfg, it, cfg.Workflow.ReworkStatus, opts.ReviewerID, true)
			if err != nil {
				return DecisionResult{}, err
			}
		}
	} else {
		assignments, err := e.Repo.ListAssignmentsTx(ctx, tx, it.ID)
		if err != nil {
			return DecisionResult{}, err
		}
		if Aggregate(assignments) == AggregateApproved && it.Status != cfg.Workflow.ApprovedStatus {
			it, err = e.applyTransitionTx(ctx, tx, cfg, it, cfg.Workflow.ApprovedStatus, opts.ReviewerID, true)
			if err != nil {
				return DecisionResult{}, err
			}
		}
	}

	assignments, err := e.Repo.ListAssignmentsTx(ctx, tx, it.ID)
	if err != nil {
		return DecisionResult{}, err
	}
	res.Item = it
	res.Aggregate = Aggregate(assignments)
	if err := tx.Commit(); err != nil {
		return DecisionResult{}, err
	}
	return res, nil
}

// ApprovalStatus reports the aggregate state and per-reviewer decisions
// for an item as a read-only snapshot.
type ApprovalStatus struct {
	ItemID      string                      `json:"item_id"`
	Aggregate   string                      `json:"aggregate"`
	Approved    int                         `json:"approved"`
	Total       int                         `json:"total"`
	Assignments []domain.ReviewerAssignment `json:"assignments,omitempty"`
}

func (e Engine) ApprovalStatus(ctx context.Context, tenantID, itemID string) (ApprovalStatus, error) {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return ApprovalStatus{}, err
	}
	if tenantID != "" && it.TenantID != tenantID {
		return ApprovalStatus{}, repo.ErrNotFound
	}
	assignments, err := e.Repo.ListAssignments(ctx, it.ID)
	if err != nil {
		return ApprovalStatus{}, err
	}
	approved := 0
	for _, a := range assignments {
		if a.State == domain.DecisionApproved {
			approved++
		}
	}
	return ApprovalStatus{
		ItemID:      it.ID,
		Aggregate:   Aggregate(assignments),
		Approved:    approved,
		Total:       len(assignments),
		Assignments: assignments,
	}, nil
}

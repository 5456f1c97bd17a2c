package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Action kinds recorded in the audit trail.
const (
	ActionTenantCreated      = "tenant.created"
	ActionTenantStatusSet    = "tenant.status_set"
	ActionMemberAdded        = "member.added"
	ActionMemberRemoved      = "member.removed"
	ActionItemCreated        = "item.created"
	ActionItemArchived       = "item.archived"
	ActionStatusChanged      = "status.changed"
	ActionReviewerAssigned   = "reviewer.assigned"
	ActionReviewerUnassigned = "reviewer.unassigned"
	ActionReviewerApproved   = "reviewer.approved"
	ActionReviewerRejected   = "reviewer.rejected"
	ActionReviewerReset      = "reviewer.reset"
	ActionRuleChanged        = "rule.changed"
	ActionCommentAdded       = "comment.added"
)

// Recorder appends immutable audit entries. Entry writes always ride
// the caller's transaction so a mutation and its audit record commit
// or roll back together.
type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Entry describes one state change to record.
type Entry struct {
	Action     string
	TenantID   string
	EntityKind string
	EntityID   string
	ActorID    string
	PrevValue  string
	NewValue   string
	Payload    Payload
}

func (r Recorder) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if r.Now == nil {
		r.Now = time.Now
	}
	ts := r.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries(ts,action,tenant_id,entity_kind,entity_id,actor_id,prev_value,new_value,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, e.Action, nullable(e.TenantID), e.EntityKind, nullable(e.EntityID), e.ActorID, nullable(e.PrevValue), nullable(e.NewValue), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

package server

import (
	"projectops/internal/domain"
	"projectops/internal/engine"
)

type CreateTenantRequest struct {
	ID         string `json:"id" example:"acme"`
	Name       string `json:"name,omitempty" example:"Acme Corp"`
	ConfigYAML string `json:"config_yaml,omitempty" doc:"Workflow config as YAML; defaults are used when omitted"`
}

type SetTenantStatusRequest struct {
	Status string `json:"status" enum:"active,suspended,archived"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" example:"member"`
}

type CreateItemRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
}

type TransitionRequest struct {
	Target string `json:"target" example:"submitted"`
}

type AssignReviewerRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Note     string `json:"note,omitempty"`
}

type SetRuleRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Enabled *bool  `json:"enabled,omitempty" doc:"Defaults to true"`
}

type CommentRequest struct {
	Body string `json:"body"`
}

type TenantStatusSummary struct {
	Tenant     domain.Tenant  `json:"tenant"`
	ItemCounts map[string]int `json:"item_counts"`
}

type ItemDetail struct {
	Item        domain.WorkItem             `json:"item"`
	Assignments []domain.ReviewerAssignment `json:"assignments,omitempty"`
	Aggregate   string                      `json:"aggregate"`
	Comments    []domain.Comment            `json:"comments,omitempty"`
}

type DevLoginRequest struct {
	UserID    string `json:"user_id"`
	Superuser bool   `json:"superuser,omitempty"`
	TTLHours  int    `json:"ttl_hours,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func itemDetail(it domain.WorkItem, assignments []domain.ReviewerAssignment, comments []domain.Comment) ItemDetail {
	return ItemDetail{
		Item:        it,
		Assignments: assignments,
		Aggregate:   engine.Aggregate(assignments),
		Comments:    comments,
	}
}

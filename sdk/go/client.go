package projectopssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Projectops HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Archived bool   `json:"archived"`
}

// Assignment represents a reviewer assignment.
type Assignment struct {
	ItemID     string `json:"item_id"`
	ReviewerID string `json:"reviewer_id"`
	State      string `json:"state"`
	DecidedAt  string `json:"decided_at,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Approval is the aggregate approval state of an item.
type Approval struct {
	ItemID      string       `json:"item_id"`
	Aggregate   string       `json:"aggregate"`
	Approved    int          `json:"approved"`
	Total       int          `json:"total"`
	Assignments []Assignment `json:"assignments,omitempty"`
}

// DecisionResult reports the effect of a recorded decision.
type DecisionResult struct {
	Item       WorkItem   `json:"item"`
	Assignment Assignment `json:"assignment"`
	Aggregate  string     `json:"aggregate"`
	Reset      []string   `json:"reset,omitempty"`
}

// AuditEntry represents one audit trail record.
type AuditEntry struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Action     string          `json:"action"`
	TenantID   string          `json:"tenant_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	PrevValue  string          `json:"prev_value,omitempty"`
	NewValue   string          `json:"new_value,omitempty"`
	Payload    json.RawMessage `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItem creates a work item.
func (c *Client) CreateItem(ctx context.Context, title, description string) (WorkItem, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.tenantPath("items"), body, &resp)
	return resp, err
}

// ListItems returns work items, optionally filtered by status.
func (c *Client) ListItems(ctx context.Context, status string) ([]WorkItem, error) {
	endpoint := c.tenantPath("items")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a work item to the target status.
func (c *Client) Transition(ctx context.Context, itemID, target string) (WorkItem, error) {
	body := map[string]any{"target": target}
	var resp WorkItem
	endpoint := c.tenantPath(fmt.Sprintf("items/%s/transition", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AssignReviewer assigns a reviewer to a work item.
func (c *Client) AssignReviewer(ctx context.Context, itemID, reviewerID string) error {
	body := map[string]any{"reviewer_id": reviewerID}
	endpoint := c.tenantPath(fmt.Sprintf("items/%s/reviewers", url.PathEscape(itemID)))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// Decide records the caller's approval decision on a work item.
func (c *Client) Decide(ctx context.Context, itemID, decision, note string) (DecisionResult, error) {
	body := map[string]any{
		"decision": decision,
		"note":     note,
	}
	var resp DecisionResult
	endpoint := c.tenantPath(fmt.Sprintf("items/%s/decision", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Approval fetches the aggregate approval state of a work item.
func (c *Client) Approval(ctx context.Context, itemID string) (Approval, error) {
	var resp Approval
	endpoint := c.tenantPath(fmt.Sprintf("items/%s/approval", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Audit returns recent audit entries for the tenant.
func (c *Client) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	endpoint := c.tenantPath("audit")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.TenantID)
	return fmt.Sprintf("v0/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

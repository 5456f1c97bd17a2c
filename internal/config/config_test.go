package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tenant.ID != "acme" {
		t.Fatalf("tenant id = %s", cfg.Tenant.ID)
	}
	if !cfg.IsReviewable("in_review") || cfg.IsReviewable("draft") {
		t.Fatalf("reviewable set wrong")
	}
	if !cfg.IsTerminal("approved") || cfg.IsTerminal("rejected") {
		t.Fatalf("terminal set wrong")
	}
	if !cfg.RoleHasCapability("admin", "rule.manage") {
		t.Fatalf("admin missing rule.manage")
	}
	if cfg.RoleHasCapability("viewer", "item.write") {
		t.Fatalf("viewer granted item.write")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing tenant id", func(c *Config) { c.Tenant.ID = "" }, "tenant.id"},
		{"empty statuses", func(c *Config) { c.Workflow.Statuses = nil }, "statuses"},
		{"duplicate status", func(c *Config) { c.Workflow.Statuses = append(c.Workflow.Statuses, "draft") }, "duplicate"},
		{"terminal outside set", func(c *Config) { c.Workflow.Terminal = []string{"done"} }, "terminal"},
		{"reviewable outside set", func(c *Config) { c.Workflow.Reviewable = []string{"done"} }, "reviewable"},
		{"missing approved status", func(c *Config) { c.Workflow.ApprovedStatus = "" }, "approved_status"},
		{"rework outside set", func(c *Config) { c.Workflow.ReworkStatus = "limbo" }, "rework_status"},
		{"transition to unknown status", func(c *Config) {
			c.Workflow.Transitions = append(c.Workflow.Transitions, TransitionEdge{From: "draft", To: "limbo"})
		}, "unknown status"},
		{"dead-end non-terminal status", func(c *Config) {
			c.Workflow.Transitions = []TransitionEdge{{From: "draft", To: "submitted"}}
		}, "no outgoing transition"},
		{"roles without admin", func(c *Config) { delete(c.Roles, "admin") }, "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("acme")
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFromYAMLForTenant(t *testing.T) {
	yamlText := `
workflow:
  statuses: [open, closed]
  terminal: [closed]
  reviewable: [open]
  approved_status: closed
  rework_status: open
`
	cfg, err := FromYAMLForTenant([]byte(yamlText), "acme")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Tenant.ID != "acme" || cfg.Tenant.Name != "acme" {
		t.Fatalf("tenant not pinned: %+v", cfg.Tenant)
	}
	if len(cfg.Workflow.Transitions) != 0 {
		t.Fatalf("unexpected transitions")
	}
	if _, err := FromYAML([]byte("workflow: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

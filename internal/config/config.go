package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config models one tenant's workflow configuration. It is stored as
// JSON in tenant_configs and re-read per operation so admin changes
// apply to the next request, never mid-operation.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"tenant" json:"tenant"`
	Workflow struct {
		Statuses       []string         `yaml:"statuses" json:"statuses"`
		Terminal       []string         `yaml:"terminal" json:"terminal"`
		Reviewable     []string         `yaml:"reviewable" json:"reviewable"`
		SubmitStatus   string           `yaml:"submit_status" json:"submit_status"`
		ApprovedStatus string           `yaml:"approved_status" json:"approved_status"`
		ReworkStatus   string           `yaml:"rework_status" json:"rework_status"`
		Transitions    []TransitionEdge `yaml:"transitions" json:"transitions"`
	} `yaml:"workflow" json:"workflow"`
	Roles    map[string]Role `yaml:"roles" json:"roles"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type TransitionEdge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

type Role struct {
	Description  string   `yaml:"description" json:"description"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if len(c.Workflow.Statuses) == 0 {
		return fmt.Errorf("config.workflow.statuses is required")
	}
	statuses := map[string]bool{}
	for _, s := range c.Workflow.Statuses {
		if s == "" {
			return fmt.Errorf("config.workflow.statuses contains empty status")
		}
		if statuses[s] {
			return fmt.Errorf("duplicate status %s", s)
		}
		statuses[s] = true
	}
	for _, s := range c.Workflow.Terminal {
		if !statuses[s] {
			return fmt.Errorf("terminal status %s not in status set", s)
		}
	}
	if len(c.Workflow.Reviewable) == 0 {
		return fmt.Errorf("config.workflow.reviewable is required")
	}
	for _, s := range c.Workflow.Reviewable {
		if !statuses[s] {
			return fmt.Errorf("reviewable status %s not in status set", s)
		}
	}
	for name, s := range map[string]string{
		"approved_status": c.Workflow.ApprovedStatus,
		"rework_status":   c.Workflow.ReworkStatus,
	} {
		if s == "" {
			return fmt.Errorf("config.workflow.%s is required", name)
		}
		if !statuses[s] {
			return fmt.Errorf("config.workflow.%s %s not in status set", name, s)
		}
	}
	if c.Workflow.SubmitStatus != "" && !statuses[c.Workflow.SubmitStatus] {
		return fmt.Errorf("config.workflow.submit_status %s not in status set", c.Workflow.SubmitStatus)
	}
	for _, e := range c.Workflow.Transitions {
		if !statuses[e.From] || !statuses[e.To] {
			return fmt.Errorf("transition %s -> %s references unknown status", e.From, e.To)
		}
	}
	// With a configured graph, only designated terminal statuses may be
	// dead ends. An item must never get stuck in a non-terminal status.
	if len(c.Workflow.Transitions) > 0 {
		terminal := map[string]bool{}
		for _, s := range c.Workflow.Terminal {
			terminal[s] = true
		}
		outgoing := map[string]bool{}
		for _, e := range c.Workflow.Transitions {
			outgoing[e.From] = true
		}
		for _, s := range c.Workflow.Statuses {
			if !terminal[s] && !outgoing[s] {
				return fmt.Errorf("non-terminal status %s has no outgoing transition", s)
			}
		}
	}
	if len(c.Roles) > 0 {
		if _, ok := c.Roles["admin"]; !ok {
			return fmt.Errorf("config.roles must include admin")
		}
		for roleID, role := range c.Roles {
			if roleID == "" {
				return fmt.Errorf("config.roles contains empty role id")
			}
			for _, cap := range role.Capabilities {
				if cap == "" {
					return fmt.Errorf("role %s has empty capability", roleID)
				}
			}
		}
	}
	return nil
}

// IsStatus reports whether s belongs to the configured status set.
func (c *Config) IsStatus(s string) bool {
	for _, st := range c.Workflow.Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a designated terminal status.
func (c *Config) IsTerminal(s string) bool {
	for _, st := range c.Workflow.Terminal {
		if st == s {
			return true
		}
	}
	return false
}

// IsReviewable reports whether reviewer decisions are accepted while an
// item is in status s.
func (c *Config) IsReviewable(s string) bool {
	for _, st := range c.Workflow.Reviewable {
		if st == s {
			return true
		}
	}
	return false
}

// RoleHasCapability reports whether the role grants the capability.
func (c *Config) RoleHasCapability(role, capability string) bool {
	r, ok := c.Roles[role]
	if !ok {
		return false
	}
	for _, cap := range r.Capabilities {
		if cap == capability {
			return true
		}
	}
	return false
}

// GenerateDefault returns default config YAML for a tenant.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromYAMLForTenant parses config YAML and pins it to the tenant,
// filling tenant.id when the document omits it.
func FromYAMLForTenant(data []byte, tenantID string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.Tenant.ID = tenantID
	if cfg.Tenant.Name == "" {
		cfg.Tenant.Name = tenantID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tenant:
  id: %s
  name: %s

workflow:
  statuses: [draft, submitted, in_review, approved, rejected]
  terminal: [approved]
  reviewable: [in_review]
  submit_status: submitted
  approved_status: approved
  rework_status: rejected
  transitions:
    - {from: draft, to: submitted}
    - {from: submitted, to: in_review}
    - {from: in_review, to: approved}
    - {from: in_review, to: rejected}
    - {from: rejected, to: draft}

roles:
  admin:
    description: "Full control over the tenant"
    capabilities: [item.read, item.write, item.transition, item.review, reviewer.manage, rule.manage, tenant.manage, audit.read]
  member:
    description: "Creates and moves work items"
    capabilities: [item.read, item.write, item.transition]
  reviewer:
    description: "Records approval decisions"
    capabilities: [item.read, item.review]
  viewer:
    description: "Read-only access"
    capabilities: [item.read]
`

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"projectops/internal/config"
	"projectops/internal/domain"
	"projectops/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// notifier delivers committed audit entries to tenant webhooks. It
// polls the audit trail after commit, so a failed delivery never
// affects the mutation that produced the entry.
type notifier struct {
	engine engine.Engine
	client *http.Client
	log    zerolog.Logger

	mu     sync.Mutex
	cursor int64
	primed bool
}

func startNotifier(e engine.Engine, log zerolog.Logger) *notifier {
	n := &notifier{
		engine: e,
		client: &http.Client{Timeout: defaultNotifyTimeout},
		log:    log,
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		n.dispatch()
		<-ticker.C
	}
}

func (n *notifier) dispatch() {
	ctx := context.Background()
	cursor, ok := n.currentCursor(ctx)
	if !ok {
		return
	}
	entries, err := n.engine.Repo.EntriesAfter(ctx, cursor, defaultNotifyBatch)
	if err != nil {
		n.log.Error().Err(err).Msg("notifier: fetch audit entries failed")
		return
	}
	configs := map[string]*config.Config{}
	for _, entry := range entries {
		if entry.TenantID == "" {
			n.setCursor(entry.ID)
			continue
		}
		cfg, ok := configs[entry.TenantID]
		if !ok {
			cfg, err = n.engine.Repo.GetTenantConfig(ctx, entry.TenantID)
			if err != nil {
				cfg = nil
			}
			configs[entry.TenantID] = cfg
		}
		if cfg == nil || len(cfg.Webhooks) == 0 {
			n.setCursor(entry.ID)
			continue
		}
		if err := n.deliver(ctx, cfg.Webhooks, entry); err != nil {
			// Leave the cursor so the entry retries on the next tick.
			return
		}
		n.setCursor(entry.ID)
	}
}

// currentCursor initializes the cursor to the newest entry on first
// use so a restarted server does not replay the whole trail.
func (n *notifier) currentCursor(ctx context.Context) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.primed {
		return n.cursor, true
	}
	latest, err := n.engine.Repo.LatestEntryID(ctx)
	if err != nil {
		n.log.Error().Err(err).Msg("notifier: init cursor failed")
		return 0, false
	}
	n.cursor = latest
	n.primed = true
	return n.cursor, true
}

func (n *notifier) setCursor(v int64) {
	n.mu.Lock()
	n.cursor = v
	n.mu.Unlock()
}

type webhookPayload struct {
	ID         int64           `json:"id"`
	Action     string          `json:"action"`
	TenantID   string          `json:"tenant_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	PrevValue  string          `json:"prev_value,omitempty"`
	NewValue   string          `json:"new_value,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func (n *notifier) deliver(ctx context.Context, hooks []config.WebhookConfig, entry domain.AuditEntry) error {
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !actionFilter(hook.Events).match(entry.Action) {
			continue
		}
		if err := n.post(ctx, hook, entry); err != nil {
			n.log.Error().Err(err).Str("url", hook.URL).Int64("entry", entry.ID).Msg("notifier: delivery failed")
			return err
		}
	}
	return nil
}

func (n *notifier) post(ctx context.Context, hook config.WebhookConfig, entry domain.AuditEntry) error {
	payload := json.RawMessage("{}")
	if entry.Payload != "" && json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage(entry.Payload)
	}
	data, err := json.Marshal(webhookPayload{
		ID:         entry.ID,
		Action:     entry.Action,
		TenantID:   entry.TenantID,
		EntityKind: entry.EntityKind,
		EntityID:   entry.EntityID,
		ActorID:    entry.ActorID,
		TS:         entry.TS,
		PrevValue:  entry.PrevValue,
		NewValue:   entry.NewValue,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := n.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Projectops-Action", entry.Action)
	req.Header.Set("X-Projectops-Delivery", fmt.Sprintf("%d", entry.ID))
	req.Header.Set("X-Projectops-Tenant", entry.TenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Projectops-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func actionFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}

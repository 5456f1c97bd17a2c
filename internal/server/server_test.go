package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"projectops/internal/db"
	"projectops/internal/domain"
	"projectops/internal/engine"
	"projectops/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	if _, err := e.CreateTenant(context.Background(), engine.TenantCreateOptions{ID: "acme", ActorID: "alice"}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
			EnableDevLogin:        true,
			Logger:                zerolog.Nop(),
		},
		Logger:          zerolog.Nop(),
		DisableNotifier: true,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asAlice() map[string]string { return map[string]string{"X-User-Id": "alice"} }
func asUser(id string) map[string]string {
	return map[string]string{"X-User-Id": id}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/tenants/acme"

	res, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{
		"title": "Review Q2 filing",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, data)
	}
	var it domain.WorkItem
	if err := json.Unmarshal(data, &it); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if it.Status != "draft" {
		t.Fatalf("initial status %s", it.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/members", map[string]any{
		"user_id": "bob",
		"role":    "reviewer",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add member status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/items/"+it.ID+"/reviewers", map[string]any{
		"reviewer_id": "bob",
	}, asAlice())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("assign reviewer status %d: %s", res.StatusCode, data)
	}

	for _, target := range []string{"submitted", "in_review"} {
		res, data = doJSON(t, client, http.MethodPost, base+"/items/"+it.ID+"/transition", map[string]any{
			"target": target,
		}, asAlice())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s status %d: %s", target, res.StatusCode, data)
		}
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/items/"+it.ID+"/decision", map[string]any{
		"decision": "approved",
	}, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision status %d: %s", res.StatusCode, data)
	}
	var decided engine.DecisionResult
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if decided.Item.Status != "approved" || decided.Aggregate != engine.AggregateApproved {
		t.Fatalf("decision result: %+v", decided)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/audit?action=status.changed", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, data)
	}
	var entries []domain.AuditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("status.changed entries = %d, want 3", len(entries))
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/tenants/acme"

	// no credentials at all
	res, data := doJSON(t, client, http.MethodGet, base+"/items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, data)
	}

	// non-member
	res, data = doJSON(t, client, http.MethodGet, base+"/items", nil, asUser("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-member status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}

	// viewer may read but not transition
	res, data = doJSON(t, client, http.MethodPost, base+"/members", map[string]any{
		"user_id": "victor", "role": "viewer",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add viewer status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/items", map[string]any{
		"title": "Nope",
	}, asUser("victor"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer write status %d: %s", res.StatusCode, data)
	}

	// invalid transition surfaces as 422 with the typed code
	res, data = doJSON(t, client, http.MethodPost, base+"/items", map[string]any{
		"title": "Stuck",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var it domain.WorkItem
	if err := json.Unmarshal(data, &it); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/items/"+it.ID+"/transition", map[string]any{
		"target": "approved",
	}, asAlice())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid transition status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}

	// unknown tenant
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/nope/items", nil, asAlice())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown tenant status %d: %s", res.StatusCode, data)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("empty token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, data)
	}
	var me struct {
		UserID      string              `json:"user_id"`
		Memberships []domain.Membership `json:"memberships"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "alice" || len(me.Memberships) != 1 {
		t.Fatalf("me = %+v", me)
	}

	// garbage token is rejected
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res.StatusCode, data)
	}
}

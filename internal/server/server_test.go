package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/engine"
	"caseflow/internal/engine/gate"
	"caseflow/internal/manifest"
	"caseflow/internal/migrate"
)

const (
	testSecret = "test-secret"
	testOrg    = "org-1"
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
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("caseflow")
	m := manifest.Default()
	e := engine.New(conn, cfg, m, gate.PolicyGate{Config: cfg, Manifest: m})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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

func signToken(t *testing.T, actorID, orgID string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": actorID}
	if orgID != "" {
		claims["org_id"] = orgID
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeaders(t *testing.T, orgID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "tester", orgID)}
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

func activateConnector(t *testing.T, srv *testServer, connType string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/"+testOrg+"/connectors", map[string]any{
		"type":   connType,
		"name":   "test-" + connType,
		"status": "active",
	}, authHeaders(t, testOrg))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register connector: %d %s", res.StatusCode, string(data))
	}
}

func TestCommandLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, testOrg)
	activateConnector(t, srv, "analytics")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/"+testOrg+"/commands", map[string]any{
		"command_type": "analytics.run_report",
		"payload":      map[string]any{"report": "cashflow"},
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create command: %d %s", res.StatusCode, string(data))
	}
	var created CreateCommandResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Outcome != "accepted" || created.Command == nil || created.Job == nil {
		t.Fatalf("unexpected intake result: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/"+testOrg+"/jobs/claim", map[string]any{
		"worker_class": "domain",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var envelopes []EnvelopeResponse
	if err := json.Unmarshal(data, &envelopes); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if len(envelopes) != 1 || envelopes[0].Job.ID != created.Job.ID {
		t.Fatalf("expected the created job, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/"+testOrg+"/jobs/"+created.Job.ID+"/complete", map[string]any{
		"result": map[string]any{
			"status": "completed",
			"output": map[string]any{"rows": 7},
		},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var completed CompleteJobResponse
	_ = json.Unmarshal(data, &completed)
	if completed.Outcome != "completed" || completed.FinalStatus != "completed" {
		t.Fatalf("unexpected completion: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/"+testOrg+"/commands/"+created.Command.ID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get command: %d %s", res.StatusCode, string(data))
	}
	var cmd CommandResponse
	_ = json.Unmarshal(data, &cmd)
	if cmd.Status != "completed" {
		t.Fatalf("expected completed, got %s", cmd.Status)
	}
}

func TestRejectedCommandReturnsDecision(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t, testOrg)

	// tax requires connectors that were never registered.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/"+testOrg+"/commands", map[string]any{
		"command_type": "tax.prepare_filing",
		"payload":      map[string]any{"jurisdiction": "US-CA", "period": "2026-Q1"},
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("intake: %d %s", res.StatusCode, string(data))
	}
	var out CreateCommandResponse
	_ = json.Unmarshal(data, &out)
	if out.Outcome != "rejected" || len(out.Safety.Reasons) == 0 {
		t.Fatalf("expected rejection with reasons: %s", string(data))
	}
	if out.Command != nil {
		t.Fatalf("rejected intake must not return a command")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/"+testOrg+"/capabilities", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestOrgMembershipEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/"+testOrg+"/capabilities", nil, authHeaders(t, "other-org"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign org, got %d %s", res.StatusCode, string(data))
	}

	// A service-level token (no org claim) may act on any org.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/"+testOrg+"/capabilities", nil, authHeaders(t, ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("service token should pass, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t, testOrg)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/"+testOrg+"/apikeys", map[string]any{
		"actor_id": "worker-1",
		"name":     "ci",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	if key.Key == "" {
		t.Fatalf("raw key must be returned once: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/"+testOrg+"/capabilities", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/"+testOrg+"/capabilities", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}
}

func TestSessionStateConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, testOrg)
	activateConnector(t, srv, "analytics")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/"+testOrg+"/commands", map[string]any{
		"command_type": "analytics.run_report",
		"payload":      map[string]any{"report": "cashflow"},
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created CreateCommandResponse
	_ = json.Unmarshal(data, &created)
	sessionID := created.Session.ID

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/orgs/"+testOrg+"/sessions/"+sessionID, map[string]any{
		"status": "closed",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/orgs/"+testOrg+"/sessions/"+sessionID, map[string]any{
		"status": "active",
	}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 reopening closed session, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t, testOrg)
	activateConnector(t, srv, "analytics")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/"+testOrg+"/events", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	found := false
	for _, evt := range page.Items {
		if evt.Type == "connector.registered" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected connector.registered event, got %s", string(data))
	}
}

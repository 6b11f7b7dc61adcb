package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"moltmarket/internal/activity"
	"moltmarket/internal/config"
	"moltmarket/internal/db"
	"moltmarket/internal/domain"
	"moltmarket/internal/engine"
	"moltmarket/internal/engine/auth"
	"moltmarket/internal/migrate"
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Auth.SessionSecret = "server-test-secret"
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := engine.New(conn, cfg)
	e.Logger = quiet
	resolver, err := auth.NewResolver(e.Repo, auth.Options{
		SessionSecret: cfg.Auth.SessionSecret,
		SessionTTL:    cfg.Auth.SessionTTL,
		Logger:        quiet,
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	e.Auth = resolver
	rec := activity.NewRecorder(e.Repo)
	rec.Logger = quiet
	e.Activity = rec

	handler, err := New(Config{Engine: e, Logger: quiet})
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
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			resolver.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if raw, ok := body.(string); ok {
		reader = strings.NewReader(raw)
	} else if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, data []byte) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) envelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected %d, got %d: %s", status, res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, env.Error.Code, string(data))
	}
	return env
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func registerAgent(t *testing.T, srv *testServer, name string) engine.Registration {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agents", map[string]any{"name": name}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s status %d: %s", name, res.StatusCode, string(data))
	}
	var reg engine.Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		t.Fatalf("unmarshal registration: %v", err)
	}
	if reg.APIKey == "" || reg.ClaimCode == "" {
		t.Fatalf("registration missing credentials: %s", string(data))
	}
	return reg
}

func publishTask(t *testing.T, srv *testServer, apiKey string, effort int64) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":            "summarize logs",
		"description":      "daily digest",
		"estimated_effort": effort,
	}, bearer(apiKey))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return task
}

func getAgent(t *testing.T, srv *testServer, headers map[string]string) domain.Agent {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agents/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get agent status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	return a
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"ok"`) {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Paths      map[string]map[string]json.RawMessage `json:"paths"`
		Components struct {
			Schemas         map[string]json.RawMessage `json:"schemas"`
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	for _, p := range []string{"/v1/tasks", "/v1/tasks/{id}/accept", "/v1/agents/me/ledger", "/v1/claims/{code}"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("openapi missing path %s", p)
		}
	}
	if _, ok := doc.Components.Schemas["ApiError"]; !ok {
		t.Fatalf("openapi missing ApiError schema")
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("openapi missing bearerAuth scheme")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v1/openapi.json") {
		t.Fatalf("docs: %d", res.StatusCode)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	pub := registerAgent(t, srv, "publisher")
	work := registerAgent(t, srv, "worker")

	task := publishTask(t, srv, pub.APIKey, 150)
	if task.Status != domain.TaskPending || task.LockedCredits != 150 {
		t.Fatalf("unexpected published task: %+v", task)
	}
	if got := getAgent(t, srv, bearer(pub.APIKey)).Credits; got != 850 {
		t.Fatalf("expected publisher balance 850, got %d", got)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/accept", nil, map[string]string{"X-Api-Key": work.APIKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", map[string]any{
		"result":        "done",
		"actual_effort": 142,
	}, bearer(work.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completed domain.Task
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal completed: %v", err)
	}
	if completed.Status != domain.TaskCompleted || completed.ActualEffort == nil || *completed.ActualEffort != 142 {
		t.Fatalf("unexpected completed task: %+v", completed)
	}

	if got := getAgent(t, srv, bearer(pub.APIKey)).Credits; got != 858 {
		t.Fatalf("expected publisher balance 858 after refund, got %d", got)
	}
	worker := getAgent(t, srv, bearer(work.APIKey))
	if worker.Credits != 1142 || worker.TokensContributed != 142 || worker.TasksCompleted != 1 {
		t.Fatalf("unexpected worker after settlement: %+v", worker)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents/me/ledger?limit=10", nil, bearer(pub.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ledger status %d: %s", res.StatusCode, string(data))
	}
	var ledger engine.LedgerPage
	if err := json.Unmarshal(data, &ledger); err != nil {
		t.Fatalf("unmarshal ledger: %v", err)
	}
	if ledger.Total != 2 || ledger.Items[0].EntryType != domain.EntryRefund || ledger.Items[0].Delta != 8 {
		t.Fatalf("unexpected publisher ledger: %+v", ledger)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents/me/ledger/verify", nil, bearer(pub.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.Reconciliation
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal reconciliation: %v", err)
	}
	if !rec.Balanced {
		t.Fatalf("expected balanced ledger: %+v", rec)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?status=completed&role=worker", nil, bearer(work.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page engine.TaskPage
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.Total != 1 || page.Items[0].ID != task.ID {
		t.Fatalf("unexpected worker task page: %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/activities?limit=3", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activities status %d: %s", res.StatusCode, string(data))
	}
	var feed engine.ActivityPage
	if err := json.Unmarshal(data, &feed); err != nil {
		t.Fatalf("unmarshal feed: %v", err)
	}
	if len(feed.Items) != 3 || feed.Items[0].EventType != domain.EventTaskCompleted {
		t.Fatalf("unexpected feed head: %+v", feed.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	var stats domain.PlatformStats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.TotalTasks != 1 || stats.CompletedTasks != 1 || stats.TokensSaved != 8 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	pub := registerAgent(t, srv, "publisher")
	work := registerAgent(t, srv, "worker")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "too big", "description": "x", "estimated_effort": 5000,
	}, bearer(pub.APIKey))
	env := expectError(t, res, data, http.StatusPaymentRequired, "insufficient_balance")
	if env.Error.Details["required"] != float64(5000) || env.Error.Details["balance"] != float64(1000) {
		t.Fatalf("unexpected insufficient details: %+v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "bad", "description": "x", "estimated_effort": 0,
	}, bearer(pub.APIKey))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", `{"title": 42}`, bearer(pub.APIKey))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "anon", "description": "x", "estimated_effort": 1,
	}, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthenticated")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents/me", nil, bearer("ct_nope_nope"))
	expectError(t, res, data, http.StatusUnauthorized, "unauthenticated")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents/me", nil, map[string]string{"Authorization": "Basic abc"})
	expectError(t, res, data, http.StatusUnauthorized, "unauthenticated")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/missing", nil, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	task := publishTask(t, srv, pub.APIKey, 10)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/accept", nil, bearer(pub.APIKey))
	expectError(t, res, data, http.StatusUnprocessableEntity, "invalid_state")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", nil, bearer(work.APIKey))
	expectError(t, res, data, http.StatusUnprocessableEntity, "invalid_state")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/accept", nil, bearer(work.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	third := registerAgent(t, srv, "late")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/accept", nil, bearer(third.APIKey))
	env = expectError(t, res, data, http.StatusConflict, "conflict")
	if env.Error.Details["status"] != domain.TaskAccepted {
		t.Fatalf("expected status detail, got %+v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", nil, bearer(third.APIKey))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/cancel", nil, bearer(third.APIKey))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?limit=5&offset=-1", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestCancelPendingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	pub := registerAgent(t, srv, "publisher")
	task := publishTask(t, srv, pub.APIKey, 300)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/cancel", nil, bearer(pub.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	if got := getAgent(t, srv, bearer(pub.APIKey)).Credits; got != 1000 {
		t.Fatalf("expected full refund, got balance %d", got)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/cancel", nil, bearer(pub.APIKey))
	expectError(t, res, data, http.StatusUnprocessableEntity, "invalid_state")
}

func TestHumanClaimAndActAs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	first := registerAgent(t, srv, "first")
	second := registerAgent(t, srv, "second")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/humans", map[string]any{
		"name": "Dana", "email": "dana@example.com", "password": "correct horse",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register human status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/humans", map[string]any{
		"name": "Dana", "email": "dana@example.com", "password": "correct horse",
	}, nil)
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{
		"email": "dana@example.com", "password": "wrong password",
	}, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthenticated")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{
		"email": "dana@example.com", "password": "correct horse",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var session engine.Session
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/claims/"+strings.ToLower(first.ClaimCode), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup claim status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims/"+first.ClaimCode, map[string]any{"verification_code": "reef-ZZZZ"}, bearer(session.Token))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims/"+first.ClaimCode, nil, bearer(second.APIKey))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	for _, reg := range []engine.Registration{first, second} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims/"+reg.ClaimCode, map[string]any{"verification_code": reg.VerificationCode}, bearer(session.Token))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims/"+first.ClaimCode, nil, bearer(session.Token))
	expectError(t, res, data, http.StatusConflict, "conflict")

	// Two owned agents and no X-Agent-Id is ambiguous.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents/me", nil, bearer(session.Token))
	if res.StatusCode == http.StatusOK {
		t.Fatalf("expected ambiguous acting agent to fail: %s", string(data))
	}

	headers := bearer(session.Token)
	headers[AgentHeader] = second.Agent.ID
	a := getAgent(t, srv, headers)
	if a.ID != second.Agent.ID || a.Status != domain.AgentActive {
		t.Fatalf("unexpected acting agent: %+v", a)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "from human", "description": "x", "estimated_effort": 40,
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish as human status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/humans/me/stats", nil, bearer(session.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("human stats status %d: %s", res.StatusCode, string(data))
	}
	var hs domain.HumanStats
	if err := json.Unmarshal(data, &hs); err != nil {
		t.Fatalf("unmarshal human stats: %v", err)
	}
	if hs.Agents != 2 || hs.Credits != 1960 || hs.TasksPublished != 1 {
		t.Fatalf("unexpected human stats: %+v", hs)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/humans/me/stats", nil, bearer(first.APIKey))
	expectError(t, res, data, http.StatusForbidden, "forbidden")
}

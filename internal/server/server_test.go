package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/engine"
	"payline/internal/migrate"
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
	cfg := config.Default("acme")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitOrg(context.Background(), "acme", "Acme Corp", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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

func doJSON(t *testing.T, client *http.Client, method, url string, body any, actorID string) (*http.Response, []byte) {
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
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
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

func seedActors(t *testing.T, srv *testServer) {
	t.Helper()
	for _, a := range []map[string]any{
		{"id": "worker-1", "role": "worker", "training_level": 2, "base_salary": 3000, "salary_mix_r": 0.7},
		{"id": "reviewer-1", "role": "qc", "training_level": 3, "base_salary": 3500},
	} {
		res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/orgs/acme/actors", a, "admin")
		if res.StatusCode != http.StatusOK {
			t.Fatalf("upsert actor %v: %d %s", a["id"], res.StatusCode, string(data))
		}
	}
}

func createTask(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/orgs/acme/projects", map[string]any{
		"id":          "proj-1",
		"title":       "Rollout",
		"total_value": 1000,
	}, "admin")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/proj-1/tasks", map[string]any{
		"title":          "Wire the endpoint",
		"dollar_value":   100,
		"required_level": 2,
	}, "admin")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created.ID
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedActors(t, srv)
	taskID := createTask(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/accept", nil, "worker-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/submit", map[string]any{
		"submission": map[string]any{"notes": "done"},
	}, "worker-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var submitted TaskResponse
	_ = json.Unmarshal(data, &submitted)
	if submitted.Status != "completed" {
		t.Fatalf("expected completed, got %s", submitted.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/reviews", map[string]any{
		"review_type": "peer",
		"passed":      true,
	}, "reviewer-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("review: %d %s", res.StatusCode, string(data))
	}
	var rev ReviewResponse
	if err := json.Unmarshal(data, &rev); err != nil {
		t.Fatalf("unmarshal review: %v", err)
	}
	if rev.PassNumber != 1 {
		t.Fatalf("expected pass 1, got %d", rev.PassNumber)
	}
	// fallback p0 = 0.8: d1 = 0.25 * 0.8 * 100
	if rev.DK < 19.999 || rev.DK > 20.001 {
		t.Fatalf("expected d1 = 20, got %v", rev.DK)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+taskID, nil, "admin")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d %s", res.StatusCode, string(data))
	}
	var approved TaskResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "approved" {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/payouts?user_id=worker-1", nil, "admin")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list payouts: %d %s", res.StatusCode, string(data))
	}
	var payouts []PayoutResponse
	if err := json.Unmarshal(data, &payouts); err != nil {
		t.Fatalf("unmarshal payouts: %v", err)
	}
	if len(payouts) != 1 {
		t.Fatalf("expected one worker payout, got %d", len(payouts))
	}
	if payouts[0].Status != "pending" {
		t.Fatalf("expected pending payout, got %s", payouts[0].Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/payouts/"+payouts[0].ID+"/approve", nil, "admin")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve payout: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/payouts/"+payouts[0].ID+"/settle", nil, "admin")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("settle payout: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+taskID, nil, "admin")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task after settle: %d %s", res.StatusCode, string(data))
	}
	var paid TaskResponse
	_ = json.Unmarshal(data, &paid)
	if paid.Status != "paid" {
		t.Fatalf("expected paid, got %s", paid.Status)
	}
}

func TestAcceptConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedActors(t, srv)
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/orgs/acme/actors", map[string]any{
		"id": "worker-2", "role": "worker", "training_level": 2, "base_salary": 3000,
	}, "admin")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert actor: %d %s", res.StatusCode, string(data))
	}
	taskID := createTask(t, srv)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/accept", nil, "worker-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first accept: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/accept", nil, "worker-2")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "already_assigned" {
		t.Fatalf("expected already_assigned, got %s", envelope.Error.Code)
	}
}

func TestLevelGuardOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedActors(t, srv)
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/orgs/acme/actors", map[string]any{
		"id": "novice", "role": "worker", "training_level": 1, "base_salary": 2500,
	}, "admin")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert actor: %d %s", res.StatusCode, string(data))
	}
	taskID := createTask(t, srv)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/accept", nil, "novice")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/orgs/acme", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

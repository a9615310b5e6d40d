package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Katsud0n0/final-jd-21/internal/app"
	"github.com/Katsud0n0/final-jd-21/internal/config"
	"github.com/Katsud0n0/final-jd-21/internal/db"
	"github.com/Katsud0n0/final-jd-21/internal/domain"
	"github.com/Katsud0n0/final-jd-21/internal/engine"
	"github.com/Katsud0n0/final-jd-21/internal/migrate"
	"github.com/Katsud0n0/final-jd-21/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
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
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := app.Seed(ctx, r); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seedUser(t, r, "meera", "Water Supply", "water123")
	seedUser(t, r, "anil", "Health", "health123")
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			TokenTTL:              time.Hour,
			AllowLegacyUserHeader: true,
		},
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedUser(t *testing.T, r repo.Repo, username, department, password string) {
	t.Helper()
	u := domain.User{
		ID:         uuid.NewString(),
		Username:   username,
		Department: department,
		Password:   password,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
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

func asUser(username string) map[string]string {
	return map[string]string{"X-Username": username}
}

// Request ids carry a leading "#" which must be escaped in URLs.
func requestPath(id, action string) string {
	p := "/api/requests/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/users/login", map[string]any{
		"username": "meera", "password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/users/login", map[string]any{
		"username": "meera", "password": "water123",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", res.StatusCode, string(data))
	}
	var login LoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" || login.User.Username != "meera" {
		t.Fatalf("login response: %+v", login)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/requests", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authed list: %d %s", res.StatusCode, string(data))
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/requests", map[string]any{
		"title":      "Water quality report",
		"department": "Water Supply",
	}, asUser("anil"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created domain.Request
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if created.Status != domain.StatusPending || created.Creator != "anil" {
		t.Fatalf("created: %+v", created)
	}

	// anil is in Health, the request targets Water Supply.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+requestPath(created.ID, "accept"), nil, asUser("anil"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("wrong-department accept: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_eligible" || envelope.Error.Message != "Request is for a different department" {
		t.Fatalf("denial envelope: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+requestPath(created.ID, "accept"), nil, asUser("meera"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	var accepted domain.Request
	_ = json.Unmarshal(data, &accepted)
	if accepted.Status != domain.StatusInProcess {
		t.Fatalf("accepted status: %+v", accepted)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+requestPath(created.ID, "complete"), nil, asUser("meera"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var completed domain.Request
	_ = json.Unmarshal(data, &completed)
	if completed.Status != domain.StatusCompleted {
		t.Fatalf("completed status: %+v", completed)
	}
}

func TestCanAcceptEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/requests", map[string]any{
		"title":      "Drain cleanup",
		"department": "Water Supply",
	}, asUser("anil"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created domain.Request
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+requestPath(created.ID, "can-accept"), map[string]any{}, asUser("meera"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-accept: %d %s", res.StatusCode, string(data))
	}
	var decision engine.Decision
	_ = json.Unmarshal(data, &decision)
	if !decision.Allowed {
		t.Fatalf("decision: %+v", decision)
	}

	// A missing request is a negative decision, not an HTTP error.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+requestPath("#FFFFFF", "can-accept"), map[string]any{}, asUser("meera"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-accept missing: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &decision)
	if decision.Allowed || decision.Reason != "Request not found" {
		t.Fatalf("missing decision: %+v", decision)
	}
}

func TestRejectAndFilterOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/requests", map[string]any{
		"title":      "Immunization drive",
		"department": "Health",
	}, asUser("meera"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created domain.Request
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+requestPath(created.ID, "reject"), map[string]any{
		"reason": "duplicate of an existing drive",
	}, asUser("anil"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d %s", res.StatusCode, string(data))
	}
	var rejected domain.Request
	_ = json.Unmarshal(data, &rejected)
	if rejected.Status != domain.StatusRejected || len(rejected.Rejections) != 1 {
		t.Fatalf("rejected: %+v", rejected)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/requests/filter?status=Rejected", nil, asUser("meera"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filter: %d %s", res.StatusCode, string(data))
	}
	var items []domain.Request
	_ = json.Unmarshal(data, &items)
	if len(items) != 1 || items[0].ID != created.ID {
		t.Fatalf("filter result: %s", string(data))
	}
}

func TestDepartmentsSeeded(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/departments", nil, asUser("meera"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("departments: %d %s", res.StatusCode, string(data))
	}
	var items []domain.Department
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("got %d departments, want 6", len(items))
	}
}

package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"simrun/internal/config"
	"simrun/internal/db"
	"simrun/internal/domain"
	"simrun/internal/engine"
	"simrun/internal/migrate"
	"simrun/internal/server"
	"simrun/internal/tools"
)

// stubTools satisfies the tool surface for a read-only API; only the
// scheduler query matters here.
type stubTools struct {
	running []string
}

func (s stubTools) Build(context.Context, string, string) error        { return nil }
func (s stubTools) Clean(context.Context, string) error                { return nil }
func (s stubTools) GitRevision(context.Context, string) (string, error) {
	return "f00dfeedcafe", nil
}
func (s stubTools) Split(context.Context, string, int) error          { return nil }
func (s stubTools) Join(context.Context, string, []string) error      { return nil }
func (s stubTools) Submit(context.Context, tools.SubmitRequest) (string, error) {
	return "1", nil
}
func (s stubTools) RunningJobs(context.Context, string) ([]string, error) {
	return s.running, nil
}
func (s stubTools) Probe(context.Context, string, ...string) ([]string, error) {
	return nil, nil
}

func newTestServer(t *testing.T, auth server.AuthConfig, running []string) http.Handler {
	t.Helper()
	conn, err := db.Open(db.Config{RunsRoot: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn, config.Settings{User: "tester"}, stubTools{running: running})

	reg := domain.Registry{}
	for id, name := range map[int]string{1: "baseline", 2: "smallgap"} {
		reg[id] = domain.Run{
			ID: id, Name: name, Message: "m", Commit: "c",
			RunPath: "/runs/" + name, OutputPath: "/data/" + name,
			CreatedAt:   "2026-08-31T12:00:00Z",
			StageStatus: domain.DefaultStageStatus(),
		}
	}
	if err := eng.Repo.SaveAll(context.Background(), reg); err != nil {
		t.Fatal(err)
	}

	h, err := server.New(server.Config{Engine: eng, Auth: auth})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, server.AuthConfig{}, nil)
	rec := get(t, h, "/v0/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d: %s", rec.Code, rec.Body)
	}
}

func TestListRuns(t *testing.T) {
	h := newTestServer(t, server.AuthConfig{}, nil)
	rec := get(t, h, "/v0/runs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", rec.Code, rec.Body)
	}
	var runs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v\n%s", err, rec.Body)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs", len(runs))
	}
}

func TestGetRunNotFound(t *testing.T) {
	h := newTestServer(t, server.AuthConfig{}, nil)
	rec := get(t, h, "/v0/runs/99", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run = %d: %s", rec.Code, rec.Body)
	}
}

func TestStatusRunningJobs(t *testing.T) {
	h := newTestServer(t, server.AuthConfig{}, []string{"d0001", "junk"})
	rec := get(t, h, "/v0/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var jobs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v\n%s", err, rec.Body)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs: %s", len(jobs), rec.Body)
	}
}

func TestAuthRequired(t *testing.T) {
	const secret = "test-secret"
	h := newTestServer(t, server.AuthConfig{JWTSecret: secret}, nil)

	if rec := get(t, h, "/v0/runs", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := get(t, h, "/v0/runs", "not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", rec.Code)
	}
	// health stays open for probes
	if rec := get(t, h, "/v0/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health with auth on = %d", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "tester",
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	if rec := get(t, h, "/v0/runs", token); rec.Code != http.StatusOK {
		t.Fatalf("valid token = %d: %s", rec.Code, rec.Body)
	}
}

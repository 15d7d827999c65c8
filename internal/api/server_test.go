package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsctl/tsctl/internal/audit"
	"github.com/tsctl/tsctl/internal/engine"
	"github.com/tsctl/tsctl/internal/ledger"
)

const testToken = "test-admin-token"

// stubAPI is a minimal remote platform: one seeded ruleset with one rule,
// POSTs hand out fixed IDs.
type stubAPI struct{ posts int }

func (s *stubAPI) GetRulesets(ctx context.Context) ([]map[string]any, error) {
	return []map[string]any{
		{"id": "rs-1", "name": "base", "description": "", "ruleIds": []any{"rule-1"}},
	}, nil
}

func (s *stubAPI) GetRuleset(ctx context.Context, rulesetID string) (map[string]any, error) {
	return map[string]any{"name": "base", "description": "", "ruleIds": []any{"rule-1"}}, nil
}

func (s *stubAPI) GetRulesetRules(ctx context.Context, rulesetID string) ([]map[string]any, error) {
	return []map[string]any{{"id": "rule-1", "name": "r-1", "type": "File"}}, nil
}

func (s *stubAPI) GetRule(ctx context.Context, rulesetID, ruleID string) (map[string]any, error) {
	return map[string]any{"name": "r-1", "type": "File"}, nil
}

func (s *stubAPI) GetRuleTags(ctx context.Context, ruleID string) (map[string]any, error) {
	return map[string]any{"inclusion": []any{}, "exclusion": []any{}}, nil
}

func (s *stubAPI) PutRuleset(ctx context.Context, rulesetID string, data map[string]any) (map[string]any, error) {
	return data, nil
}

func (s *stubAPI) PutRule(ctx context.Context, rulesetID, ruleID string, data map[string]any) (map[string]any, error) {
	return data, nil
}

func (s *stubAPI) PostRuleset(ctx context.Context, data map[string]any) (string, map[string]any, error) {
	s.posts++
	return fmt.Sprintf("rs-new-%d", s.posts), data, nil
}

func (s *stubAPI) PostRule(ctx context.Context, rulesetID string, data map[string]any) (string, map[string]any, error) {
	s.posts++
	return fmt.Sprintf("rule-new-%d", s.posts), data, nil
}

func (s *stubAPI) PostTags(ctx context.Context, ruleID string, data map[string]any) (map[string]any, error) {
	return data, nil
}

func (s *stubAPI) DeleteRule(ctx context.Context, rulesetID, ruleID string) error { return nil }

func (s *stubAPI) DeleteRuleset(ctx context.Context, rulesetID string) error { return nil }

func newTestServer(t *testing.T, history *audit.Log) *Server {
	t.Helper()
	stateDir := t.TempDir()
	store := ledger.NewStore(filepath.Join(stateDir, "state.json"))
	reg := engine.NewRegistry(engine.RegistryOptions{
		StateDir: stateDir,
		Store:    store,
		NewAPI:   func(orgID string) engine.API { return &stubAPI{} },
		Lazy:     true,
	})
	return NewServer("127.0.0.1", 8226, testToken, reg, store, history, 1<<20)
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}

func TestHealthzIsPublic(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeResponse(t, rec)["status"]; got != "ok" {
		t.Fatalf("status field = %v", got)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, token := range []string{"", "wrong-token"} {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/plan", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, rec.Code)
		}
		body := decodeResponse(t, rec)
		errObj, _ := body["error"].(map[string]any)
		if errObj == nil || errObj["code"] != "UNAUTHORIZED" {
			t.Fatalf("token %q: error envelope = %v", token, body)
		}
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/plan", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", rec.Code)
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/workspace", testToken, nil)
	if rec.Code != http.StatusOK || decodeResponse(t, rec)["workspace"] != "" {
		t.Fatalf("fresh workspace: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/workspace", testToken, map[string]string{"workspace": "org-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set workspace: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/workspace", testToken, nil)
	if decodeResponse(t, rec)["workspace"] != "org-1" {
		t.Fatalf("workspace did not persist: %s", rec.Body.String())
	}

	rec = doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/workspace", testToken, map[string]string{"workspace": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty workspace: status = %d, want 400", rec.Code)
	}
}

func TestCreateRulesetAndPlan(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/orgs/org-1/rulesets", testToken,
		map[string]any{"name": "via-api", "description": ""})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create ruleset: %d %s", rec.Code, rec.Body.String())
	}
	id, _ := decodeResponse(t, rec)["id"].(string)
	if !strings.HasSuffix(id, "-localonly") {
		t.Fatalf("id = %q, want a locally minted id", id)
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/plan", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("plan: %d", rec.Code)
	}
	body := decodeResponse(t, rec)
	rendered, _ := body["rendered"].(string)
	if !strings.Contains(rendered, "org-1") {
		t.Fatalf("plan rendering misses the dirty org:\n%s", rendered)
	}
}

func TestListReflectsRefresh(t *testing.T) {
	srv := newTestServer(t, nil)

	// First reference to the org runs the initial refresh against the stub.
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/orgs/org-1/list", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeResponse(t, rec)
	rulesets, _ := body["rulesets"].([]any)
	if len(rulesets) != 1 {
		t.Fatalf("rulesets = %v, want the stub's single ruleset", body)
	}
	first, _ := rulesets[0].(map[string]any)
	if first["id"] != "rs-1" || first["name"] != "base" {
		t.Fatalf("ruleset = %v", first)
	}
}

func TestUpdateMissingRulesetIs404(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/orgs/org-1/rulesets/rs-absent", testToken,
		map[string]any{"name": "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	errObj, _ := decodeResponse(t, rec)["error"].(map[string]any)
	if errObj == nil || errObj["code"] != "NOT_FOUND" {
		t.Fatalf("error envelope = %s", rec.Body.String())
	}
}

func TestMalformedBodyIs400(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/workspace", strings.NewReader("not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestOversizeBodyIs413(t *testing.T) {
	stateDir := t.TempDir()
	store := ledger.NewStore(filepath.Join(stateDir, "state.json"))
	reg := engine.NewRegistry(engine.RegistryOptions{
		StateDir: stateDir,
		Store:    store,
		NewAPI:   func(orgID string) engine.API { return &stubAPI{} },
		Lazy:     true,
	})
	srv := NewServer("127.0.0.1", 8226, testToken, reg, store, nil, 64)

	big := map[string]string{"workspace": strings.Repeat("x", 256)}
	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/workspace", testToken, big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	history, err := audit.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer history.Close()
	history.RecordPush("org-1", 1, 5*time.Millisecond, nil)

	srv := newTestServer(t, history)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/history?org_id=org-1", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d %s", rec.Code, rec.Body.String())
	}
	items, _ := decodeResponse(t, rec)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v, want the recorded push", items)
	}

	// Without an audit log the route does not exist.
	bare := newTestServer(t, nil)
	rec = doJSON(t, bare.Handler(), http.MethodGet, "/api/v1/history", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("disabled history: status = %d, want 404", rec.Code)
	}
}

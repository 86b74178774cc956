package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskflow.io/internal/auth"
	"taskflow.io/internal/ratelimit"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *auth.MemoryStore
	tokens  *auth.Service
	t       *testing.T
}

func testRules() RateRules {
	return RateRules{
		Login:   ratelimit.Rule{Limit: 5, Window: 5 * time.Minute, FailMode: ratelimit.FailClosed},
		General: ratelimit.Rule{Limit: 1000, Window: time.Minute, FailMode: ratelimit.FailOpen},
	}
}

func newTestAPI(t *testing.T, rules RateRules) *apiClient {
	t.Helper()

	store := auth.NewMemoryStore()
	tokens, err := auth.NewService(store, strings.Repeat("s", 32))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	keys := auth.NewKeyManager(store.APIKeys())

	api := New(tokens, keys, ratelimit.NewMemoryLimiter(), rules, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		tokens:  tokens,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	return c.do(http.MethodGet, path, nil, headers)
}

// registerAndLogin creates an account, optionally promotes it, and returns
// the token pair.
func (c *apiClient) registerAndLogin(email string, role auth.Role) auth.TokenPair {
	c.t.Helper()

	resp := c.post("/v1/auth/register", map[string]any{
		"email":    email,
		"name":     "Test User",
		"password": "Sup3rsecret",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register status: %d", resp.StatusCode)
	}
	user := decode[auth.User](c.t, resp)

	if role != "" && role != auth.RoleViewer {
		stored, err := c.store.Users().Find(context.Background(), user.ID)
		if err != nil {
			c.t.Fatalf("Find: %v", err)
		}
		stored.Role = role
		if err := c.store.Users().Update(context.Background(), stored); err != nil {
			c.t.Fatalf("Update: %v", err)
		}
	}

	resp = c.post("/v1/auth/login", map[string]any{
		"email":    email,
		"password": "Sup3rsecret",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status: %d", resp.StatusCode)
	}
	return decode[auth.TokenPair](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func bearer(pair auth.TokenPair) map[string]string {
	return map[string]string{"Authorization": "Bearer " + pair.AccessToken}
}

func TestRegisterLoginMeFlow(t *testing.T) {
	api := newTestAPI(t, testRules())
	pair := api.registerAndLogin("dev@example.com", "")

	resp := api.get("/v1/me", bearer(pair))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status: %d", resp.StatusCode)
	}
	me := decode[map[string]any](t, resp)
	if me["role"] != "viewer" {
		t.Fatalf("new accounts must start as viewer, got %v", me["role"])
	}
	if me["method"] != "password" {
		t.Fatalf("unexpected method: %v", me["method"])
	}
	perms, _ := me["permissions"].([]any)
	for _, p := range perms {
		if p == auth.PermTaskWrite {
			t.Fatal("viewer must not hold task.write")
		}
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	api := newTestAPI(t, testRules())
	api.registerAndLogin("dev@example.com", "")

	for _, body := range []map[string]any{
		{"email": "dev@example.com", "password": "wrongpass1"},
		{"email": "nobody@example.com", "password": "wrongpass1"},
	} {
		resp := api.post("/v1/auth/login", body, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		errBody := decode[map[string]any](t, resp)
		msg, _ := errBody["error"].(string)
		if strings.Contains(msg, "not found") || strings.Contains(msg, "password") {
			t.Fatalf("error message leaks detail: %q", msg)
		}
	}
}

func TestProtectedRouteRequiresCredential(t *testing.T) {
	api := newTestAPI(t, testRules())

	resp := api.get("/v1/me", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/me", map[string]string{"Authorization": "Bearer garbage"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
}

func TestRefreshRotationViaEndpoint(t *testing.T) {
	api := newTestAPI(t, testRules())
	pair := api.registerAndLogin("dev@example.com", "")

	resp := api.post("/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status: %d", resp.StatusCode)
	}
	next := decode[auth.TokenPair](t, resp)
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation must issue a new refresh token")
	}

	// The consumed token is dead.
	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed refresh token: expected 401, got %d", resp.StatusCode)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	api := newTestAPI(t, testRules())
	pair := api.registerAndLogin("dev@example.com", "")

	resp := api.post("/v1/auth/logout", map[string]any{"refresh_token": pair.RefreshToken}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status: %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	api := newTestAPI(t, testRules())
	admin := api.registerAndLogin("admin@example.com", auth.RoleAdmin)

	// Viewer cannot issue keys.
	viewer := api.registerAndLogin("viewer@example.com", "")
	resp := api.post("/v1/apikeys", map[string]any{
		"label":       "ci",
		"permissions": []string{auth.PermTaskRead},
	}, bearer(viewer))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer issuing key: expected 403, got %d", resp.StatusCode)
	}

	// Admin issues one.
	resp = api.post("/v1/apikeys", map[string]any{
		"label":       "ci",
		"permissions": []string{auth.PermTaskRead},
	}, bearer(admin))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue key status: %d", resp.StatusCode)
	}
	created := decode[map[string]any](t, resp)
	raw, _ := created["key"].(string)
	if !strings.HasPrefix(raw, "tf_") {
		t.Fatalf("raw key missing prefix: %q", raw)
	}
	record, _ := created["api_key"].(map[string]any)
	keyID, _ := record["id"].(string)
	if keyID == "" {
		t.Fatal("response missing key record id")
	}

	// The key authenticates with its granted permissions only.
	resp = api.get("/v1/me", map[string]string{"X-API-Key": raw})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d", resp.StatusCode)
	}
	me := decode[map[string]any](t, resp)
	if me["method"] != "api_key" {
		t.Fatalf("unexpected method: %v", me["method"])
	}
	if me["role"] != nil && me["role"] != "" {
		t.Fatalf("api key principal must carry no role, got %v", me["role"])
	}

	// A key never passes role-based requirements, even on an admin route.
	resp = api.post("/v1/apikeys", map[string]any{
		"label":       "escalate",
		"permissions": []string{auth.PermTaskRead},
	}, map[string]string{"X-API-Key": raw})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("key without apikey.manage: expected 403, got %d", resp.StatusCode)
	}

	// Revoke, then the key is rejected.
	resp = api.do(http.MethodDelete, "/v1/apikeys/"+keyID, nil, bearer(admin))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status: %d", resp.StatusCode)
	}
	resp = api.get("/v1/me", map[string]string{"X-API-Key": raw})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key: expected 401, got %d", resp.StatusCode)
	}
}

func TestRoleChangeEndpoint(t *testing.T) {
	api := newTestAPI(t, testRules())
	admin := api.registerAndLogin("admin@example.com", auth.RoleAdmin)
	dev := api.registerAndLogin("dev@example.com", "")

	user, err := api.store.Users().FindByEmail(context.Background(), "dev@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}

	resp := api.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "developer"}, bearer(admin))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("role change status: %d", resp.StatusCode)
	}

	// The target's refresh tokens are revoked by the change.
	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": dev.RefreshToken}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after role change, got %d", resp.StatusCode)
	}

	// Non-admins cannot reach the route at all.
	viewer := api.registerAndLogin("viewer@example.com", "")
	resp = api.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "admin"}, bearer(viewer))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	api := newTestAPI(t, testRules())

	body := map[string]any{"email": "ghost@example.com", "password": "wrongpass1"}
	var last *http.Response
	for i := 0; i < 5; i++ {
		last = api.post("/v1/auth/login", body, nil)
		last.Body.Close()
		if last.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, last.StatusCode)
		}
	}
	if last.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining after 5 attempts: %s", last.Header.Get("X-RateLimit-Remaining"))
	}

	resp := api.post("/v1/auth/login", body, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("6th attempt: expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	if resp.Header.Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("limit header: %s", resp.Header.Get("X-RateLimit-Limit"))
	}
}

func TestGeneralLimitIsPerAuthenticatedCaller(t *testing.T) {
	rules := testRules()
	rules.General = ratelimit.Rule{Limit: 2, Window: time.Minute, FailMode: ratelimit.FailOpen}
	api := newTestAPI(t, rules)

	alice := api.registerAndLogin("alice@example.com", "")
	bob := api.registerAndLogin("bob@example.com", "")

	aliceHeaders := map[string]string{"Authorization": "Bearer " + alice.AccessToken}
	for i := 0; i < 2; i++ {
		resp := api.get("/v1/me", aliceHeaders)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("alice request %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}
	resp := api.get("/v1/me", aliceHeaders)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("alice over budget: expected 429, got %d", resp.StatusCode)
	}

	// Bob shares alice's client IP but must get his own budget.
	resp = api.get("/v1/me", map[string]string{"Authorization": "Bearer " + bob.AccessToken})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bob first request: expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("bob remaining: %s", resp.Header.Get("X-RateLimit-Remaining"))
	}
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t, testRules())

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := api.get(path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status: %d", path, resp.StatusCode)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t, testRules())

	resp := api.get("/v1/auth/login", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("missing Allow header, got %q", resp.Header.Get("Allow"))
	}
}

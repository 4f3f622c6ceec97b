package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"aegis.org/internal/admission"
	"aegis.org/internal/auth"
	"aegis.org/internal/keys"
	"aegis.org/internal/stream"
)

const testPassword = "correct-horse-battery"

type testEnv struct {
	t       *testing.T
	srv     *httptest.Server
	store   *auth.MemoryStore
	keys    *keys.Custodian
	rbac    *auth.RBACService
	adminID string
	userID  string
}

type envOptions struct {
	rules   []admission.Rule
	bypass  string
	cleanup bool
	events  *stream.Stream
}

func newTestEnv(t *testing.T, eo envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := auth.NewMemoryStore()
	custodian, err := keys.New(keys.WithKeyBits(1024), keys.WithGrace(20*time.Minute))
	if err != nil {
		t.Fatalf("keys.New: %v", err)
	}
	if err := custodian.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	issuer, err := auth.NewIssuer(custodian, store, store, auth.WithAccessTTL(5*time.Minute))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	authn, err := auth.NewAuthenticator(store)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	resolver, err := auth.NewResolver(store, store)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	rbac, err := auth.NewRBACService(store, store)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}

	admin, err := authn.Register(ctx, "root", "root@example.com", testPassword)
	if err != nil {
		t.Fatalf("Register admin: %v", err)
	}
	user, err := authn.Register(ctx, "bob", "bob@example.com", testPassword)
	if err != nil {
		t.Fatalf("Register bob: %v", err)
	}
	role, err := rbac.Apply(ctx, &auth.CreateRole{Name: "admin"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := rbac.Apply(ctx, &auth.SetRolePermissions{RoleID: role.Role.ID, Actions: auth.BuiltinActions}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if _, err := rbac.Apply(ctx, &auth.GrantRole{UserID: admin.ID, RoleID: role.Role.ID}); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}

	deps := Deps{
		Issuer:        issuer,
		Authenticator: authn,
		Resolver:      resolver,
		RBAC:          rbac,
		Keys:          custodian,
		Events:        eo.events,
	}
	if len(eo.rules) > 0 {
		rules, err := admission.NewMemoryRules(eo.rules...)
		if err != nil {
			t.Fatalf("NewMemoryRules: %v", err)
		}
		if eo.bypass != "" {
			if err := rules.AddBypassToken(eo.bypass, "", nil, "test"); err != nil {
				t.Fatalf("AddBypassToken: %v", err)
			}
		}
		fixed := time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)
		ctrl, err := admission.NewController(rules, admission.NewMemoryCounter(),
			admission.WithClock(func() time.Time { return fixed }))
		if err != nil {
			t.Fatalf("NewController: %v", err)
		}
		deps.Admission = ctrl
	}

	api, err := New(deps, WithSecureCookies(false, ""), WithSessionCleanup(eo.cleanup), WithVersion("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv, store: store, keys: custodian, rbac: rbac, adminID: admin.ID, userID: user.ID}
}

// client is a cookie-carrying browser session.
type client struct {
	env  *testEnv
	http *http.Client
	csrf string
}

func (e *testEnv) client() *client {
	jar, err := cookiejar.New(nil)
	if err != nil {
		e.t.Fatalf("cookiejar: %v", err)
	}
	return &client{env: e, http: &http.Client{Jar: jar}}
}

func (c *client) do(method, path string, body any, headers map[string]string) *http.Response {
	c.env.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			c.env.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.env.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		c.env.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrf != "" {
		req.Header.Set(headerCSRFToken, c.csrf)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.env.t.Fatalf("do request: %v", err)
	}
	c.env.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (c *client) login(username string) sessionResponse {
	c.env.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", map[string]any{"identifier": username, "password": testPassword}, nil)
	if resp.StatusCode != http.StatusOK {
		c.env.t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
	var out sessionResponse
	decode(c.env.t, resp, &out)
	c.csrf = out.CSRFToken
	return out
}

func (c *client) cookie(name string) string {
	u, _ := url.Parse(c.env.srv.URL)
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestLoginSetsSessionCookies(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.client()
	out := c.login("root")

	if out.User.ID != env.adminID || out.TokenType != "Bearer" || out.ExpiresIn != 300 {
		t.Fatalf("unexpected session response %+v", out)
	}
	if c.cookie(cookieAccess) == "" || c.cookie(cookieRefresh) == "" || c.cookie(cookieCSRF) != out.CSRFToken {
		t.Fatal("expected access, refresh and csrf cookies")
	}

	resp := c.do(http.MethodGet, "/v1/auth/me", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d", resp.StatusCode)
	}
	var me meResponse
	decode(t, resp, &me)
	if me.ID != env.adminID || me.Username != "root" || len(me.Actions) != len(auth.BuiltinActions) {
		t.Fatalf("unexpected me %+v", me)
	}
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.client()
	for _, body := range []map[string]any{
		{"identifier": "root", "password": "wrong-password"},
		{"identifier": "nobody", "password": testPassword},
	} {
		resp := c.do(http.MethodPost, "/v1/auth/login", body, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		var out map[string]any
		decode(t, resp, &out)
		if out["error"] != "unauthorized" {
			t.Fatalf("expected generic error, got %v", out["error"])
		}
	}
}

func TestBearerAuthentication(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	out := env.client().login("bob")

	anon := &client{env: env, http: env.srv.Client()}
	resp := anon.do(http.MethodGet, "/v1/auth/me", nil, map[string]string{"Authorization": "Bearer " + out.AccessToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", resp.StatusCode)
	}
	resp = anon.do(http.MethodGet, "/v1/auth/me", nil, map[string]string{"Authorization": "Bearer " + out.AccessToken + "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered token, got %d", resp.StatusCode)
	}
	resp = anon.do(http.MethodGet, "/v1/auth/me", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}
}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.client()
	c.login("bob")
	first := c.cookie(cookieRefresh)

	resp := c.do(http.MethodPost, "/v1/auth/refresh", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: status %d", resp.StatusCode)
	}
	var out sessionResponse
	decode(t, resp, &out)
	c.csrf = out.CSRFToken
	second := c.cookie(cookieRefresh)
	if second == "" || second == first {
		t.Fatal("expected a new refresh token")
	}

	// Replaying the first token from another client kills the family.
	thief := &client{env: env, http: env.srv.Client()}
	resp = thief.do(http.MethodPost, "/v1/auth/refresh", map[string]any{"refresh_token": first}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", resp.StatusCode)
	}
	resp = c.do(http.MethodPost, "/v1/auth/refresh", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected family revoked after replay, got %d", resp.StatusCode)
	}
	if c.cookie(cookieRefresh) != "" {
		t.Fatal("expected refresh cookie cleared after failure")
	}
}

func TestCSRFRequiredForCookieSessions(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.client()
	c.login("bob")

	token := c.csrf
	c.csrf = ""
	resp := c.do(http.MethodPost, "/v1/auth/refresh", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf header, got %d", resp.StatusCode)
	}
	resp = c.do(http.MethodPost, "/v1/auth/refresh", nil, map[string]string{headerCSRFToken: "forged"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong csrf header, got %d", resp.StatusCode)
	}
	c.csrf = token
	resp = c.do(http.MethodPost, "/v1/auth/refresh", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with csrf header, got %d", resp.StatusCode)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.client()
	c.login("bob")
	refresh := c.cookie(cookieRefresh)

	resp := c.do(http.MethodPost, "/v1/auth/logout", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}
	anon := &client{env: env, http: env.srv.Client()}
	resp = anon.do(http.MethodPost, "/v1/auth/refresh", map[string]any{"refresh_token": refresh}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	laptop, phone := env.client(), env.client()
	laptop.login("bob")
	phone.login("bob")

	resp := laptop.do(http.MethodPost, "/v1/auth/logout-all", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout-all: status %d", resp.StatusCode)
	}
	var out map[string]int64
	decode(t, resp, &out)
	if out["revoked"] != 2 {
		t.Fatalf("expected 2 revoked sessions, got %d", out["revoked"])
	}
	resp = phone.do(http.MethodPost, "/v1/auth/refresh", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected phone session revoked, got %d", resp.StatusCode)
	}
}

func TestRBACManagementRequiresPermission(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	admin, bob := env.client(), env.client()
	admin.login("root")
	bob.login("bob")

	resp := bob.do(http.MethodPost, "/v1/roles", map[string]any{"name": "editor"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for bob, got %d", resp.StatusCode)
	}

	resp = admin.do(http.MethodPost, "/v1/roles", map[string]any{"name": "editor"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create role: status %d", resp.StatusCode)
	}
	var role auth.Role
	decode(t, resp, &role)

	resp = admin.do(http.MethodPut, "/v1/roles/"+role.ID+"/permissions", map[string]any{"actions": []string{"docs.edit"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set permissions: status %d", resp.StatusCode)
	}
	resp = admin.do(http.MethodPost, "/v1/resources", map[string]any{"name": "handbook", "resource_type": "doc"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create resource: status %d", resp.StatusCode)
	}
	var res auth.Resource
	decode(t, resp, &res)

	resp = admin.do(http.MethodPost, "/v1/users/"+env.userID+"/roles", map[string]any{"role_id": role.ID, "resource_id": res.ID}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("grant: status %d", resp.StatusCode)
	}
	resp = admin.do(http.MethodPost, "/v1/users/"+env.userID+"/roles", map[string]any{"role_id": role.ID, "resource_id": res.ID}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate grant, got %d", resp.StatusCode)
	}

	check := func(resourceID string) bool {
		t.Helper()
		resp := bob.do(http.MethodPost, "/v1/authorize", map[string]any{"action": "docs.edit", "resource_id": resourceID}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("authorize: status %d", resp.StatusCode)
		}
		var out authorizeResponse
		decode(t, resp, &out)
		return out.Allowed
	}
	if !check(res.ID) {
		t.Fatal("expected scoped grant to allow on its resource")
	}
	if check("other") {
		t.Fatal("expected scoped grant to deny elsewhere")
	}

	resp = bob.do(http.MethodGet, "/v1/users/"+env.userID+"/roles", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own roles: status %d", resp.StatusCode)
	}
	resp = bob.do(http.MethodGet, "/v1/users/"+env.adminID+"/roles", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 reading other user's roles, got %d", resp.StatusCode)
	}
	resp = admin.do(http.MethodGet, "/v1/users/no-such-user/roles", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user's roles, got %d", resp.StatusCode)
	}

	resp = admin.do(http.MethodDelete, "/v1/users/"+env.userID+"/roles?role_id="+role.ID+"&resource_id="+res.ID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: status %d", resp.StatusCode)
	}
	if check(res.ID) {
		t.Fatal("expected revoke to take effect immediately")
	}
}

func TestRoleValidationErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	admin := env.client()
	admin.login("root")

	resp := admin.do(http.MethodPost, "/v1/roles", map[string]any{"name": "  "}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank name, got %d", resp.StatusCode)
	}
	resp = admin.do(http.MethodPost, "/v1/roles", map[string]any{"name": "x", "bogus": true}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
	resp = admin.do(http.MethodDelete, "/v1/roles/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing role, got %d", resp.StatusCode)
	}
}

func TestAdminKeyRotationKeepsSessionsValid(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	admin := env.client()
	admin.login("root")
	before, _ := env.keys.Active()

	resp := admin.do(http.MethodPost, "/v1/admin/keys/rotate", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("rotate: status %d", resp.StatusCode)
	}
	var rot rotateResponse
	decode(t, resp, &rot)
	if rot.KeyID == before.ID {
		t.Fatal("expected a new key id")
	}

	// The access cookie was signed by the retiring key.
	resp = admin.do(http.MethodGet, "/v1/admin/keys", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list keys: status %d", resp.StatusCode)
	}
	var listed struct {
		Keys []keys.KeyInfo `json:"keys"`
	}
	decode(t, resp, &listed)
	if len(listed.Keys) != 2 {
		t.Fatalf("expected active and retiring keys, got %d", len(listed.Keys))
	}

	resp = admin.do(http.MethodPost, "/v1/admin/keys/"+rot.KeyID+"/revoke", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 revoking active key, got %d", resp.StatusCode)
	}
	resp = admin.do(http.MethodPost, "/v1/admin/keys/"+before.ID+"/revoke", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke retiring key: status %d", resp.StatusCode)
	}
	resp = admin.do(http.MethodGet, "/v1/auth/me", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected token signed by revoked key to fail, got %d", resp.StatusCode)
	}
}

func TestJWKSAndHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.client()

	resp := c.do(http.MethodGet, "/.well-known/jwks.json", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwks: status %d", resp.StatusCode)
	}
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	decode(t, resp, &set)
	active, _ := env.keys.Active()
	if len(set.Keys) != 1 || set.Keys[0]["kid"] != active.ID || set.Keys[0]["alg"] != "RS256" {
		t.Fatalf("unexpected jwks %+v", set.Keys)
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		if resp := c.do(http.MethodGet, path, nil, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
	resp = c.do(http.MethodGet, "/healthz", nil, nil)
	if resp.Header.Get(headerRequestID) == "" || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected request id and security headers")
	}
}

func TestAdmissionRejectsOverQuota(t *testing.T) {
	rule := admission.Rule{
		ID:              "login",
		EndpointPattern: "POST /v1/auth/login",
		MaxRequests:     2,
		Window:          time.Minute,
		Strategy:        admission.StrategyIP,
		Enabled:         true,
	}
	env := newTestEnv(t, envOptions{rules: []admission.Rule{rule}, bypass: "let-me-in"})
	c := env.client()
	body := map[string]any{"identifier": "bob", "password": "nope-nope"}

	for i := 0; i < 2; i++ {
		resp := c.do(http.MethodPost, "/v1/auth/login", body, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("expected limit header, got %q", resp.Header.Get("X-RateLimit-Limit"))
		}
	}
	resp := c.do(http.MethodPost, "/v1/auth/login", body, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	// The fixed clock sits 10s into its minute.
	if got := resp.Header.Get("Retry-After"); got != "50" {
		t.Fatalf("expected Retry-After 50, got %q", got)
	}

	resp = c.do(http.MethodPost, "/v1/auth/login", body, map[string]string{headerBypassToken: "let-me-in"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected bypass to reach the handler, got %d", resp.StatusCode)
	}
	resp = c.do(http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unmatched route should not be limited, got %d", resp.StatusCode)
	}
}

func TestSessionCleanupGate(t *testing.T) {
	disabled := newTestEnv(t, envOptions{})
	admin := disabled.client()
	admin.login("root")
	resp := admin.do(http.MethodPost, "/v1/admin/sessions/cleanup", map[string]any{"username_prefix": "bo"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 when disabled, got %d", resp.StatusCode)
	}

	enabled := newTestEnv(t, envOptions{cleanup: true})
	bob := enabled.client()
	bob.login("bob")
	admin = enabled.client()
	admin.login("root")

	resp = bob.do(http.MethodPost, "/v1/admin/sessions/cleanup", map[string]any{"username_prefix": "bo"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}
	resp = admin.do(http.MethodPost, "/v1/admin/sessions/cleanup", map[string]any{"username_prefix": "bo"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup: status %d", resp.StatusCode)
	}
	var out map[string]int64
	decode(t, resp, &out)
	if out["deleted"] != 1 {
		t.Fatalf("expected 1 deleted session, got %d", out["deleted"])
	}
	resp = bob.do(http.MethodPost, "/v1/auth/refresh", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected bob's session gone, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		t.Fatal("expected JSON error body")
	}
}

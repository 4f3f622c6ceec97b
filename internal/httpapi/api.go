package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"aegis.org/internal/admission"
	"aegis.org/internal/auth"
	"aegis.org/internal/keys"
	"aegis.org/internal/obs"
	"aegis.org/internal/stream"
)

const defaultMaxBodyBytes = 1 << 20

// ReadyProbe reports whether backing services are reachable.
type ReadyProbe func(ctx context.Context) error

// Deps are the services the HTTP layer fronts. Admission and Events are
// optional.
type Deps struct {
	Issuer        *auth.Issuer
	Authenticator *auth.Authenticator
	Resolver      *auth.Resolver
	RBAC          *auth.RBACService
	Keys          *keys.Custodian
	Admission     *admission.Controller
	Events        *stream.Stream
	Ready         ReadyProbe
}

// API is the HTTP surface of the service.
type API struct {
	mux *http.ServeMux
	log *zap.Logger

	issuer    *auth.Issuer
	authn     *auth.Authenticator
	resolver  *auth.Resolver
	rbac      *auth.RBACService
	keys      *keys.Custodian
	admission *admission.Controller
	events    *stream.Stream
	ready     ReadyProbe

	cookies      cookieConfig
	maxBodyBytes int64
	floodBurst   int
	floodPerSec  int
	trustProxy   bool
	allowCleanup bool
	version      string
	now          func() time.Time
	flood        *FloodGuard
}

// Option configures API.
type Option func(*API)

// WithSecureCookies toggles the Secure attribute and sets the cookie domain.
func WithSecureCookies(secure bool, domain string) Option {
	return func(a *API) {
		a.cookies.secure = secure
		a.cookies.domain = domain
	}
}

// WithFloodGuard sets the per-client token bucket. A non-positive rate
// disables it.
func WithFloodGuard(burst, perSecond int) Option {
	return func(a *API) {
		a.floodBurst = burst
		a.floodPerSec = perSecond
	}
}

// WithTrustedProxy makes X-Forwarded-For the source of client addresses.
func WithTrustedProxy(trust bool) Option {
	return func(a *API) { a.trustProxy = trust }
}

// WithSessionCleanup enables the bulk session cleanup endpoint.
func WithSessionCleanup(enabled bool) Option {
	return func(a *API) { a.allowCleanup = enabled }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithClock overrides time.Now for cookie expiry.
func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

// New wires routes. Issuer, Authenticator, Resolver, RBAC and Keys are
// required.
func New(deps Deps, opts ...Option) (*API, error) {
	if deps.Issuer == nil || deps.Authenticator == nil || deps.Resolver == nil || deps.RBAC == nil || deps.Keys == nil {
		return nil, errors.New("httpapi: issuer, authenticator, resolver, rbac and keys are required")
	}
	a := &API{
		mux:          http.NewServeMux(),
		log:          obs.Logger().Named("http"),
		issuer:       deps.Issuer,
		authn:        deps.Authenticator,
		resolver:     deps.Resolver,
		rbac:         deps.RBAC,
		keys:         deps.Keys,
		admission:    deps.Admission,
		events:       deps.Events,
		ready:        deps.Ready,
		cookies:      cookieConfig{secure: true},
		maxBodyBytes: defaultMaxBodyBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.floodPerSec > 0 && a.floodBurst > 0 {
		a.flood = NewFloodGuard(a.floodBurst, a.floodPerSec)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReady)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("GET /.well-known/jwks.json", a.handleJWKS)

	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.Handle("POST /v1/auth/logout-all", a.requireAuth(a.handleLogoutAll))
	a.mux.Handle("GET /v1/auth/me", a.requireAuth(a.handleMe))

	a.mux.Handle("POST /v1/authorize", a.requireAuth(a.handleAuthorize))

	a.mux.Handle("GET /v1/roles", a.requirePermission(auth.PermRBACRead, a.handleListRoles))
	a.mux.Handle("POST /v1/roles", a.requirePermission(auth.PermRBACManage, a.handleCreateRole))
	a.mux.Handle("PATCH /v1/roles/{id}", a.requirePermission(auth.PermRBACManage, a.handleUpdateRole))
	a.mux.Handle("DELETE /v1/roles/{id}", a.requirePermission(auth.PermRBACManage, a.handleDeleteRole))
	a.mux.Handle("GET /v1/roles/{id}/permissions", a.requirePermission(auth.PermRBACRead, a.handleGetRolePermissions))
	a.mux.Handle("PUT /v1/roles/{id}/permissions", a.requirePermission(auth.PermRBACManage, a.handleSetRolePermissions))
	a.mux.Handle("GET /v1/resources", a.requirePermission(auth.PermRBACRead, a.handleListResources))
	a.mux.Handle("POST /v1/resources", a.requirePermission(auth.PermRBACManage, a.handleCreateResource))
	a.mux.Handle("GET /v1/users/{id}/roles", a.requireAuth(a.handleUserRoles))
	a.mux.Handle("POST /v1/users/{id}/roles", a.requirePermission(auth.PermRBACManage, a.handleGrantRole))
	a.mux.Handle("DELETE /v1/users/{id}/roles", a.requirePermission(auth.PermRBACManage, a.handleRevokeRole))

	a.mux.Handle("GET /v1/admin/keys", a.requirePermission(auth.PermKeysRead, a.handleListKeys))
	a.mux.Handle("POST /v1/admin/keys/rotate", a.requirePermission(auth.PermKeysRotate, a.handleRotateKey))
	a.mux.Handle("POST /v1/admin/keys/{kid}/revoke", a.requirePermission(auth.PermKeysRotate, a.handleRevokeKey))
	a.mux.Handle("POST /v1/admin/sessions/cleanup", a.requirePermission(auth.PermSessionsManage, a.handleSessionCleanup))
	a.mux.Handle("GET /v1/admin/audit/stream", a.requirePermission(auth.PermAuditRead, a.handleAuditStream))
}

// Handler returns the routed mux wrapped in the middleware chain. The
// outermost middleware runs first.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withCSRF(h)
	h = a.withAdmission(h)
	h = a.withAuthn(h)
	if a.flood != nil {
		h = a.flood.Middleware(h, a.clientIP)
	}
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = Logging(a.log, a.clientIP)(h)
	return RequestID(h)
}

// Run prunes flood guard buckets until ctx is done.
func (a *API) Run(ctx context.Context) error {
	if a.flood == nil {
		<-ctx.Done()
		return nil
	}
	return a.flood.Run(ctx, time.Minute)
}

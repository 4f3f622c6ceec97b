package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"aegis.org/internal/admission"
	"aegis.org/internal/audit"
	"aegis.org/internal/auth"
	"aegis.org/internal/ids"
)

const (
	headerRequestID   = "X-Request-ID"
	headerBypassToken = "X-Bypass-Token"
	headerCSRFToken   = "X-CSRF-Token"
	authHeader        = "Authorization"
	bearer            = "Bearer "
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	authErrKey   ctxKey = "authn_error"
)

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestID assigns every request an identifier, reusing a sane inbound
// X-Request-ID, and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(headerRequestID))
		if rid == "" || len(rid) > 64 || strings.ContainsAny(rid, " \t\r\n") {
			rid = ids.New()
		}
		w.Header().Set(headerRequestID, rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		ctx = audit.WithRequestID(ctx, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the identifier set by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logging emits one http_request entry per request, leveled by status class.
func Logging(log *zap.Logger, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			fields := []zap.Field{
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.code),
				zap.Duration("duration", time.Since(start)),
				zap.String("client_ip", clientIP(r)),
			}
			switch {
			case sw.code >= 500:
				log.Error("http_request", fields...)
			case sw.code >= 400:
				log.Warn("http_request", fields...)
			default:
				log.Info("http_request", fields...)
			}
		})
	}
}

// SecurityHeaders sets hardening headers for a JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes limits request body size.
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// FloodGuard is a per-client token bucket in front of admission control.
// It protects the process itself and is not configurable per endpoint.
type FloodGuard struct {
	mu      sync.Mutex
	buckets map[string]*floodBucket
	burst   int
	limit   rate.Limit
	idle    time.Duration
}

type floodBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewFloodGuard(burst, perSecond int) *FloodGuard {
	return &FloodGuard{
		buckets: make(map[string]*floodBucket),
		burst:   burst,
		limit:   rate.Limit(perSecond),
		idle:    5 * time.Minute,
	}
}

// Allow consumes one token from key's bucket.
func (g *FloodGuard) Allow(key string) bool {
	g.mu.Lock()
	b, ok := g.buckets[key]
	if !ok {
		b = &floodBucket{lim: rate.NewLimiter(g.limit, g.burst)}
		g.buckets[key] = b
	}
	b.seen = time.Now()
	g.mu.Unlock()
	return b.lim.Allow()
}

// Sweep drops buckets idle since before cutoff and returns how many.
func (g *FloodGuard) Sweep(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, b := range g.buckets {
		if b.seen.Before(cutoff) {
			delete(g.buckets, k)
			n++
		}
	}
	return n
}

// Run sweeps idle buckets every interval until ctx is done.
func (g *FloodGuard) Run(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			g.Sweep(now.Add(-g.idle))
		}
	}
}

// Middleware rejects clients that exhausted their bucket.
func (g *FloodGuard) Middleware(next http.Handler, clientIP func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		if !g.Allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuthn verifies a bearer header or access_token cookie when present.
// Failures are recorded for requireAuth; public routes still proceed.
func (a *API) withAuthn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := accessTokenFrom(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		claims, err := a.issuer.VerifyAccess(token)
		if err != nil {
			ctx = context.WithValue(ctx, authErrKey, err)
		} else {
			ctx = auth.ContextWithClaims(ctx, claims)
			ctx = audit.WithActor(ctx, claims.Subject)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessTokenFrom(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		if len(header) > len(bearer) && strings.EqualFold(header[:len(bearer)], bearer) {
			return strings.TrimSpace(header[len(bearer):])
		}
		return ""
	}
	if c, err := r.Cookie(cookieAccess); err == nil {
		return c.Value
	}
	return ""
}

func (a *API) requireAuth(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.ClaimsFromContext(r.Context()); ok {
			fn(w, r)
			return
		}
		if err, ok := r.Context().Value(authErrKey).(error); ok && errors.Is(err, auth.ErrKeyUnavailable) {
			a.handleError(w, r, err)
			return
		}
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	})
}

// requirePermission checks action against the caller's global roles.
func (a *API) requirePermission(action string, fn http.HandlerFunc) http.Handler {
	return a.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.ClaimsFromContext(r.Context())
		if err := a.resolver.Require(r.Context(), claims.Subject, action, ""); err != nil {
			a.handleError(w, r, err)
			return
		}
		fn(w, r)
	})
}

// withAdmission applies the configured rate limit rules.
func (a *API) withAdmission(next http.Handler) http.Handler {
	if a.admission == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := admission.Request{
			Method:      r.Method,
			Endpoint:    r.URL.Path,
			ClientIP:    a.clientIP(r),
			BypassToken: r.Header.Get(headerBypassToken),
		}
		if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
			req.SubjectID = claims.Subject
		}
		dec, err := a.admission.Check(r.Context(), req)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		if dec.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
		}
		if err := dec.Err(); err != nil {
			a.handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCSRF enforces the double-submit token on unsafe requests that carry
// session cookies. Bearer requests and login are exempt.
func (a *API) withCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/v1/auth/login" || r.Header.Get(authHeader) != "" || !hasSessionCookie(r) {
			next.ServeHTTP(w, r)
			return
		}
		cookie, err := r.Cookie(cookieCSRF)
		header := r.Header.Get(headerCSRFToken)
		if err != nil || cookie.Value == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			writeError(w, r, http.StatusForbidden, "csrf token mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasSessionCookie(r *http.Request) bool {
	for _, name := range []string{cookieAccess, cookieRefresh} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return true
		}
	}
	return false
}

// clientIP uses the first X-Forwarded-For hop only behind a trusted proxy.
func (a *API) clientIP(r *http.Request) string {
	if a.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

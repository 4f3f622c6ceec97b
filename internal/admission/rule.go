package admission

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("admission: not found")
	ErrInvalidRule = errors.New("admission: invalid rule")
	ErrRateLimited = errors.New("admission: rate limited")
)

// Strategy selects what a rule counts against.
type Strategy string

const (
	StrategyIP     Strategy = "ip"
	StrategyUser   Strategy = "user"
	StrategyGlobal Strategy = "global"
)

// ParseStrategy accepts the strategy names case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyIP, StrategyUser, StrategyGlobal:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidRule, s)
	}
}

// Rule limits requests to endpoints matching EndpointPattern to MaxRequests
// per fixed Window.
//
// Patterns are an exact path, a path.Match glob ("/v1/roles/*"), a subtree
// ("/v1/auth/**" matches /v1/auth and everything below it) or "*" for every
// endpoint. A pattern may start with an HTTP method ("POST /v1/auth/login").
type Rule struct {
	ID              string        `json:"id"`
	EndpointPattern string        `json:"endpoint_pattern"`
	MaxRequests     int64         `json:"max_requests"`
	Window          time.Duration `json:"window"`
	Strategy        Strategy      `json:"strategy"`
	Enabled         bool          `json:"enabled"`
}

// Validate checks the rule fields.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if strings.ContainsAny(r.ID, ": ") {
		return fmt.Errorf("%w: id %q must not contain ':' or spaces", ErrInvalidRule, r.ID)
	}
	if strings.TrimSpace(r.EndpointPattern) == "" {
		return fmt.Errorf("%w: endpoint pattern is required", ErrInvalidRule)
	}
	if _, p := splitPattern(r.EndpointPattern); p != "*" && !strings.HasSuffix(p, "/**") {
		if _, err := path.Match(p, "/"); err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, r.EndpointPattern, err)
		}
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("%w: max_requests must be positive", ErrInvalidRule)
	}
	if r.Window < time.Second {
		return fmt.Errorf("%w: window must be at least one second", ErrInvalidRule)
	}
	if _, err := ParseStrategy(string(r.Strategy)); err != nil {
		return err
	}
	return nil
}

// Matches reports whether the rule applies to method and endpoint.
func (r Rule) Matches(method, endpoint string) bool {
	wantMethod, pattern := splitPattern(r.EndpointPattern)
	if wantMethod != "" && !strings.EqualFold(wantMethod, method) {
		return false
	}
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "/**"):
		base := strings.TrimSuffix(pattern, "/**")
		return endpoint == base || strings.HasPrefix(endpoint, base+"/")
	case strings.ContainsAny(pattern, "*?["):
		ok, err := path.Match(pattern, endpoint)
		return err == nil && ok
	default:
		return pattern == endpoint
	}
}

func splitPattern(p string) (method, pattern string) {
	p = strings.TrimSpace(p)
	if m, rest, ok := strings.Cut(p, " "); ok {
		return strings.ToUpper(m), strings.TrimSpace(rest)
	}
	return "", p
}

// BypassToken exempts its bearer from rules of Scope. An empty Scope covers
// every strategy. A nil ExpiresAt never expires.
type BypassToken struct {
	TokenHash string     `json:"-"`
	Scope     Strategy   `json:"scope,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Label     string     `json:"label,omitempty"`
}

// ValidAt reports whether the token is still usable at now.
func (b BypassToken) ValidAt(now time.Time) bool {
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

// Covers reports whether the token exempts rules using s.
func (b BypassToken) Covers(s Strategy) bool {
	return b.Scope == "" || b.Scope == s
}

// RateLimitedError is returned for rejected requests.
type RateLimitedError struct {
	RetryAfter time.Duration
	RuleID     string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("admission: rate limited by rule %s, retry after %s", e.RuleID, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

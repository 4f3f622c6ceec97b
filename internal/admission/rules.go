package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aegis.org/internal/ids"
)

var _ RuleSource = (*MemoryRules)(nil)

// MemoryRules is an in-process RuleSource.
type MemoryRules struct {
	mu     sync.RWMutex
	rules  map[string]Rule
	tokens map[string]BypassToken
}

func NewMemoryRules(rules ...Rule) (*MemoryRules, error) {
	m := &MemoryRules{
		rules:  make(map[string]Rule),
		tokens: make(map[string]BypassToken),
	}
	for _, r := range rules {
		if err := m.PutRule(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// PutRule inserts or replaces a rule.
func (m *MemoryRules) PutRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.rules[r.ID] = r
	m.mu.Unlock()
	return nil
}

// AddBypassToken registers raw as a bypass credential.
func (m *MemoryRules) AddBypassToken(raw string, scope Strategy, expiresAt *time.Time, label string) error {
	if raw == "" {
		return fmt.Errorf("%w: bypass token is empty", ErrInvalidRule)
	}
	if scope != "" {
		if _, err := ParseStrategy(string(scope)); err != nil {
			return err
		}
	}
	tok := BypassToken{TokenHash: ids.Digest(raw), Scope: scope, ExpiresAt: expiresAt, Label: label}
	m.mu.Lock()
	m.tokens[tok.TokenHash] = tok
	m.mu.Unlock()
	return nil
}

// EnabledRules implements RuleSource, ordered by id.
func (m *MemoryRules) EnabledRules(_ context.Context) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindBypassToken implements RuleSource.
func (m *MemoryRules) FindBypassToken(_ context.Context, tokenHash string) (*BypassToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	return &tok, nil
}

// DefaultRules protects the credential endpoints when no rules are stored.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "auth-login-ip", EndpointPattern: "POST /v1/auth/login", MaxRequests: 10, Window: time.Minute, Strategy: StrategyIP, Enabled: true},
		{ID: "auth-refresh-ip", EndpointPattern: "POST /v1/auth/refresh", MaxRequests: 30, Window: time.Minute, Strategy: StrategyIP, Enabled: true},
		{ID: "api-user", EndpointPattern: "/v1/**", MaxRequests: 600, Window: time.Minute, Strategy: StrategyUser, Enabled: true},
	}
}

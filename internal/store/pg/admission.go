package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aegis.org/internal/admission"
)

var _ admission.RuleSource = (*Store)(nil)

func (s *Store) EnabledRules(ctx context.Context) ([]admission.Rule, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, endpoint_pattern, max_requests, window_seconds, strategy, enabled
		from rate_limit_rules
		where enabled
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []admission.Rule
	for rows.Next() {
		var (
			r        admission.Rule
			seconds  int64
			strategy string
		)
		if err := rows.Scan(&r.ID, &r.EndpointPattern, &r.MaxRequests, &seconds, &strategy, &r.Enabled); err != nil {
			return nil, err
		}
		r.Window = time.Duration(seconds) * time.Second
		if r.Strategy, err = admission.ParseStrategy(strategy); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FindBypassToken(ctx context.Context, tokenHash string) (*admission.BypassToken, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		tok     admission.BypassToken
		scope   sql.NullString
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select token_hash, scope, expires_at, label from bypass_tokens where token_hash = $1
	`, tokenHash).Scan(&tok.TokenHash, &scope, &expires, &tok.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, admission.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if scope.Valid {
		tok.Scope = admission.Strategy(scope.String)
	}
	if expires.Valid {
		t := expires.Time
		tok.ExpiresAt = &t
	}
	return &tok, nil
}

// UpsertRule inserts or replaces a rule after validating it.
func (s *Store) UpsertRule(ctx context.Context, r admission.Rule) error {
	if s.db == nil {
		return errNoDB
	}
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into rate_limit_rules (id, endpoint_pattern, max_requests, window_seconds, strategy, enabled)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (id) do update set
			endpoint_pattern = excluded.endpoint_pattern,
			max_requests = excluded.max_requests,
			window_seconds = excluded.window_seconds,
			strategy = excluded.strategy,
			enabled = excluded.enabled
	`, r.ID, r.EndpointPattern, r.MaxRequests, int64(r.Window/time.Second), string(r.Strategy), r.Enabled)
	return err
}

// CreateBypassToken stores the digest of a bypass credential.
func (s *Store) CreateBypassToken(ctx context.Context, tok admission.BypassToken) error {
	if s.db == nil {
		return errNoDB
	}
	if tok.TokenHash == "" {
		return fmt.Errorf("%w: bypass token hash is empty", admission.ErrInvalidRule)
	}
	var expires sql.NullTime
	if tok.ExpiresAt != nil {
		expires = sql.NullTime{Time: *tok.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into bypass_tokens (token_hash, scope, expires_at, label)
		values ($1, $2, $3, $4)
	`, tok.TokenHash, nullIfEmpty(string(tok.Scope)), expires, tok.Label)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: bypass token already registered", admission.ErrInvalidRule)
	}
	return err
}

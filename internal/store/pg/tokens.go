package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aegis.org/internal/auth"
	"aegis.org/internal/ids"
)

var _ auth.RefreshTokenStore = (*Store)(nil)

func (s *Store) CreateRefreshToken(ctx context.Context, tok *auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	return insertRefreshToken(ctx, s.db, tok)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, db execer, tok *auth.RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens (id, subject_id, family_id, token_hash, persistent, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.ID, tok.SubjectID, tok.FamilyID, tok.TokenHash, tok.Persistent, tok.IssuedAt, tok.ExpiresAt)
	return mapWriteError(err, "refresh token")
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var t auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, subject_id, family_id, token_hash, persistent, issued_at, expires_at, used, revoked
		from refresh_tokens
		where token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.SubjectID, &t.FamilyID, &t.TokenHash, &t.Persistent,
		&t.IssuedAt, &t.ExpiresAt, &t.Used, &t.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ConsumeRefreshToken flips used with a guarded update so that concurrent
// callers serialize on the row lock and only one observes a changed row.
func (s *Store) ConsumeRefreshToken(ctx context.Context, id string, next *auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens set used = true
		where id = $1 and used = false and revoked = false
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var used, revoked bool
		err := tx.QueryRowContext(ctx, `select used, revoked from refresh_tokens where id = $1`, id).Scan(&used, &revoked)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: refresh token %s", auth.ErrNotFound, id)
		case err != nil:
			return err
		case used:
			return auth.ErrTokenReused
		default:
			return auth.ErrTokenExpired
		}
	}
	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return s.execCount(ctx, `
		update refresh_tokens set revoked = true where family_id = $1 and revoked = false
	`, familyID)
}

func (s *Store) RevokeSubject(ctx context.Context, subjectID string) (int64, error) {
	return s.execCount(ctx, `
		update refresh_tokens set revoked = true where subject_id = $1 and revoked = false
	`, subjectID)
}

func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, `delete from refresh_tokens where expires_at <= $1`, before)
}

func (s *Store) DeleteSessionsByUsernamePrefix(ctx context.Context, prefix string) (int64, error) {
	return s.execCount(ctx, `
		delete from refresh_tokens
		where subject_id in (select id from users where username like $1 escape '\')
	`, escapeLike(prefix)+"%")
}

func (s *Store) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

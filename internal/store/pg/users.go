package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"aegis.org/internal/auth"
	"aegis.org/internal/ids"
)

var _ auth.UserStore = (*Store)(nil)

const userColumns = `id, username, email, password_hash, status, last_login_at,
	coalesce(last_login_ip, ''), coalesce(last_user_agent, ''), created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		u         auth.User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Status, &lastLogin,
		&u.LastLoginIP, &u.LastUserAgent, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, username, email, password_hash, status)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, u.ID, u.Username, strings.ToLower(u.Email), u.PasswordHash, u.Status).Scan(&u.CreatedAt, &u.UpdatedAt)
	return mapWriteError(err, "user")
}

func (s *Store) FindUser(ctx context.Context, id string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) FindUserByLogin(ctx context.Context, login string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where lower(username) = lower($1) or lower(email) = lower($1)
		order by created_at
		limit 1
	`, login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) RecordLogin(ctx context.Context, userID string, meta auth.LoginMeta) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set last_login_at = $2, last_login_ip = $3, last_user_agent = $4, updated_at = now()
		where id = $1
	`, userID, meta.At, nullIfEmpty(meta.IP), nullIfEmpty(meta.UserAgent))
	if err != nil {
		return err
	}
	return expectOneRow(res, auth.ErrNotFound)
}

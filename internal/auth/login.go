package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"aegis.org/internal/obs"
)

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// dummyPasswordHash is compared against when the login identifier is unknown
// so both failure paths take similar time.
func dummyPasswordHash() string {
	dummyHashOnce.Do(func() {
		h, err := HashPassword("aegis-dummy-password")
		if err == nil {
			dummyHash = h
		}
	})
	return dummyHash
}

// Authenticator checks login credentials.
type Authenticator struct {
	users UserStore
	now   func() time.Time
}

func NewAuthenticator(users UserStore) (*Authenticator, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	return &Authenticator{users: users, now: time.Now}, nil
}

// Login resolves identifier (username or email) and verifies password.
// Unknown identifiers, wrong passwords and disabled accounts all yield
// ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, identifier, password string, meta LoginMeta) (*User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := a.users.FindUserByLogin(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		_ = VerifyPassword(dummyPasswordHash(), password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Status != UserStatusActive {
		return nil, ErrInvalidCredentials
	}
	if meta.At.IsZero() {
		meta.At = a.now().UTC()
	}
	if err := a.users.RecordLogin(ctx, user.ID, meta); err != nil {
		// Login metadata is informational; the credential check already passed.
		obs.Logger().Warn("record login failed", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		at := meta.At
		user.LastLoginAt = &at
		user.LastLoginIP = meta.IP
		user.LastUserAgent = meta.UserAgent
	}
	return user, nil
}

// Register creates an active user with a bcrypt password hash.
func (a *Authenticator) Register(ctx context.Context, username, email, password string) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Status:       UserStatusActive,
	}
	if err := a.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

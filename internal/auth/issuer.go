package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"aegis.org/internal/audit"
	"aegis.org/internal/ids"
	"aegis.org/internal/keys"
	"aegis.org/internal/obs"
)

const (
	defaultIssuerName           = "aegis"
	defaultAccessTTL            = 15 * time.Minute
	defaultRefreshTTL           = 24 * time.Hour
	defaultPersistentRefreshTTL = 30 * 24 * time.Hour
	refreshSecretBytes          = 32
)

// KeySource supplies signing and verification keys.
type KeySource interface {
	Active() (*keys.Key, error)
	Lookup(kid string) (*keys.Key, error)
	Grace() time.Duration
}

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	KeyID    string `json:"kid"`
	jwt.RegisteredClaims
}

// TokenPair is the result of a login or a refresh rotation.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int64
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	FamilyID         string
	Persistent       bool
	Subject          Subject
}

// IssueOptions tune a new session.
type IssueOptions struct {
	// Persistent selects the extended "remember me" refresh lifetime.
	Persistent bool
}

// Issuer issues and verifies access/refresh credential pairs.
type Issuer struct {
	keys   KeySource
	users  UserStore
	tokens RefreshTokenStore

	name                 string
	accessTTL            time.Duration
	refreshTTL           time.Duration
	persistentRefreshTTL time.Duration
	now                  func() time.Time
	log                  *zap.Logger
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer) error

// WithIssuerName sets the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(i *Issuer) error {
		if name = strings.TrimSpace(name); name != "" {
			i.name = name
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures the default and persistent refresh lifetimes.
func WithRefreshTTL(standard, persistent time.Duration) IssuerOption {
	return func(i *Issuer) error {
		if standard > 0 {
			i.refreshTTL = standard
		}
		if persistent > 0 {
			i.persistentRefreshTTL = persistent
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) IssuerOption {
	return func(i *Issuer) error {
		if l != nil {
			i.log = l
		}
		return nil
	}
}

// NewIssuer constructs an Issuer. The key grace window must cover the access
// token lifetime so no valid token outlives its verification key.
func NewIssuer(ks KeySource, users UserStore, tokens RefreshTokenStore, opts ...IssuerOption) (*Issuer, error) {
	if ks == nil || users == nil || tokens == nil {
		return nil, errors.New("auth: key source, user store and token store are required")
	}
	i := &Issuer{
		keys:                 ks,
		users:                users,
		tokens:               tokens,
		name:                 defaultIssuerName,
		accessTTL:            defaultAccessTTL,
		refreshTTL:           defaultRefreshTTL,
		persistentRefreshTTL: defaultPersistentRefreshTTL,
		now:                  time.Now,
		log:                  obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	if ks.Grace() < i.accessTTL {
		return nil, fmt.Errorf("auth: key grace %s shorter than access ttl %s", ks.Grace(), i.accessTTL)
	}
	if i.persistentRefreshTTL < i.refreshTTL {
		i.persistentRefreshTTL = i.refreshTTL
	}
	i.log = i.log.Named("issuer")
	return i, nil
}

// AccessTTL returns the access token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// Issue starts a new session for subject with a fresh refresh family.
func (i *Issuer) Issue(ctx context.Context, subject Subject, opts IssueOptions) (TokenPair, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Issue")
	defer span.End()
	span.SetAttributes(attribute.String("subject.id", subject.ID))

	if strings.TrimSpace(subject.ID) == "" {
		return TokenPair{}, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	now := i.now()
	pair, err := i.signAccess(subject, now)
	if err != nil {
		return TokenPair{}, err
	}
	raw, rec, err := i.newRefresh(subject.ID, ids.New(), opts.Persistent, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := i.tokens.CreateRefreshToken(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	pair.withRefresh(raw, rec)
	obs.TokenIssued("login")
	return pair, nil
}

// VerifyAccess validates an access token. Tokens naming a key outside the
// custodian's verification set fail with ErrTokenInvalidSignature.
func (i *Issuer) VerifyAccess(raw string) (*AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenInvalidSignature
	}
	var kid string
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		key, err := i.keys.Lookup(kid)
		if err != nil {
			return nil, err
		}
		return key.Public, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(i.name),
	)
	switch {
	case err == nil:
	case errors.Is(err, keys.ErrKeyUnavailable):
		return nil, ErrKeyUnavailable
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalidSignature, err)
	}
	if claims.Subject == "" || claims.KeyID != kid {
		return nil, ErrTokenInvalidSignature
	}
	return claims, nil
}

// RotateRefresh exchanges a refresh token for a new pair in the same family.
//
// Checks run in this order: unknown token, then used (replay: the whole
// family is revoked and ErrTokenReused returned), then revoked or past
// expiry (ErrTokenExpired). The mark-used step is a store-level
// compare-and-swap so concurrent rotations of one token have one winner.
func (i *Issuer) RotateRefresh(ctx context.Context, raw string) (TokenPair, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.RotateRefresh")
	defer span.End()

	pair, err := i.rotate(ctx, raw)
	switch {
	case err == nil:
		obs.RefreshRotation("ok")
		obs.TokenIssued("refresh")
	case errors.Is(err, ErrTokenReused):
		obs.RefreshRotation("reused")
	case errors.Is(err, ErrTokenExpired):
		obs.RefreshRotation("expired")
	default:
		obs.RefreshRotation("error")
		span.RecordError(err)
	}
	return pair, err
}

func (i *Issuer) rotate(ctx context.Context, raw string) (TokenPair, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TokenPair{}, ErrTokenExpired
	}
	rec, err := i.tokens.FindRefreshToken(ctx, ids.Digest(raw))
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrTokenExpired
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("find refresh token: %w", err)
	}
	now := i.now()
	if rec.Expired(now) {
		return TokenPair{}, ErrTokenExpired
	}
	if rec.Used {
		return TokenPair{}, i.replayDetected(ctx, rec)
	}
	if rec.Revoked {
		return TokenPair{}, ErrTokenExpired
	}

	user, err := i.users.FindUser(ctx, rec.SubjectID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrUserNotFound
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("load subject: %w", err)
	}
	if user.Status != UserStatusActive {
		if _, err := i.tokens.RevokeFamily(ctx, rec.FamilyID); err != nil {
			return TokenPair{}, fmt.Errorf("revoke family: %w", err)
		}
		return TokenPair{}, ErrInvalidCredentials
	}

	// Signing has no side effects, so it runs before the token is consumed.
	pair, err := i.signAccess(user.Subject(), now)
	if err != nil {
		return TokenPair{}, err
	}
	nextRaw, next, err := i.newRefresh(rec.SubjectID, rec.FamilyID, rec.Persistent, now)
	if err != nil {
		return TokenPair{}, err
	}
	switch err := i.tokens.ConsumeRefreshToken(ctx, rec.ID, next); {
	case errors.Is(err, ErrTokenReused):
		return TokenPair{}, i.replayDetected(ctx, rec)
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrNotFound):
		return TokenPair{}, ErrTokenExpired
	case err != nil:
		return TokenPair{}, fmt.Errorf("consume refresh token: %w", err)
	}
	pair.withRefresh(nextRaw, next)
	return pair, nil
}

func (i *Issuer) replayDetected(ctx context.Context, rec *RefreshToken) error {
	n, err := i.tokens.RevokeFamily(ctx, rec.FamilyID)
	if err != nil {
		return fmt.Errorf("revoke family after reuse: %w", err)
	}
	i.log.Warn("refresh token reuse detected",
		zap.String("family_id", rec.FamilyID),
		zap.String("subject_id", rec.SubjectID),
		zap.Int64("revoked", n),
	)
	_ = audit.LogEvent(ctx, "auth.refresh.reuse_detected", map[string]any{
		"family_id":  rec.FamilyID,
		"subject_id": rec.SubjectID,
	})
	return ErrTokenReused
}

// RevokeSession revokes every token of one login session.
func (i *Issuer) RevokeSession(ctx context.Context, familyID string) error {
	if strings.TrimSpace(familyID) == "" {
		return fmt.Errorf("%w: family id is required", ErrInvalidInput)
	}
	_, err := i.tokens.RevokeFamily(ctx, familyID)
	return err
}

// RevokeAll revokes every session of a subject.
func (i *Issuer) RevokeAll(ctx context.Context, subjectID string) (int64, error) {
	if strings.TrimSpace(subjectID) == "" {
		return 0, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	return i.tokens.RevokeSubject(ctx, subjectID)
}

// Logout revokes the session a raw refresh token belongs to. Unknown tokens
// are ignored.
func (i *Issuer) Logout(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	rec, err := i.tokens.FindRefreshToken(ctx, ids.Digest(raw))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = i.tokens.RevokeFamily(ctx, rec.FamilyID)
	return err
}

// PurgeExpired deletes refresh tokens that expired before the cutoff.
func (i *Issuer) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	return i.tokens.DeleteExpiredRefreshTokens(ctx, before)
}

// CleanupSessions deletes the refresh tokens of users whose username starts
// with prefix. Callers gate it behind configuration.
func (i *Issuer) CleanupSessions(ctx context.Context, prefix string) (int64, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return 0, fmt.Errorf("%w: username prefix is required", ErrInvalidInput)
	}
	return i.tokens.DeleteSessionsByUsernamePrefix(ctx, prefix)
}

func (i *Issuer) signAccess(subject Subject, now time.Time) (TokenPair, error) {
	key, err := i.keys.Active()
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if key.Private == nil {
		return TokenPair{}, fmt.Errorf("%w: active key %s cannot sign", ErrKeyUnavailable, key.ID)
	}
	exp := now.Add(i.accessTTL)
	claims := AccessClaims{
		Username: subject.Username,
		Email:    subject.Email,
		KeyID:    key.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			Subject:   subject.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign token: %w", err)
	}
	return TokenPair{
		AccessToken:     signed,
		ExpiresIn:       int64(i.accessTTL / time.Second),
		AccessExpiresAt: exp,
		Subject:         subject,
	}, nil
}

func (i *Issuer) newRefresh(subjectID, familyID string, persistent bool, now time.Time) (string, *RefreshToken, error) {
	raw, err := ids.Secret(refreshSecretBytes)
	if err != nil {
		return "", nil, err
	}
	ttl := i.refreshTTL
	if persistent {
		ttl = i.persistentRefreshTTL
	}
	return raw, &RefreshToken{
		ID:         ids.New(),
		SubjectID:  subjectID,
		FamilyID:   familyID,
		TokenHash:  ids.Digest(raw),
		Persistent: persistent,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

func (p *TokenPair) withRefresh(raw string, rec *RefreshToken) {
	p.RefreshToken = raw
	p.RefreshExpiresAt = rec.ExpiresAt
	p.FamilyID = rec.FamilyID
	p.Persistent = rec.Persistent
}

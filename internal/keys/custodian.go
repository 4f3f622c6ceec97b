package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"aegis.org/internal/audit"
	"aegis.org/internal/obs"
)

const (
	defaultGrace   = 30 * time.Minute
	defaultKeyBits = 2048
	minKeyBits     = 1024
	revokedHistory = 8
)

// Store persists key material. Save must leave the previous current key
// untouched when it fails.
type Store interface {
	// Load returns the current key and archived (retired) keys. It returns
	// ErrNoKey when nothing has been stored yet.
	Load(ctx context.Context) (*Key, []*Key, error)
	// Save archives previous, when non-nil, and installs next as current.
	Save(ctx context.Context, next, previous *Key) error
	// Revoke marks an archived key so it is not reloaded as Retiring.
	Revoke(ctx context.Context, key *Key) error
}

// keySet is replaced as a whole; readers never see a partial update.
type keySet struct {
	active   *Key
	retiring []*Key
	revoked  []*Key
}

// Custodian owns the Active signing key and the Retiring keys that still
// verify. Reads are lock-free against an atomically swapped snapshot;
// writers are serialized by mu.
type Custodian struct {
	mu    sync.Mutex
	set   atomic.Pointer[keySet]
	store Store
	grace time.Duration
	bits  int
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Custodian.
type Option func(*Custodian) error

// WithGrace sets how long a Retiring key keeps verifying. It must be at
// least the longest access-token lifetime.
func WithGrace(d time.Duration) Option {
	return func(c *Custodian) error {
		if d <= 0 {
			return errors.New("keys: grace must be positive")
		}
		c.grace = d
		return nil
	}
}

// WithKeyBits sets the RSA modulus size for generated keys.
func WithKeyBits(bits int) Option {
	return func(c *Custodian) error {
		if bits < minKeyBits {
			return fmt.Errorf("keys: key size %d below %d bits", bits, minKeyBits)
		}
		c.bits = bits
		return nil
	}
}

// WithStore persists keys through s. Without a store keys live in memory only.
func WithStore(s Store) Option {
	return func(c *Custodian) error {
		c.store = s
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Custodian) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Custodian) error {
		if l != nil {
			c.log = l
		}
		return nil
	}
}

// New constructs a Custodian. Init must run before it can sign.
func New(opts ...Option) (*Custodian, error) {
	c := &Custodian{
		grace: defaultGrace,
		bits:  defaultKeyBits,
		now:   time.Now,
		log:   obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.log = c.log.Named("keys")
	return c, nil
}

// Init loads the current key from the store or generates and persists a new
// one. Archived keys still inside the grace window come back as Retiring.
func (c *Custodian) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.store == nil {
		key, err := Generate(c.bits, now)
		if err != nil {
			return err
		}
		c.set.Store(&keySet{active: key})
		c.log.Info("generated in-memory signing key", zap.String("kid", key.ID))
		return nil
	}

	active, archived, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoKey):
		key, genErr := Generate(c.bits, now)
		if genErr != nil {
			return genErr
		}
		if err := c.store.Save(ctx, key, nil); err != nil {
			return fmt.Errorf("persist signing key: %w", err)
		}
		c.set.Store(&keySet{active: key})
		c.log.Info("generated signing key", zap.String("kid", key.ID))
		return nil
	case err != nil:
		return fmt.Errorf("load signing keys: %w", err)
	}

	next := &keySet{active: active}
	next.absorb(archived, active.ID, now, c.grace)
	c.set.Store(next)
	c.log.Info("loaded signing keys",
		zap.String("kid", active.ID),
		zap.Int("retiring", len(next.retiring)),
	)
	return nil
}

// Active returns the key that signs new tokens.
func (c *Custodian) Active() (*Key, error) {
	s := c.set.Load()
	if s == nil || s.active == nil {
		return nil, ErrKeyUnavailable
	}
	return s.active, nil
}

// Lookup returns the key that may verify a token carrying kid. A Retiring key
// whose grace window has elapsed is refused even before the sweep runs.
func (c *Custodian) Lookup(kid string) (*Key, error) {
	s := c.set.Load()
	if s == nil || s.active == nil {
		return nil, ErrKeyUnavailable
	}
	if s.active.ID == kid {
		return s.active, nil
	}
	now := c.now()
	for _, k := range s.retiring {
		if k.ID != kid {
			continue
		}
		if !k.verifiesAt(now, c.grace) {
			return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, kid)
		}
		return k, nil
	}
	for _, k := range s.revoked {
		if k.ID == kid {
			return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, kid)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
}

// Grace returns the verification window of Retiring keys.
func (c *Custodian) Grace() time.Duration {
	return c.grace
}

// Age returns how long the Active key has been signing. Zero before Init.
func (c *Custodian) Age() time.Duration {
	s := c.set.Load()
	if s == nil || s.active == nil {
		return 0
	}
	return c.now().Sub(s.active.GeneratedAt)
}

// Rotate promotes a new key to Active and moves the previous one to Retiring.
// It always rotates; throttling is the caller's policy. On a storage failure
// the keyset is left unchanged.
func (c *Custodian) Rotate(ctx context.Context) (*Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	next, err := Generate(c.bits, now)
	if err != nil {
		return nil, err
	}
	cur := c.set.Load()
	var previous *Key
	if cur != nil && cur.active != nil {
		previous = cur.active.retire(now)
	}
	if c.store != nil {
		if err := c.store.Save(ctx, next, previous); err != nil {
			return nil, fmt.Errorf("persist rotated key: %w", err)
		}
	}

	updated := &keySet{active: next}
	if cur != nil {
		updated.retiring = append(updated.retiring, cur.retiring...)
		updated.revoked = append(updated.revoked, cur.revoked...)
	}
	if previous != nil {
		updated.retiring = append([]*Key{previous}, updated.retiring...)
	}
	updated.sweep(now, c.grace)
	c.set.Store(updated)

	fields := map[string]any{"kid": next.ID}
	if previous != nil {
		fields["retired_kid"] = previous.ID
	}
	c.log.Info("rotated signing key", zap.String("kid", next.ID))
	_ = audit.LogEvent(ctx, "keys.rotated", fields)
	return next, nil
}

// Revoke ends verification for a Retiring key immediately. Revoking an
// already revoked key is a no-op.
func (c *Custodian) Revoke(ctx context.Context, kid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.set.Load()
	if cur == nil || cur.active == nil {
		return ErrKeyUnavailable
	}
	if cur.active.ID == kid {
		return ErrActiveKey
	}
	for _, k := range cur.revoked {
		if k.ID == kid {
			return nil
		}
	}
	idx := -1
	for i, k := range cur.retiring {
		if k.ID == kid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	target := cur.retiring[idx]
	if c.store != nil {
		if err := c.store.Revoke(ctx, target); err != nil {
			return fmt.Errorf("persist revocation: %w", err)
		}
	}

	updated := &keySet{active: cur.active}
	updated.retiring = make([]*Key, 0, len(cur.retiring)-1)
	updated.retiring = append(updated.retiring, cur.retiring[:idx]...)
	updated.retiring = append(updated.retiring, cur.retiring[idx+1:]...)
	updated.revoked = append([]*Key{target.revoke()}, cur.revoked...)
	updated.trimRevoked()
	c.set.Store(updated)

	c.log.Warn("revoked signing key", zap.String("kid", kid))
	_ = audit.LogEvent(ctx, "keys.revoked", map[string]any{"kid": kid})
	return nil
}

// Sweep moves Retiring keys past their grace window to Revoked and returns
// how many moved.
func (c *Custodian) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.set.Load()
	if cur == nil {
		return 0
	}
	updated := &keySet{
		active:   cur.active,
		retiring: append([]*Key(nil), cur.retiring...),
		revoked:  append([]*Key(nil), cur.revoked...),
	}
	moved := updated.sweep(c.now(), c.grace)
	if moved == 0 {
		return 0
	}
	c.set.Store(updated)
	c.log.Info("swept retiring keys", zap.Int("revoked", moved))
	return moved
}

// Reload re-reads the store and reconciles the keyset with it. The store is
// authoritative: a current key rotated by another process (for example
// keyctl) becomes Active, archived keys within grace are Retiring, and any
// key that verified before but is no longer archived, such as one revoked
// offline, is Revoked.
func (c *Custodian) Reload(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	active, archived, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload signing keys: %w", err)
	}
	now := c.now()
	updated := &keySet{active: active}
	updated.absorb(archived, active.ID, now, c.grace)

	cur := c.set.Load()
	if cur == nil {
		c.set.Store(updated)
		c.log.Info("reloaded signing key", zap.String("kid", active.ID))
		return nil
	}

	verifying := make(map[string]bool, len(updated.retiring)+1)
	verifying[active.ID] = true
	for _, k := range updated.retiring {
		verifying[k.ID] = true
	}
	var dropped []string
	previous := append([]*Key{cur.active}, cur.retiring...)
	updated.revoked = append(updated.revoked, cur.revoked...)
	for _, k := range previous {
		if k == nil || verifying[k.ID] {
			continue
		}
		updated.revoked = append([]*Key{k.revoke()}, updated.revoked...)
		dropped = append(dropped, k.ID)
	}
	updated.trimRevoked()
	c.set.Store(updated)

	if cur.active == nil || cur.active.ID != active.ID {
		c.log.Info("reloaded signing key", zap.String("kid", active.ID))
	}
	for _, kid := range dropped {
		c.log.Warn("signing key no longer in store, revoked", zap.String("kid", kid))
		_ = audit.LogEvent(ctx, "keys.revoked", map[string]any{"kid": kid, "source": "reload"})
	}
	return nil
}

// Keys reports the Active key followed by Retiring and recently Revoked keys.
func (c *Custodian) Keys() []KeyInfo {
	s := c.set.Load()
	if s == nil || s.active == nil {
		return nil
	}
	now := c.now()
	out := make([]KeyInfo, 0, 1+len(s.retiring)+len(s.revoked))
	out = append(out, s.active.info(c.grace))
	var lapsed []KeyInfo
	for _, k := range s.retiring {
		if k.verifiesAt(now, c.grace) {
			out = append(out, k.info(c.grace))
			continue
		}
		info := k.revoke().info(c.grace)
		lapsed = append(lapsed, info)
	}
	out = append(out, lapsed...)
	for _, k := range s.revoked {
		out = append(out, k.info(c.grace))
	}
	return out
}

// JWKS returns the public keys that currently verify.
func (c *Custodian) JWKS() jose.JSONWebKeySet {
	s := c.set.Load()
	if s == nil || s.active == nil {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	}
	now := c.now()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK(s.active)}}
	for _, k := range s.retiring {
		if k.verifiesAt(now, c.grace) {
			set.Keys = append(set.Keys, publicJWK(k))
		}
	}
	return set
}

func publicJWK(k *Key) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Public,
		KeyID:     k.ID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// Run sweeps every sweepEvery and, when rotateEvery is positive, rotates once
// the Active key is older than rotateEvery. It returns when ctx is done.
func (c *Custodian) Run(ctx context.Context, sweepEvery, rotateEvery time.Duration) error {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep()
			if rotateEvery > 0 && c.Age() >= rotateEvery {
				if _, err := c.Rotate(ctx); err != nil {
					c.log.Error("scheduled rotation failed", zap.Error(err))
				}
			}
		}
	}
}

// sweep moves lapsed Retiring keys to revoked in place.
func (s *keySet) sweep(now time.Time, grace time.Duration) int {
	kept := s.retiring[:0]
	moved := 0
	for _, k := range s.retiring {
		if k.verifiesAt(now, grace) {
			kept = append(kept, k)
			continue
		}
		s.revoked = append([]*Key{k.revoke()}, s.revoked...)
		moved++
	}
	s.retiring = kept
	s.trimRevoked()
	return moved
}

// absorb adds archived keys as Retiring, skipping the active id, duplicates
// and keys whose grace has elapsed.
func (s *keySet) absorb(archived []*Key, activeID string, now time.Time, grace time.Duration) {
	seen := map[string]bool{activeID: true}
	for _, k := range s.retiring {
		seen[k.ID] = true
	}
	for _, k := range archived {
		if seen[k.ID] {
			continue
		}
		seen[k.ID] = true
		if k.State == StateRevoked {
			continue
		}
		if k.State != StateRetiring {
			k = k.retire(now)
		}
		if k.verifiesAt(now, grace) {
			s.retiring = append(s.retiring, k)
		}
	}
}

func (s *keySet) trimRevoked() {
	if len(s.revoked) > revokedHistory {
		s.revoked = s.revoked[:revokedHistory]
	}
}

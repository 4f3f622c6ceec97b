package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"aegis.org/internal/ids"
)

var (
	_ UserStore         = (*MemoryStore)(nil)
	_ RBACStore         = (*MemoryStore)(nil)
	_ RefreshTokenStore = (*MemoryStore)(nil)
)

// MemoryStore keeps every auth table in process memory. It backs tests and
// development runs without a database. One mutex serializes writers, which
// makes ConsumeRefreshToken a compare-and-swap.
type MemoryStore struct {
	mu sync.RWMutex

	users       map[string]*User
	roles       map[string]*Role
	resources   map[string]*Resource
	permissions map[string][]string
	assignments map[string]*Assignment
	tokens      map[string]*RefreshToken
	tokenByHash map[string]string

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		roles:       make(map[string]*Role),
		resources:   make(map[string]*Resource),
		permissions: make(map[string][]string),
		assignments: make(map[string]*Assignment),
		tokens:      make(map[string]*RefreshToken),
		tokenByHash: make(map[string]string),
		now:         time.Now,
	}
}

// Users -------------------------------------------------------------------

func (s *MemoryStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) || strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: username or email taken", ErrConflict)
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) FindUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) FindUserByLogin(_ context.Context, login string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, login) || strings.EqualFold(u.Email, login) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RecordLogin(_ context.Context, userID string, meta LoginMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	at := meta.At
	u.LastLoginAt = &at
	u.LastLoginIP = meta.IP
	u.LastUserAgent = meta.UserAgent
	u.UpdatedAt = s.now().UTC()
	return nil
}

// Roles and permissions ---------------------------------------------------

func (s *MemoryStore) ListRoles(_ context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) FindRole(_ context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) CreateRole(_ context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleNameTaken(role.Name, "") {
		return fmt.Errorf("%w: role %s exists", ErrConflict, role.Name)
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := s.now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRole(_ context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.roles[role.ID]
	if !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, role.ID)
	}
	if s.roleNameTaken(role.Name, role.ID) {
		return fmt.Errorf("%w: role %s exists", ErrConflict, role.Name)
	}
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = s.now().UTC()
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

func (s *MemoryStore) roleNameTaken(name, exceptID string) bool {
	for id, r := range s.roles {
		if id != exceptID && strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	delete(s.roles, id)
	delete(s.permissions, id)
	for key, a := range s.assignments {
		if a.RoleID == id {
			delete(s.assignments, key)
		}
	}
	return nil
}

func (s *MemoryStore) RolePermissions(_ context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.permissions[roleID]...), nil
}

func (s *MemoryStore) SetRolePermissions(_ context.Context, roleID string, actions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	sorted := append([]string(nil), actions...)
	sort.Strings(sorted)
	s.permissions[roleID] = sorted
	return nil
}

// Resources ---------------------------------------------------------------

func (s *MemoryStore) ListResources(_ context.Context) ([]Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) FindResource(_ context.Context, id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, fmt.Errorf("%w: resource %s", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) CreateResource(_ context.Context, res *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.resources {
		if r.Type == res.Type && strings.EqualFold(r.Name, res.Name) {
			return fmt.Errorf("%w: resource %s/%s exists", ErrConflict, res.Type, res.Name)
		}
	}
	if res.ID == "" {
		res.ID = ids.New()
	}
	res.CreatedAt = s.now().UTC()
	cp := *res
	s.resources[res.ID] = &cp
	return nil
}

// Assignments -------------------------------------------------------------

func assignmentKey(userID, roleID, resourceID string) string {
	return userID + "\x00" + roleID + "\x00" + resourceID
}

func (s *MemoryStore) UserAssignments(_ context.Context, userID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for _, a := range s.assignments {
		if a.UserID != userID {
			continue
		}
		cp := *a
		if r, ok := s.roles[a.RoleID]; ok {
			cp.RoleName = r.Name
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateAssignment(_ context.Context, a *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey(a.UserID, a.RoleID, a.ResourceID)
	if _, ok := s.assignments[key]; ok {
		return fmt.Errorf("%w: role already assigned", ErrConflict)
	}
	if _, ok := s.roles[a.RoleID]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, a.RoleID)
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	a.CreatedAt = s.now().UTC()
	a.RoleName = s.roles[a.RoleID].Name
	cp := *a
	s.assignments[key] = &cp
	return nil
}

func (s *MemoryStore) DeleteAssignment(_ context.Context, userID, roleID, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey(userID, roleID, resourceID)
	if _, ok := s.assignments[key]; !ok {
		return fmt.Errorf("%w: assignment", ErrNotFound)
	}
	delete(s.assignments, key)
	return nil
}

// Refresh tokens ----------------------------------------------------------

func (s *MemoryStore) CreateRefreshToken(_ context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertToken(tok)
}

func (s *MemoryStore) insertToken(tok *RefreshToken) error {
	if _, ok := s.tokenByHash[tok.TokenHash]; ok {
		return fmt.Errorf("%w: refresh token hash", ErrConflict)
	}
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	cp := *tok
	s.tokens[tok.ID] = &cp
	s.tokenByHash[tok.TokenHash] = tok.ID
	return nil
}

func (s *MemoryStore) FindRefreshToken(_ context.Context, tokenHash string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokenByHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.tokens[id]
	return &cp, nil
}

func (s *MemoryStore) ConsumeRefreshToken(_ context.Context, id string, next *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	switch {
	case !ok:
		return ErrNotFound
	case tok.Used:
		return ErrTokenReused
	case tok.Revoked:
		return ErrTokenExpired
	}
	if err := s.insertToken(next); err != nil {
		return err
	}
	tok.Used = true
	return nil
}

func (s *MemoryStore) RevokeFamily(_ context.Context, familyID string) (int64, error) {
	return s.revokeWhere(func(t *RefreshToken) bool { return t.FamilyID == familyID }), nil
}

func (s *MemoryStore) RevokeSubject(_ context.Context, subjectID string) (int64, error) {
	return s.revokeWhere(func(t *RefreshToken) bool { return t.SubjectID == subjectID }), nil
}

func (s *MemoryStore) revokeWhere(match func(*RefreshToken) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tokens {
		if match(t) && !t.Revoked {
			t.Revoked = true
			n++
		}
	}
	return n
}

func (s *MemoryStore) DeleteExpiredRefreshTokens(_ context.Context, before time.Time) (int64, error) {
	return s.deleteTokensWhere(func(t *RefreshToken) bool { return !t.ExpiresAt.After(before) }), nil
}

func (s *MemoryStore) DeleteSessionsByUsernamePrefix(_ context.Context, prefix string) (int64, error) {
	s.mu.RLock()
	subjects := make(map[string]bool)
	for id, u := range s.users {
		if strings.HasPrefix(u.Username, prefix) {
			subjects[id] = true
		}
	}
	s.mu.RUnlock()
	return s.deleteTokensWhere(func(t *RefreshToken) bool { return subjects[t.SubjectID] }), nil
}

func (s *MemoryStore) deleteTokensWhere(match func(*RefreshToken) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tokens {
		if match(t) {
			delete(s.tokens, id)
			delete(s.tokenByHash, t.TokenHash)
			n++
		}
	}
	return n
}

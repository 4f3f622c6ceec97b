package auth

import (
	"context"
	"time"
)

// UserStore persists subjects.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	FindUser(ctx context.Context, id string) (*User, error)
	// FindUserByLogin matches username or email, case-insensitively.
	FindUserByLogin(ctx context.Context, login string) (*User, error)
	RecordLogin(ctx context.Context, userID string, meta LoginMeta) error
}

// RBACStore persists roles, resources, permissions and assignments. Reads
// must reflect writes immediately.
type RBACStore interface {
	ListRoles(ctx context.Context) ([]Role, error)
	FindRole(ctx context.Context, id string) (*Role, error)
	CreateRole(ctx context.Context, role *Role) error
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, id string) error

	RolePermissions(ctx context.Context, roleID string) ([]string, error)
	SetRolePermissions(ctx context.Context, roleID string, actions []string) error

	ListResources(ctx context.Context) ([]Resource, error)
	FindResource(ctx context.Context, id string) (*Resource, error)
	CreateResource(ctx context.Context, res *Resource) error

	// UserAssignments returns the user's assignments with RoleName filled.
	UserAssignments(ctx context.Context, userID string) ([]Assignment, error)
	// CreateAssignment returns ErrConflict when the user already holds the
	// role on the same resource (or globally).
	CreateAssignment(ctx context.Context, a *Assignment) error
	DeleteAssignment(ctx context.Context, userID, roleID, resourceID string) error
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, tok *RefreshToken) error
	FindRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// ConsumeRefreshToken marks id used and stores next as one atomic step.
	// Only one caller may consume a given id: the others get ErrTokenReused,
	// or ErrTokenExpired when the token was revoked meanwhile.
	ConsumeRefreshToken(ctx context.Context, id string, next *RefreshToken) error
	RevokeFamily(ctx context.Context, familyID string) (int64, error)
	RevokeSubject(ctx context.Context, subjectID string) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
	// DeleteSessionsByUsernamePrefix removes refresh tokens of every user
	// whose username starts with prefix.
	DeleteSessionsByUsernamePrefix(ctx context.Context, prefix string) (int64, error)
}

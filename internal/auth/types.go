package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is the identity anchor for issuance and authorization. Users are never
// hard-deleted; Status carries soft states.
type User struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	PasswordHash  string     `json:"-"`
	Status        string     `json:"status"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP   string     `json:"last_login_ip,omitempty"`
	LastUserAgent string     `json:"last_user_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Subject returns the claims-facing identity of u.
func (u *User) Subject() Subject {
	return Subject{ID: u.ID, Username: u.Username, Email: u.Email}
}

// Subject is the identity embedded in access tokens.
type Subject struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LoginMeta describes the client performing a login.
type LoginMeta struct {
	IP        string
	UserAgent string
	At        time.Time
}

type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Resource is a scope a role assignment can be bound to.
type Resource struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"resource_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment grants RoleID to UserID. An empty ResourceID is a global
// assignment that applies to every resource.
type Assignment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	RoleName   string    `json:"role_name,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Global reports whether the assignment is unscoped.
func (a Assignment) Global() bool {
	return a.ResourceID == ""
}

// AppliesTo reports whether the assignment covers resourceID.
func (a Assignment) AppliesTo(resourceID string) bool {
	return a.Global() || (resourceID != "" && a.ResourceID == resourceID)
}

// RefreshToken is the persisted form of a refresh credential. Only the
// digest of the opaque value is stored. Every rotation of one login shares
// FamilyID.
type RefreshToken struct {
	ID         string
	SubjectID  string
	FamilyID   string
	TokenHash  string
	Persistent bool
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Used       bool
	Revoked    bool
}

// Expired reports whether the token lifetime has elapsed at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

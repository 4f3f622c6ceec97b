package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"aegis.org/internal/audit"
)

var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

// Request is a change to the role catalog, role permissions, resources or
// assignments. The set of implementations is closed: CreateRole,
// UpdateRole, DeleteRole, SetRolePermissions, CreateResource, GrantRole and
// RevokeRole.
type Request interface {
	validate() error
	event() string
}

type CreateRole struct {
	Name        string
	Description string
}

// UpdateRole changes the fields that are non-nil.
type UpdateRole struct {
	RoleID      string
	Name        *string
	Description *string
}

type DeleteRole struct {
	RoleID string
}

// SetRolePermissions replaces the role's action set.
type SetRolePermissions struct {
	RoleID  string
	Actions []string
}

type CreateResource struct {
	Name string
	Type string
}

// GrantRole assigns a role. An empty ResourceID grants it globally.
type GrantRole struct {
	UserID     string
	RoleID     string
	ResourceID string
}

type RevokeRole struct {
	UserID     string
	RoleID     string
	ResourceID string
}

// Result carries whatever Apply created or changed.
type Result struct {
	Role       *Role
	Resource   *Resource
	Assignment *Assignment
	Actions    []string
}

func (r *CreateRole) validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	if r.Name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return nil
}

func (r *UpdateRole) validate() error {
	r.RoleID = strings.TrimSpace(r.RoleID)
	if r.RoleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if r.Name == nil && r.Description == nil {
		return fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if r.Name != nil {
		name := strings.TrimSpace(*r.Name)
		if name == "" {
			return fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		r.Name = &name
	}
	if r.Description != nil {
		desc := strings.TrimSpace(*r.Description)
		r.Description = &desc
	}
	return nil
}

func (r *DeleteRole) validate() error {
	r.RoleID = strings.TrimSpace(r.RoleID)
	if r.RoleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return nil
}

func (r *SetRolePermissions) validate() error {
	r.RoleID = strings.TrimSpace(r.RoleID)
	if r.RoleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	r.Actions = dedupeStrings(r.Actions)
	for _, a := range r.Actions {
		if !actionPattern.MatchString(a) {
			return fmt.Errorf("%w: invalid action %q", ErrInvalidInput, a)
		}
	}
	return nil
}

func (r *CreateResource) validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Type = strings.TrimSpace(strings.ToLower(r.Type))
	if r.Name == "" || r.Type == "" {
		return fmt.Errorf("%w: resource name and type are required", ErrInvalidInput)
	}
	return nil
}

func (r *GrantRole) validate() error {
	return validateAssignment(&r.UserID, &r.RoleID, &r.ResourceID)
}

func (r *RevokeRole) validate() error {
	return validateAssignment(&r.UserID, &r.RoleID, &r.ResourceID)
}

func validateAssignment(userID, roleID, resourceID *string) error {
	*userID = strings.TrimSpace(*userID)
	*roleID = strings.TrimSpace(*roleID)
	*resourceID = strings.TrimSpace(*resourceID)
	if *userID == "" || *roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	return nil
}

func (*CreateRole) event() string         { return "rbac.role.created" }
func (*UpdateRole) event() string         { return "rbac.role.updated" }
func (*DeleteRole) event() string         { return "rbac.role.deleted" }
func (*SetRolePermissions) event() string { return "rbac.role.permissions_set" }
func (*CreateResource) event() string     { return "rbac.resource.created" }
func (*GrantRole) event() string          { return "rbac.role.granted" }
func (*RevokeRole) event() string         { return "rbac.role.revoked" }

// RBACService applies management requests.
type RBACService struct {
	store RBACStore
	users UserStore
}

func NewRBACService(store RBACStore, users UserStore) (*RBACService, error) {
	if store == nil || users == nil {
		return nil, errors.New("auth: rbac store and user store are required")
	}
	return &RBACService{store: store, users: users}, nil
}

// Apply validates req and executes it.
func (s *RBACService) Apply(ctx context.Context, req Request) (Result, error) {
	if req == nil {
		return Result{}, fmt.Errorf("%w: empty request", ErrInvalidInput)
	}
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	res, fields, err := s.apply(ctx, req)
	if err != nil {
		return Result{}, err
	}
	_ = audit.LogEvent(ctx, req.event(), fields)
	return res, nil
}

func (s *RBACService) apply(ctx context.Context, req Request) (Result, map[string]any, error) {
	switch r := req.(type) {
	case *CreateRole:
		role := &Role{Name: r.Name, Description: r.Description}
		if err := s.store.CreateRole(ctx, role); err != nil {
			return Result{}, nil, err
		}
		return Result{Role: role}, map[string]any{"role_id": role.ID, "name": role.Name}, nil

	case *UpdateRole:
		role, err := s.store.FindRole(ctx, r.RoleID)
		if err != nil {
			return Result{}, nil, err
		}
		if r.Name != nil {
			role.Name = *r.Name
		}
		if r.Description != nil {
			role.Description = *r.Description
		}
		if err := s.store.UpdateRole(ctx, role); err != nil {
			return Result{}, nil, err
		}
		return Result{Role: role}, map[string]any{"role_id": role.ID}, nil

	case *DeleteRole:
		if err := s.store.DeleteRole(ctx, r.RoleID); err != nil {
			return Result{}, nil, err
		}
		return Result{}, map[string]any{"role_id": r.RoleID}, nil

	case *SetRolePermissions:
		if _, err := s.store.FindRole(ctx, r.RoleID); err != nil {
			return Result{}, nil, err
		}
		if err := s.store.SetRolePermissions(ctx, r.RoleID, r.Actions); err != nil {
			return Result{}, nil, err
		}
		return Result{Actions: r.Actions}, map[string]any{"role_id": r.RoleID, "actions": r.Actions}, nil

	case *CreateResource:
		res := &Resource{Name: r.Name, Type: r.Type}
		if err := s.store.CreateResource(ctx, res); err != nil {
			return Result{}, nil, err
		}
		return Result{Resource: res}, map[string]any{"resource_id": res.ID, "type": res.Type}, nil

	case *GrantRole:
		if err := s.checkAssignmentRefs(ctx, r.UserID, r.RoleID, r.ResourceID); err != nil {
			return Result{}, nil, err
		}
		a := &Assignment{UserID: r.UserID, RoleID: r.RoleID, ResourceID: r.ResourceID}
		if err := s.store.CreateAssignment(ctx, a); err != nil {
			return Result{}, nil, err
		}
		return Result{Assignment: a}, assignmentFields(r.UserID, r.RoleID, r.ResourceID), nil

	case *RevokeRole:
		if err := s.store.DeleteAssignment(ctx, r.UserID, r.RoleID, r.ResourceID); err != nil {
			return Result{}, nil, err
		}
		return Result{}, assignmentFields(r.UserID, r.RoleID, r.ResourceID), nil

	default:
		return Result{}, nil, fmt.Errorf("%w: unsupported request %T", ErrInvalidInput, req)
	}
}

func (s *RBACService) checkAssignmentRefs(ctx context.Context, userID, roleID, resourceID string) error {
	if _, err := s.users.FindUser(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return err
	}
	if _, err := s.store.FindRole(ctx, roleID); err != nil {
		return err
	}
	if resourceID != "" {
		if _, err := s.store.FindResource(ctx, resourceID); err != nil {
			return err
		}
	}
	return nil
}

func assignmentFields(userID, roleID, resourceID string) map[string]any {
	f := map[string]any{"user_id": userID, "role_id": roleID}
	if resourceID != "" {
		f["resource_id"] = resourceID
	}
	return f
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"aegis.org/internal/obs"
)

// Resolver answers authorization questions straight from the store. There is
// no cache, so permission edits apply to the next request.
type Resolver struct {
	store RBACStore
	users UserStore
}

func NewResolver(store RBACStore, users UserStore) (*Resolver, error) {
	if store == nil || users == nil {
		return nil, errors.New("auth: rbac and user stores are required")
	}
	return &Resolver{store: store, users: users}, nil
}

// Authorize reports whether subjectID may perform action on resourceID. An
// empty resourceID asks about no particular resource, so only global
// assignments apply.
func (r *Resolver) Authorize(ctx context.Context, subjectID, action, resourceID string) (bool, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Authorize")
	defer span.End()
	span.SetAttributes(
		attribute.String("subject.id", subjectID),
		attribute.String("authz.action", action),
		attribute.String("authz.resource_id", resourceID),
	)

	subjectID = strings.TrimSpace(subjectID)
	action = strings.TrimSpace(action)
	if subjectID == "" || action == "" {
		return false, fmt.Errorf("%w: subject and action are required", ErrInvalidInput)
	}
	actions, err := r.actionsFor(ctx, subjectID, strings.TrimSpace(resourceID))
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	_, allowed := actions[action]
	span.SetAttributes(attribute.Bool("authz.allowed", allowed))
	obs.AuthzDecision(allowed)
	return allowed, nil
}

// Require is Authorize that turns a denial into ErrForbidden.
func (r *Resolver) Require(ctx context.Context, subjectID, action, resourceID string) error {
	ok, err := r.Authorize(ctx, subjectID, action, resourceID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// Actions returns the sorted union of actions subjectID holds on resourceID.
func (r *Resolver) Actions(ctx context.Context, subjectID, resourceID string) ([]string, error) {
	set, err := r.actionsFor(ctx, subjectID, resourceID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Resolver) actionsFor(ctx context.Context, subjectID, resourceID string) (map[string]struct{}, error) {
	assignments, err := r.store.UserAssignments(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	set := make(map[string]struct{})
	seenRoles := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.AppliesTo(resourceID) {
			continue
		}
		if _, ok := seenRoles[a.RoleID]; ok {
			continue
		}
		seenRoles[a.RoleID] = struct{}{}
		actions, err := r.store.RolePermissions(ctx, a.RoleID)
		if err != nil {
			return nil, fmt.Errorf("load permissions for role %s: %w", a.RoleID, err)
		}
		for _, act := range actions {
			set[act] = struct{}{}
		}
	}
	return set, nil
}

func (r *Resolver) ListRoles(ctx context.Context) ([]Role, error) {
	return r.store.ListRoles(ctx)
}

func (r *Resolver) ListResources(ctx context.Context) ([]Resource, error) {
	return r.store.ListResources(ctx)
}

// GetUserRoles lists the user's assignments with role names.
func (r *Resolver) GetUserRoles(ctx context.Context, userID string) ([]Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := r.users.FindUser(ctx, userID); err != nil {
		return nil, err
	}
	return r.store.UserAssignments(ctx, userID)
}

// GetRolePermissions lists the actions granted by a role.
func (r *Resolver) GetRolePermissions(ctx context.Context, roleID string) ([]string, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if _, err := r.store.FindRole(ctx, roleID); err != nil {
		return nil, err
	}
	return r.store.RolePermissions(ctx, roleID)
}

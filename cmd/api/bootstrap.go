package main

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"aegis.org/internal/auth"
	"aegis.org/internal/config"
	"aegis.org/internal/obs"
)

const adminRoleName = "admin"

// bootstrapAdmin makes sure the configured admin exists and holds the
// builtin actions globally. It is safe to run on every start.
func bootstrapAdmin(ctx context.Context, cfg config.Config, users auth.UserStore, authn *auth.Authenticator,
	resolver *auth.Resolver, rbac *auth.RBACService) error {
	user, err := users.FindUserByLogin(ctx, cfg.AdminUsername)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		user, err = authn.Register(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword)
		if err != nil {
			return err
		}
		obs.Logger().Info("bootstrap admin created", zap.String("user_id", user.ID))
	case err != nil:
		return err
	}

	roleID, err := ensureAdminRole(ctx, resolver, rbac)
	if err != nil {
		return err
	}
	_, err = rbac.Apply(ctx, &auth.GrantRole{UserID: user.ID, RoleID: roleID})
	if err != nil && !errors.Is(err, auth.ErrConflict) {
		return err
	}
	return nil
}

func ensureAdminRole(ctx context.Context, resolver *auth.Resolver, rbac *auth.RBACService) (string, error) {
	roles, err := resolver.ListRoles(ctx)
	if err != nil {
		return "", err
	}
	roleID := ""
	for _, r := range roles {
		if strings.EqualFold(r.Name, adminRoleName) {
			roleID = r.ID
			break
		}
	}
	if roleID == "" {
		res, err := rbac.Apply(ctx, &auth.CreateRole{Name: adminRoleName, Description: "Full administrative access"})
		if err != nil {
			return "", err
		}
		roleID = res.Role.ID
	}
	current, err := resolver.GetRolePermissions(ctx, roleID)
	if err != nil {
		return "", err
	}
	actions := append(current, auth.BuiltinActions...)
	if _, err := rbac.Apply(ctx, &auth.SetRolePermissions{RoleID: roleID, Actions: actions}); err != nil {
		return "", err
	}
	return roleID, nil
}

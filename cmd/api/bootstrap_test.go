package main

import (
	"context"
	"testing"

	"aegis.org/internal/auth"
	"aegis.org/internal/config"
)

func TestBootstrapAdminIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := auth.NewMemoryStore()
	authn, _ := auth.NewAuthenticator(store)
	resolver, _ := auth.NewResolver(store, store)
	rbac, _ := auth.NewRBACService(store, store)
	cfg := config.Config{AdminUsername: "root", AdminEmail: "root@example.com", AdminPassword: "bootstrap-secret"}

	for i := 0; i < 2; i++ {
		if err := bootstrapAdmin(ctx, cfg, store, authn, resolver, rbac); err != nil {
			t.Fatalf("bootstrap run %d: %v", i+1, err)
		}
	}

	user, err := store.FindUserByLogin(ctx, "root")
	if err != nil {
		t.Fatalf("FindUserByLogin: %v", err)
	}
	roles, _ := resolver.ListRoles(ctx)
	if len(roles) != 1 {
		t.Fatalf("expected a single admin role, got %d", len(roles))
	}
	assignments, _ := resolver.GetUserRoles(ctx, user.ID)
	if len(assignments) != 1 || !assignments[0].Global() {
		t.Fatalf("expected one global assignment, got %+v", assignments)
	}
	for _, action := range auth.BuiltinActions {
		if err := resolver.Require(ctx, user.ID, action, ""); err != nil {
			t.Fatalf("expected admin to hold %s: %v", action, err)
		}
	}
}

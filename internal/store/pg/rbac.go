package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"aegis.org/internal/auth"
	"aegis.org/internal/ids"
)

var _ auth.RBACStore = (*Store)(nil)

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, created_at, updated_at
		from roles
		order by lower(name)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FindRole(ctx context.Context, id string) (*auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var r auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, created_at, updated_at from roles where id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	if s.db == nil {
		return errNoDB
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning created_at, updated_at
	`, role.ID, role.Name, role.Description).Scan(&role.CreatedAt, &role.UpdatedAt)
	return mapWriteError(err, "role")
}

func (s *Store) UpdateRole(ctx context.Context, role *auth.Role) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		update roles set name = $2, description = $3, updated_at = now()
		where id = $1
		returning created_at, updated_at
	`, role.ID, role.Name, role.Description).Scan(&role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: role %s", auth.ErrNotFound, role.ID)
	}
	return mapWriteError(err, "role")
}

// DeleteRole relies on cascading foreign keys for permissions and assignments.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, fmt.Errorf("%w: role %s", auth.ErrNotFound, id))
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select action from permissions where role_id = $1 order by action
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var action string
		if err := rows.Scan(&action); err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

// SetRolePermissions replaces the role's action set in one transaction.
func (s *Store) SetRolePermissions(ctx context.Context, roleID string, actions []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from roles where id = $1)`, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: role %s", auth.ErrNotFound, roleID)
	}
	if _, err := tx.ExecContext(ctx, `delete from permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, action := range actions {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (role_id, action) values ($1, $2)
			on conflict do nothing
		`, roleID, action); err != nil {
			return mapWriteError(err, "permission")
		}
	}
	return tx.Commit()
}

func (s *Store) ListResources(ctx context.Context) ([]auth.Resource, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, resource_type, created_at
		from resources
		order by resource_type, lower(name)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Resource
	for rows.Next() {
		var r auth.Resource
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FindResource(ctx context.Context, id string) (*auth.Resource, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var r auth.Resource
	err := s.db.QueryRowContext(ctx, `
		select id, name, resource_type, created_at from resources where id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Type, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: resource %s", auth.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateResource(ctx context.Context, res *auth.Resource) error {
	if s.db == nil {
		return errNoDB
	}
	if res.ID == "" {
		res.ID = ids.New()
	}
	res.Type = strings.ToLower(res.Type)
	err := s.db.QueryRowContext(ctx, `
		insert into resources (id, name, resource_type)
		values ($1, $2, $3)
		returning created_at
	`, res.ID, res.Name, res.Type).Scan(&res.CreatedAt)
	return mapWriteError(err, "resource")
}

func (s *Store) UserAssignments(ctx context.Context, userID string) ([]auth.Assignment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select ur.id, ur.user_id, ur.role_id, r.name, coalesce(ur.resource_id, ''), ur.created_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by ur.created_at, ur.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Assignment
	for rows.Next() {
		var a auth.Assignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.RoleName, &a.ResourceID, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAssignment depends on the unique index over
// (user_id, role_id, coalesce(resource_id, '')) to reject duplicates.
func (s *Store) CreateAssignment(ctx context.Context, a *auth.Assignment) error {
	if s.db == nil {
		return errNoDB
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		with ins as (
			insert into user_roles (id, user_id, role_id, resource_id)
			values ($1, $2, $3, $4)
			returning role_id, created_at
		)
		select r.name, ins.created_at from ins join roles r on r.id = ins.role_id
	`, a.ID, a.UserID, a.RoleID, nullIfEmpty(a.ResourceID)).Scan(&a.RoleName, &a.CreatedAt)
	return mapWriteError(err, "role assignment")
}

func (s *Store) DeleteAssignment(ctx context.Context, userID, roleID, resourceID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles
		where user_id = $1 and role_id = $2 and coalesce(resource_id, '') = $3
	`, userID, roleID, resourceID)
	if err != nil {
		return err
	}
	return expectOneRow(res, fmt.Errorf("%w: role assignment", auth.ErrNotFound))
}

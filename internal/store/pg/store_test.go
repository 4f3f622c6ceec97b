package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"aegis.org/internal/admission"
	"aegis.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestFindUserByLoginNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from users").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.FindUserByLogin(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindUserScansOptionalColumns(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{"id", "username", "email", "password_hash", "status", "last_login_at",
		"last_login_ip", "last_user_agent", "created_at", "updated_at"}
	mock.ExpectQuery("from users where id").WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u-1", "alice", "alice@example.com", "hash", "active", nil, "", "", now, now))

	u, err := s.FindUser(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if u.Username != "alice" || u.LastLoginAt != nil || !u.CreatedAt.Equal(now) {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestCreateUserConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "alice", "alice@example.com", "hash", auth.UserStatusActive).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.CreateUser(context.Background(), &auth.User{Username: "alice", Email: "Alice@Example.com", PasswordHash: "hash"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateAssignmentDuplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into user_roles").
		WithArgs(sqlmock.AnyArg(), "u-1", "r-1", nil).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.CreateAssignment(context.Background(), &auth.Assignment{UserID: "u-1", RoleID: "r-1"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateAssignmentMissingReference(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into user_roles").
		WithArgs(sqlmock.AnyArg(), "u-1", "r-1", "res-9").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := s.CreateAssignment(context.Background(), &auth.Assignment{UserID: "u-1", RoleID: "r-1", ResourceID: "res-9"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserAssignments(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from user_roles ur").WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "role_id", "name", "resource_id", "created_at"}).
			AddRow("a-1", "u-1", "r-1", "admin", "", now).
			AddRow("a-2", "u-1", "r-2", "viewer", "res-1", now))

	got, err := s.UserAssignments(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("UserAssignments: %v", err)
	}
	if len(got) != 2 || !got[0].Global() || got[1].ResourceID != "res-1" || got[1].RoleName != "viewer" {
		t.Fatalf("unexpected assignments %+v", got)
	}
}

func TestDeleteRoleNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from roles").WithArgs("r-x").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteRole(context.Background(), "r-x"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetRolePermissionsReplacesSet(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select exists(select 1 from roles where id = $1)")).WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("delete from permissions").WithArgs("r-1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into permissions").WithArgs("r-1", "docs.read").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into permissions").WithArgs("r-1", "docs.write").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.SetRolePermissions(context.Background(), "r-1", []string{"docs.read", "docs.write"}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetRolePermissionsUnknownRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs("r-x").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	if err := s.SetRolePermissions(context.Background(), "r-x", []string{"docs.read"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnabledRulesConvertsWindow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from rate_limit_rules").
		WillReturnRows(sqlmock.NewRows([]string{"id", "endpoint_pattern", "max_requests", "window_seconds", "strategy", "enabled"}).
			AddRow("auth-login-ip", "POST /v1/auth/login", int64(10), int64(60), "ip", true))

	rules, err := s.EnabledRules(context.Background())
	if err != nil {
		t.Fatalf("EnabledRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Window != time.Minute || rules[0].Strategy != admission.StrategyIP {
		t.Fatalf("unexpected rules %+v", rules)
	}
}

func TestEnabledRulesRejectsUnknownStrategy(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from rate_limit_rules").
		WillReturnRows(sqlmock.NewRows([]string{"id", "endpoint_pattern", "max_requests", "window_seconds", "strategy", "enabled"}).
			AddRow("odd", "/x", int64(1), int64(1), "tenant", true))

	if _, err := s.EnabledRules(context.Background()); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestFindBypassToken(t *testing.T) {
	s, mock := newMock(t)
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from bypass_tokens").WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"token_hash", "scope", "expires_at", "label"}).AddRow("h1", nil, exp, "ci"))
	mock.ExpectQuery("from bypass_tokens").WithArgs("h2").
		WillReturnRows(sqlmock.NewRows([]string{"token_hash", "scope", "expires_at", "label"}))

	tok, err := s.FindBypassToken(context.Background(), "h1")
	if err != nil {
		t.Fatalf("FindBypassToken: %v", err)
	}
	if tok.Scope != "" || tok.ExpiresAt == nil || !tok.ExpiresAt.Equal(exp) || tok.Label != "ci" {
		t.Fatalf("unexpected token %+v", tok)
	}
	if _, err := s.FindBypassToken(context.Background(), "h2"); !errors.Is(err, admission.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNilDB(t *testing.T) {
	s := New(nil)
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected error without a database")
	}
	if _, err := s.RevokeFamily(context.Background(), "f"); err == nil {
		t.Fatal("expected error without a database")
	}
}

package auth

import (
	"errors"
	"testing"
)

func userPrincipal(role Role) Principal {
	return Principal{
		UserID:      "u1",
		Role:        role,
		Method:      MethodPassword,
		Permissions: PermissionsForRole(role),
	}
}

func TestAuthorizeRoleCheck(t *testing.T) {
	req := Requirement{AllowedRoles: []Role{RoleAdmin, RoleProjectManager}}

	if err := Authorize(userPrincipal(RoleAdmin), req); err != nil {
		t.Fatalf("admin should pass: %v", err)
	}
	if err := Authorize(userPrincipal(RoleProjectManager), req); err != nil {
		t.Fatalf("project manager should pass: %v", err)
	}
	if err := Authorize(userPrincipal(RoleViewer), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("viewer: expected ErrForbidden, got %v", err)
	}
	if err := Authorize(userPrincipal(RoleDeveloper), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("developer: expected ErrForbidden, got %v", err)
	}
}

func TestAuthorizePermissionCheck(t *testing.T) {
	req := Requirement{Permission: PermTaskWrite}

	if err := Authorize(userPrincipal(RoleDeveloper), req); err != nil {
		t.Fatalf("developer should hold task.write: %v", err)
	}
	if err := Authorize(userPrincipal(RoleViewer), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("viewer: expected ErrForbidden, got %v", err)
	}
}

func TestAuthorizeCombinesWithAnd(t *testing.T) {
	req := Requirement{
		AllowedRoles: []Role{RoleAdmin, RoleProjectManager},
		Permission:   PermUserManage,
	}

	// Project manager passes the role check but does not hold user.manage.
	if err := Authorize(userPrincipal(RoleProjectManager), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := Authorize(userPrincipal(RoleAdmin), req); err != nil {
		t.Fatalf("admin should pass both checks: %v", err)
	}
}

func TestAuthorizeNoImplicitAdminBypass(t *testing.T) {
	// An admin principal stripped of its permissions must fail a permission
	// check; nothing special-cases the role.
	p := Principal{UserID: "u1", Role: RoleAdmin, Method: MethodPassword}
	if err := Authorize(p, Requirement{Permission: PermTaskRead}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAuthorizeAPIKeyPrincipal(t *testing.T) {
	p := Principal{
		UserID:      "owner",
		Method:      MethodAPIKey,
		Permissions: map[string]struct{}{PermTaskRead: {}},
	}

	if err := Authorize(p, Requirement{Permission: PermTaskRead}); err != nil {
		t.Fatalf("granted permission should pass: %v", err)
	}
	// Role-gated operations always deny key principals.
	if err := Authorize(p, Requirement{AllowedRoles: []Role{RoleAdmin}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAuthorizeEmptyRequirementAllows(t *testing.T) {
	if err := Authorize(userPrincipal(RoleViewer), Requirement{}); err != nil {
		t.Fatalf("empty requirement should allow: %v", err)
	}
}

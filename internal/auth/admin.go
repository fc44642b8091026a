package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AdminService wraps the store with input validation for the management
// surface: users, roles, permission sets and the audit log. Authentication
// flows stay on Service; this type never issues or verifies tokens.
type AdminService struct {
	store Store
	agg   *Aggregator
}

// NewAdminService constructs the management facade.
func NewAdminService(store Store) *AdminService {
	return &AdminService{store: store, agg: NewAggregator(store)}
}

// CreateUserInput describes a new identity.
type CreateUserInput struct {
	Email    string
	Username string
	Password string
	Roles    []string
}

// CreateUser registers an identity with an optional initial role set.
func (a *AdminService) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Email:        email,
		Username:     strings.ToLower(strings.TrimSpace(in.Username)),
		PasswordHash: hash,
		Status:       StatusActive,
	}
	if err := a.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	for _, roleName := range NormalizeRoles(in.Roles) {
		if err := a.assignRoleByName(ctx, user.ID, roleName); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// GetUser returns one identity.
func (a *AdminService) GetUser(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return a.store.Users(ctx).Find(ctx, id)
}

// ListUsers pages through identities in creation order.
func (a *AdminService) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	return a.store.Users(ctx).List(ctx, limit, offset)
}

// SetUserStatus enables or disables an account. Disabling revokes all of
// its refresh tokens so sessions cannot be renewed.
func (a *AdminService) SetUserStatus(ctx context.Context, id, status string) error {
	if err := a.store.Users(ctx).SetStatus(ctx, id, status); err != nil {
		return err
	}
	if status == StatusDisabled {
		if _, err := a.store.RefreshTokens(ctx).RevokeAll(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UserRoles returns the identity's current role assignments.
func (a *AdminService) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	return a.store.Users(ctx).RolesFor(ctx, userID)
}

// UserPermissions resolves the identity's effective permission set from its
// current roles, not from any outstanding token.
func (a *AdminService) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	return a.agg.EffectivePermissionsForUser(ctx, userID)
}

// AssignRole grants a role, addressed by name, to an identity.
func (a *AdminService) AssignRole(ctx context.Context, userID, roleName string) error {
	name, err := normalizeRoleName(roleName)
	if err != nil {
		return err
	}
	return a.assignRoleByName(ctx, userID, name)
}

// RemoveRole revokes a role from an identity. Effective permissions shrink
// on the next check; the role list inside outstanding tokens does not.
func (a *AdminService) RemoveRole(ctx context.Context, userID, roleName string) error {
	name, err := normalizeRoleName(roleName)
	if err != nil {
		return err
	}
	role, err := a.store.Roles(ctx).FindByName(ctx, name)
	if err != nil {
		return err
	}
	return a.store.Users(ctx).RemoveRole(ctx, userID, role.ID)
}

func (a *AdminService) assignRoleByName(ctx context.Context, userID, roleName string) error {
	role, err := a.store.Roles(ctx).FindByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: role %s", ErrNotFound, roleName)
		}
		return err
	}
	return a.store.Users(ctx).AssignRole(ctx, userID, role.ID)
}

// CreateRole adds a role with an optional initial permission set.
func (a *AdminService) CreateRole(ctx context.Context, name, description string, permissionKeys []string) (*Role, error) {
	normalized, err := normalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	role := &Role{Name: normalized, Description: strings.TrimSpace(description)}
	if err := a.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, err
	}
	if len(permissionKeys) > 0 {
		if err := a.store.Roles(ctx).SetPermissions(ctx, role.ID, normalizePermissionKeys(permissionKeys)); err != nil {
			return nil, err
		}
	}
	return role, nil
}

// GetRole returns one role.
func (a *AdminService) GetRole(ctx context.Context, id string) (*Role, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	return a.store.Roles(ctx).Find(ctx, id)
}

// ListRoles returns all roles ordered by name.
func (a *AdminService) ListRoles(ctx context.Context) ([]Role, error) {
	return a.store.Roles(ctx).List(ctx)
}

// DeleteRole removes an unassigned role.
func (a *AdminService) DeleteRole(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	return a.store.Roles(ctx).Delete(ctx, id)
}

// RolePermissions lists the role's direct permission grants.
func (a *AdminService) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	return a.store.Roles(ctx).PermissionsFor(ctx, roleID)
}

// SetRolePermissions replaces the role's permission set. Tokens already in
// flight observe the change on their next authorization check.
func (a *AdminService) SetRolePermissions(ctx context.Context, roleID string, permissionKeys []string) error {
	if roleID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	return a.store.Roles(ctx).SetPermissions(ctx, roleID, normalizePermissionKeys(permissionKeys))
}

// ListPermissions returns the permission catalog.
func (a *AdminService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return a.store.Permissions(ctx).List(ctx)
}

// QueryEvents pages through the security audit log, newest first.
func (a *AdminService) QueryEvents(ctx context.Context, f EventFilter) ([]SecurityEvent, error) {
	return a.store.Events(ctx).Query(ctx, f)
}

// RecentFailures counts failed logins for one identity inside the window.
func (a *AdminService) RecentFailures(ctx context.Context, userID string, window time.Duration) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return a.store.Events(ctx).CountFailures(ctx, userID, time.Now().Add(-window))
}

// normalizeRoleName canonicalizes and validates a role name: uppercase,
// ROLE_ prefix, letters, digits and underscores only.
func normalizeRoleName(name string) (string, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if !strings.HasPrefix(name, "ROLE_") || len(name) == len("ROLE_") {
		return "", fmt.Errorf("%w: role name must look like ROLE_NAME", ErrInvalidInput)
	}
	for _, r := range name {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return "", fmt.Errorf("%w: role name may contain letters, digits and underscores only", ErrInvalidInput)
		}
	}
	return name, nil
}

func normalizePermissionKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.ToUpper(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

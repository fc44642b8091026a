package auth

import (
	"context"
	"sort"
	"time"
)

// Principal is the caller established for one request from verified token
// claims. Roles are the names frozen at token issue; permissions are
// resolved through the Aggregator at check time, never carried on the token.
type Principal struct {
	UserID    string
	Email     string
	Roles     []string
	TokenID   string
	ExpiresAt time.Time
}

// PrincipalFromClaims projects verified claims into a Principal.
func PrincipalFromClaims(claims *Claims) *Principal {
	return &Principal{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Roles:     claims.RoleNames(),
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
}

// HasRole reports whether the principal's token carries the role name.
func (p *Principal) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Aggregator computes effective permissions as the union of the permission
// sets of a group of roles, read from the store at check time. A permission
// added to or removed from a role is therefore visible to tokens already in
// flight; the role list itself is fixed until the token is reissued.
type Aggregator struct {
	store Store
}

// NewAggregator builds an aggregator over the role catalog.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// EffectivePermissions returns the sorted distinct union of the named
// roles' permission keys. Unknown role names contribute nothing.
func (a *Aggregator) EffectivePermissions(ctx context.Context, roleNames []string) ([]string, error) {
	names := NormalizeRoles(roleNames)
	if len(names) == 0 {
		return nil, nil
	}
	keys, err := a.store.Roles(ctx).PermissionKeysForRoles(ctx, names)
	if err != nil {
		return nil, err
	}
	return dedupeSorted(keys), nil
}

// EffectivePermissionsForUser resolves against the identity's current role
// assignments rather than a token's frozen role list.
func (a *Aggregator) EffectivePermissionsForUser(ctx context.Context, userID string) ([]string, error) {
	roles, err := a.store.Users(ctx).RolesFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return a.EffectivePermissions(ctx, names)
}

// HasPermission reports whether any of the roles grants the permission.
func (a *Aggregator) HasPermission(ctx context.Context, roleNames []string, key string) (bool, error) {
	return a.HasAll(ctx, roleNames, key)
}

// HasAll reports whether the union grants every named permission.
func (a *Aggregator) HasAll(ctx context.Context, roleNames []string, keys ...string) (bool, error) {
	granted, err := a.grantedSet(ctx, roleNames)
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		if _, ok := granted[key]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// HasAny reports whether the union grants at least one named permission.
func (a *Aggregator) HasAny(ctx context.Context, roleNames []string, keys ...string) (bool, error) {
	granted, err := a.grantedSet(ctx, roleNames)
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		if _, ok := granted[key]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (a *Aggregator) grantedSet(ctx context.Context, roleNames []string) (map[string]struct{}, error) {
	keys, err := a.EffectivePermissions(ctx, roleNames)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

func dedupeSorted(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

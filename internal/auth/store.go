package auth

import (
	"context"
	"time"
)

// Store aggregates the persistence surfaces the service composes. The
// in-memory store and the Postgres store implement the whole set; the Redis
// store implements RefreshTokenStore and RevocationStore and is overlaid on
// another backend by the command wiring.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Revocations(ctx context.Context) RevocationStore
	Lockouts(ctx context.Context) LockoutStore
	Events(ctx context.Context) EventStore
}

// UserStore persists identities and their role assignments.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	// FindByLogin resolves a login key against email, then username.
	FindByLogin(ctx context.Context, key string) (*User, error)
	List(ctx context.Context, limit, offset int) ([]*User, error)
	SetStatus(ctx context.Context, id, status string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	RolesFor(ctx context.Context, userID string) ([]Role, error)
	AssignRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
}

// RoleStore persists roles and their permission sets.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	// Delete fails with ErrInvalidInput while any user still holds the role.
	Delete(ctx context.Context, id string) error
	PermissionsFor(ctx context.Context, roleID string) ([]Permission, error)
	SetPermissions(ctx context.Context, roleID string, permissionKeys []string) error
	// PermissionKeysForRoles returns the distinct permission keys granted by
	// any of the named roles. Unknown names contribute nothing.
	PermissionKeysForRoles(ctx context.Context, roleNames []string) ([]string, error)
}

// PermissionStore maintains the permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
}

// RefreshTokenStore owns the refresh credential lifecycle. Redeem is an
// atomic find-and-delete: of any number of concurrent redemptions of one
// plaintext, exactly one succeeds.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, ttl time.Duration) (string, *RefreshToken, error)
	// Redeem consumes the token. A hit past its expiry is still consumed and
	// returns ErrRefreshExpired; a miss returns ErrRefreshInvalid.
	Redeem(ctx context.Context, plaintext string) (*RefreshToken, error)
	RevokeAll(ctx context.Context, userID string) (int, error)
	SweepExpired(ctx context.Context) (int, error)
}

// RevocationStore is the access-token denylist. Reads must observe prior
// writes immediately; entries lapse at the token's own expiry.
type RevocationStore interface {
	Blacklist(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	SweepExpired(ctx context.Context) (int, error)
}

// LockoutStore persists failed-attempt streaks. RecordFailure must be
// atomic per identity so concurrent failures cannot under-count and slip
// past the threshold.
type LockoutStore interface {
	// RecordFailure increments the streak, resetting first if a previous
	// lock has lapsed, and applies a lock of lockFor once the streak
	// reaches threshold. Returns the updated state.
	RecordFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration) (*LockoutState, error)
	RecordSuccess(ctx context.Context, userID string) error
	State(ctx context.Context, userID string) (*LockoutState, error)
}

// EventStore is the append-only security audit log.
type EventStore interface {
	Append(ctx context.Context, e *SecurityEvent) error
	Query(ctx context.Context, f EventFilter) ([]SecurityEvent, error)
	CountFailures(ctx context.Context, userID string, since time.Time) (int, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

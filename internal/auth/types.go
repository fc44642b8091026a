package auth

import "time"

// User statuses. Accounts are soft-disabled, never hard-deleted, so
// security events keep a valid reference.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// User is an identity able to authenticate. Lockout counters live on the
// record so failed attempts survive process restarts when a SQL store backs
// the service.
type User struct {
	ID             string
	Email          string
	Username       string
	PasswordHash   string
	Status         string
	Verified       bool
	FailedAttempts int
	LockedUntil    *time.Time
	LastFailureAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Disabled reports whether the account may not authenticate.
func (u *User) Disabled() bool { return u.Status != StatusActive }

// Role groups permissions under a stable name such as ROLE_ADMIN.
// Identities hold roles by id; tokens carry role names.
type Role struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a fine-grained capability, keyed RESOURCE_ACTION.
type Permission struct {
	ID          string
	Key         string
	Description string
	CreatedAt   time.Time
}

// RefreshToken is the stored half of an issued refresh credential. Only the
// SHA-256 of the client secret is kept; the plaintext exists once, in the
// login or refresh response.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the token's lifetime has lapsed at now.
func (t *RefreshToken) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }

// RevocationEntry blacklists one access token id until the token's natural
// expiry, after which the entry itself is garbage.
type RevocationEntry struct {
	TokenID   string
	ExpiresAt time.Time
	RevokedAt time.Time
}

// Security event types. Closed set; stores index on it.
const (
	EventLoginSuccess     = "login_success"
	EventLoginFailure     = "login_failure"
	EventAccountLocked    = "account_locked"
	EventAccountDisabled  = "account_disabled"
	EventLogout           = "logout"
	EventTokenRefresh     = "token_refresh"
	EventTokenRevoked     = "token_revoked"
	EventPermissionDenied = "permission_denied"
)

// SecurityEvent is one append-only audit record. UserID is nil when the
// attempt never resolved to a known identity.
type SecurityEvent struct {
	ID         string
	Type       string
	UserID     *string
	Email      string
	IP         string
	UserAgent  string
	Success    bool
	Details    string
	OccurredAt time.Time
}

// EventFilter narrows a security-event query. Zero values mean "any".
type EventFilter struct {
	Type    string
	UserID  string
	Success *bool
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// LockoutState is the failed-attempt streak for one identity.
type LockoutState struct {
	FailedAttempts int
	LockedUntil    *time.Time
	LastFailureAt  *time.Time
}

// Session is the result of a successful login or refresh.
type Session struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	User             UserSummary
}

// UserSummary is the identity projection returned alongside tokens.
type UserSummary struct {
	ID    string
	Email string
	Roles []string
}

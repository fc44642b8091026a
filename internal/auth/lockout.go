package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lockout policy defaults. Both are configurable through service options.
const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 15 * time.Minute
)

// Guard applies the account-lockout policy over a LockoutStore. State
// transitions per identity: active → (threshold consecutive failures) →
// locked until now+duration → (time passes) → active again. A lapsed lock
// needs no unlock write; it simply reads as unlocked.
type Guard struct {
	store     Store
	threshold int
	lockFor   time.Duration
	now       func() time.Time
}

// NewGuard validates the policy and binds it to a store.
func NewGuard(store Store, threshold int, lockFor time.Duration, now func() time.Time) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if threshold < 1 {
		return nil, fmt.Errorf("%w: lockout threshold must be at least 1", ErrInvalidInput)
	}
	if lockFor <= 0 {
		return nil, fmt.Errorf("%w: lockout duration must be positive", ErrInvalidInput)
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{store: store, threshold: threshold, lockFor: lockFor, now: now}, nil
}

// Threshold returns the consecutive-failure count that triggers a lock.
func (g *Guard) Threshold() int { return g.threshold }

// RecordFailure counts one failed attempt and reports whether the identity
// is now locked.
func (g *Guard) RecordFailure(ctx context.Context, userID string) (bool, error) {
	state, err := g.store.Lockouts(ctx).RecordFailure(ctx, userID, g.threshold, g.lockFor)
	if err != nil {
		return false, err
	}
	return state.LockedUntil != nil && state.LockedUntil.After(g.now()), nil
}

// RecordSuccess resets the identity's streak after a successful login.
func (g *Guard) RecordSuccess(ctx context.Context, userID string) error {
	return g.store.Lockouts(ctx).RecordSuccess(ctx, userID)
}

// IsLocked evaluates the stored lock against the current time. Login must
// call this before touching the secret so a locked account leaks nothing
// about credential correctness.
func (g *Guard) IsLocked(ctx context.Context, userID string) (bool, error) {
	state, err := g.store.Lockouts(ctx).State(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return state.LockedUntil != nil && state.LockedUntil.After(g.now()), nil
}

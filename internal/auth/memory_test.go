package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestMemoryUserUniqueness(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &User{Email: "Ops@Example.com", Username: "Ops", PasswordHash: "h"}
	if err := store.Users(ctx).Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Email != "ops@example.com" || first.Username != "ops" {
		t.Fatalf("not normalized: %+v", first)
	}

	dupEmail := &User{Email: "OPS@example.COM", Username: "other", PasswordHash: "h"}
	if err := store.Users(ctx).Create(ctx, dupEmail); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate email = %v", err)
	}
	dupName := &User{Email: "two@example.com", Username: "OPS", PasswordHash: "h"}
	if err := store.Users(ctx).Create(ctx, dupName); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate username = %v", err)
	}

	byEmail, err := store.Users(ctx).FindByLogin(ctx, "ops@example.com")
	if err != nil || byEmail.ID != first.ID {
		t.Fatalf("find by email = %+v, %v", byEmail, err)
	}
	byName, err := store.Users(ctx).FindByLogin(ctx, "  OPS ")
	if err != nil || byName.ID != first.ID {
		t.Fatalf("find by username = %+v, %v", byName, err)
	}
	if _, err := store.Users(ctx).FindByLogin(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find ghost = %v", err)
	}
}

func TestMemoryUserListPaging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		u := &User{Email: email, PasswordHash: "h"}
		if err := store.Users(ctx).Create(ctx, u); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	page, err := store.Users(ctx).List(ctx, 2, 0)
	if err != nil || len(page) != 2 {
		t.Fatalf("page 1 = %d users, %v", len(page), err)
	}
	rest, err := store.Users(ctx).List(ctx, 2, 2)
	if err != nil || len(rest) != 1 {
		t.Fatalf("page 2 = %d users, %v", len(rest), err)
	}
	all, err := store.Users(ctx).List(ctx, 0, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d users, %v", len(all), err)
	}
	none, err := store.Users(ctx).List(ctx, 2, 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("past end = %d users, %v", len(none), err)
	}
}

func TestMemoryRoleLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Permissions(ctx).Ensure(ctx, []Permission{{Key: "USER_READ"}}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	role := &Role{Name: "ROLE_OPS"}
	if err := store.Roles(ctx).Create(ctx, role); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Roles(ctx).Create(ctx, &Role{Name: "ROLE_OPS"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate = %v", err)
	}
	if err := store.Roles(ctx).SetPermissions(ctx, role.ID, []string{"NO_SUCH"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown permission = %v", err)
	}
	if err := store.Roles(ctx).SetPermissions(ctx, role.ID, []string{"USER_READ"}); err != nil {
		t.Fatalf("set permissions: %v", err)
	}

	user := &User{Email: "a@x.io", PasswordHash: "h"}
	if err := store.Users(ctx).Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.Users(ctx).AssignRole(ctx, user.ID, role.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// A role still held by someone cannot be deleted.
	if err := store.Roles(ctx).Delete(ctx, role.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("delete assigned = %v", err)
	}
	if err := store.Users(ctx).RemoveRole(ctx, user.ID, role.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Roles(ctx).Delete(ctx, role.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Roles(ctx).FindByName(ctx, "ROLE_OPS"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find deleted = %v", err)
	}
}

func TestMemoryRedeemBurnsOnWrongSecret(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	plaintext, rec, err := store.RefreshTokens(ctx).Issue(ctx, "u1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	wrongSecret := base64.RawURLEncoding.EncodeToString(make([]byte, 32))
	forged := rec.ID + "." + wrongSecret
	if forged == plaintext {
		t.Fatalf("zero secret collided with real one")
	}
	if _, err := store.RefreshTokens(ctx).Redeem(ctx, forged); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("forged redeem = %v", err)
	}

	// The guess burned the record: the real plaintext is dead too.
	if _, err := store.RefreshTokens(ctx).Redeem(ctx, plaintext); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("real redeem after burn = %v", err)
	}
}

func TestMemoryRedeemHappyPath(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	plaintext, issued, err := store.RefreshTokens(ctx).Issue(ctx, "u1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec, err := store.RefreshTokens(ctx).Redeem(ctx, plaintext)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if rec.ID != issued.ID || rec.UserID != "u1" {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := store.RefreshTokens(ctx).Redeem(ctx, plaintext); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("second redeem = %v", err)
	}
}

func TestMemoryRevokeAllAndSweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, _, err := store.RefreshTokens(ctx).Issue(ctx, "u1", time.Hour); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := store.RefreshTokens(ctx).Issue(ctx, "u1", 3*time.Hour); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := store.RefreshTokens(ctx).Issue(ctx, "u2", time.Hour); err != nil {
		t.Fatalf("issue: %v", err)
	}

	n, err := store.RefreshTokens(ctx).RevokeAll(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("revoke all = %d, %v", n, err)
	}

	now = now.Add(2 * time.Hour)
	swept, err := store.RefreshTokens(ctx).SweepExpired(ctx)
	if err != nil || swept != 1 {
		t.Fatalf("sweep = %d, %v", swept, err)
	}
}

func TestMemoryRevocations(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := store.Revocations(ctx).Blacklist(ctx, "jti-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	revoked, err := store.Revocations(ctx).IsRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("revoked = %v, %v", revoked, err)
	}
	revoked, err = store.Revocations(ctx).IsRevoked(ctx, "jti-other")
	if err != nil || revoked {
		t.Fatalf("unknown revoked = %v, %v", revoked, err)
	}

	// Blacklisting an already dead token is a no-op.
	if err := store.Revocations(ctx).Blacklist(ctx, "jti-old", now.Add(-time.Minute)); err != nil {
		t.Fatalf("blacklist lapsed: %v", err)
	}
	revoked, err = store.Revocations(ctx).IsRevoked(ctx, "jti-old")
	if err != nil || revoked {
		t.Fatalf("lapsed revoked = %v, %v", revoked, err)
	}

	// Past the token's own expiry the entry stops answering and sweeps away.
	now = now.Add(2 * time.Minute)
	revoked, err = store.Revocations(ctx).IsRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("expired entry revoked = %v, %v", revoked, err)
	}
	swept, err := store.Revocations(ctx).SweepExpired(ctx)
	if err != nil || swept != 1 {
		t.Fatalf("sweep = %d, %v", swept, err)
	}
}

func TestMemoryLockoutStore(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()

	state, err := store.Lockouts(ctx).RecordFailure(ctx, "u1", 3, 10*time.Minute)
	if err != nil || state.FailedAttempts != 1 || state.LockedUntil != nil {
		t.Fatalf("first failure = %+v, %v", state, err)
	}
	if _, err := store.Lockouts(ctx).RecordFailure(ctx, "u1", 3, 10*time.Minute); err != nil {
		t.Fatalf("second failure: %v", err)
	}
	state, err = store.Lockouts(ctx).RecordFailure(ctx, "u1", 3, 10*time.Minute)
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if state.LockedUntil == nil || !state.LockedUntil.Equal(now.Add(10*time.Minute)) {
		t.Fatalf("locked until = %v", state.LockedUntil)
	}

	// After the lock lapses the next failure starts a fresh streak.
	now = now.Add(11 * time.Minute)
	state, err = store.Lockouts(ctx).RecordFailure(ctx, "u1", 3, 10*time.Minute)
	if err != nil || state.FailedAttempts != 1 || state.LockedUntil != nil {
		t.Fatalf("post-lapse failure = %+v, %v", state, err)
	}

	if err := store.Lockouts(ctx).RecordSuccess(ctx, "u1"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if _, err := store.Lockouts(ctx).State(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("state after success = %v", err)
	}
}

func TestMemoryEvents(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()
	uid := "u1"

	appendEvent := func(eventType string, userID *string, success bool) {
		t.Helper()
		if err := store.Events(ctx).Append(ctx, &SecurityEvent{Type: eventType, UserID: userID, Success: success}); err != nil {
			t.Fatalf("append: %v", err)
		}
		now = now.Add(time.Second)
	}

	appendEvent(EventLoginFailure, &uid, false)
	appendEvent(EventLoginFailure, &uid, false)
	appendEvent(EventLoginSuccess, &uid, true)
	appendEvent(EventLoginFailure, nil, false)
	appendEvent(EventLogout, &uid, true)

	all, err := store.Events(ctx).Query(ctx, EventFilter{})
	if err != nil || len(all) != 5 {
		t.Fatalf("all = %d, %v", len(all), err)
	}
	if all[0].Type != EventLogout {
		t.Fatalf("newest first broken: %v", all[0].Type)
	}

	failures, err := store.Events(ctx).Query(ctx, EventFilter{Type: EventLoginFailure, UserID: uid})
	if err != nil || len(failures) != 2 {
		t.Fatalf("failures = %d, %v", len(failures), err)
	}

	ok := true
	succeeded, err := store.Events(ctx).Query(ctx, EventFilter{Success: &ok})
	if err != nil || len(succeeded) != 2 {
		t.Fatalf("succeeded = %d, %v", len(succeeded), err)
	}

	paged, err := store.Events(ctx).Query(ctx, EventFilter{Limit: 2, Offset: 1})
	if err != nil || len(paged) != 2 {
		t.Fatalf("paged = %d, %v", len(paged), err)
	}
	if paged[0].Type != EventLoginFailure || paged[1].Type != EventLoginSuccess {
		t.Fatalf("paged types = %v, %v", paged[0].Type, paged[1].Type)
	}

	n, err := store.Events(ctx).CountFailures(ctx, uid, now.Add(-10*time.Second))
	if err != nil || n != 2 {
		t.Fatalf("count failures = %d, %v", n, err)
	}

	pruned, err := store.Events(ctx).Prune(ctx, now.Add(-2*time.Second))
	if err != nil || pruned != 3 {
		t.Fatalf("pruned = %d, %v", pruned, err)
	}
	left, err := store.Events(ctx).Query(ctx, EventFilter{})
	if err != nil || len(left) != 2 {
		t.Fatalf("left = %d, %v", len(left), err)
	}
}

func TestMemoryEventAppendAssignsIdentity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := &SecurityEvent{Type: EventLoginSuccess, Success: true}
	if err := store.Events(ctx).Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.ID == "" || e.OccurredAt.IsZero() {
		t.Fatalf("event identity missing: %+v", e)
	}
	if err := store.Events(ctx).Append(ctx, &SecurityEvent{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("typeless append = %v", err)
	}
}

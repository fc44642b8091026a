package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type testEnv struct {
	t     *testing.T
	store *MemoryStore
	svc   *Service
	now   time.Time
}

// newTestEnv wires a service over the memory store with a shared fake clock.
// Times stay on whole seconds because token timestamps are second precision.
func newTestEnv(t *testing.T, opts ...ServiceOption) *testEnv {
	t.Helper()
	e := &testEnv{t: t, now: time.Unix(1_700_000_000, 0).UTC()}
	clock := func() time.Time { return e.now }
	e.store = NewMemoryStore(WithMemoryClock(clock))
	svc, err := NewService(e.store, testSecret, append([]ServiceOption{WithClock(clock)}, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	e.svc = svc
	if err := svc.EnsureBuiltin(context.Background()); err != nil {
		t.Fatalf("ensure builtin: %v", err)
	}
	return e
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

func (e *testEnv) seedUser(email, password string, roleNames ...string) *User {
	e.t.Helper()
	ctx := context.Background()
	hash, err := HashPassword(password)
	if err != nil {
		e.t.Fatalf("hash password: %v", err)
	}
	user := &User{
		Email:        email,
		Username:     strings.SplitN(email, "@", 2)[0],
		PasswordHash: hash,
		Status:       StatusActive,
	}
	if err := e.store.Users(ctx).Create(ctx, user); err != nil {
		e.t.Fatalf("create user: %v", err)
	}
	for _, name := range roleNames {
		role, err := e.store.Roles(ctx).FindByName(ctx, name)
		if err != nil {
			e.t.Fatalf("find role %s: %v", name, err)
		}
		if err := e.store.Users(ctx).AssignRole(ctx, user.ID, role.ID); err != nil {
			e.t.Fatalf("assign role: %v", err)
		}
	}
	return user
}

func (e *testEnv) eventTypes() []string {
	e.t.Helper()
	ctx := context.Background()
	events, err := e.store.Events(ctx).Query(ctx, EventFilter{Limit: 100})
	if err != nil {
		e.t.Fatalf("query events: %v", err)
	}
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func hasEvent(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

var testClient = ClientInfo{IP: "203.0.113.7", UserAgent: "zamok-test/1.0"}

func TestLoginSuccess(t *testing.T) {
	e := newTestEnv(t)
	user := e.seedUser("ops@example.com", "sup3r-secret-pw", RoleUser)
	ctx := context.Background()

	session, err := e.svc.Login(ctx, LoginInput{Login: "  OPS@Example.COM ", Password: "sup3r-secret-pw", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.AccessToken == "" || session.RefreshToken == "" {
		t.Fatalf("session missing tokens: %+v", session)
	}
	if !session.AccessExpiresAt.Equal(e.now.Add(e.svc.AccessTTL())) {
		t.Fatalf("access expiry = %v", session.AccessExpiresAt)
	}

	principal, err := e.svc.Authenticate(ctx, session.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.UserID != user.ID || principal.Email != "ops@example.com" {
		t.Fatalf("principal = %+v", principal)
	}
	if len(principal.Roles) != 1 || principal.Roles[0] != RoleUser {
		t.Fatalf("roles = %v", principal.Roles)
	}

	types := e.eventTypes()
	if !hasEvent(types, EventLoginSuccess) {
		t.Fatalf("events = %v, want %s", types, EventLoginSuccess)
	}
}

func TestLoginRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if _, err := e.svc.Login(ctx, LoginInput{Login: "", Password: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty login = %v", err)
	}
	if _, err := e.svc.Login(ctx, LoginInput{Login: "a@b.c", Password: ""}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty password = %v", err)
	}
}

func TestLoginUnknownAndWrongPasswordLookAlike(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser("known@example.com", "right-password-1")
	ctx := context.Background()

	_, unknownErr := e.svc.Login(ctx, LoginInput{Login: "ghost@example.com", Password: "whatever-pw", Client: testClient})
	_, wrongErr := e.svc.Login(ctx, LoginInput{Login: "known@example.com", Password: "wrong-password", Client: testClient})

	if !errors.Is(unknownErr, ErrInvalidCredentials) || !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("errors = %v / %v", unknownErr, wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Fatalf("error text differs: %q vs %q", unknownErr, wrongErr)
	}

	events, err := e.store.Events(ctx).Query(ctx, EventFilter{Type: EventLoginFailure})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("failure events = %d, want 2", len(events))
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	e := newTestEnv(t, WithLockoutPolicy(3, 10*time.Minute))
	user := e.seedUser("target@example.com", "right-password-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "wrong", Client: testClient}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d = %v", i+1, err)
		}
	}

	// The third failure crossed the threshold; even the right password is
	// refused now, with an error that does not mention the credential.
	if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "right-password-1", Client: testClient}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("locked login = %v, want ErrAccountLocked", err)
	}
	if !hasEvent(e.eventTypes(), EventAccountLocked) {
		t.Fatalf("events = %v, want %s", e.eventTypes(), EventAccountLocked)
	}

	e.advance(10*time.Minute + time.Second)
	session, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "right-password-1", Client: testClient})
	if err != nil {
		t.Fatalf("login after lock lapsed: %v", err)
	}
	if session.AccessToken == "" {
		t.Fatalf("session = %+v", session)
	}

	// Success cleared the streak: one stray failure must not lock again.
	if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "wrong", Client: testClient}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("post-reset failure = %v", err)
	}
	if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "right-password-1", Client: testClient}); err != nil {
		t.Fatalf("post-reset login = %v", err)
	}
}

func TestLockLapseResetsStreak(t *testing.T) {
	e := newTestEnv(t, WithLockoutPolicy(3, 10*time.Minute))
	user := e.seedUser("target@example.com", "right-password-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "wrong", Client: testClient})
	}
	e.advance(11 * time.Minute)

	// First failure after the lapsed lock starts a fresh streak of one.
	if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "wrong", Client: testClient}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("failure after lapse = %v", err)
	}
	if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "right-password-1", Client: testClient}); err != nil {
		t.Fatalf("login after single failure = %v, want success", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	e := newTestEnv(t)
	user := e.seedUser("ops@example.com", "sup3r-secret-pw", RoleUser)
	ctx := context.Background()

	first, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	second, err := e.svc.Refresh(ctx, first.RefreshToken, testClient)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}
	if second.User.ID != user.ID {
		t.Fatalf("session user = %+v", second.User)
	}

	// The consumed token is gone; replaying it must fail.
	if _, err := e.svc.Refresh(ctx, first.RefreshToken, testClient); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("replay = %v, want ErrRefreshInvalid", err)
	}
	if _, err := e.svc.Refresh(ctx, second.RefreshToken, testClient); err != nil {
		t.Fatalf("second refresh = %v", err)
	}
}

func TestRefreshExpiredTokenConsumed(t *testing.T) {
	e := newTestEnv(t, WithRefreshTTL(time.Hour))
	user := e.seedUser("ops@example.com", "sup3r-secret-pw")
	ctx := context.Background()

	session, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	e.advance(time.Hour + time.Second)
	if _, err := e.svc.Refresh(ctx, session.RefreshToken, testClient); !errors.Is(err, ErrRefreshExpired) {
		t.Fatalf("expired refresh = %v, want ErrRefreshExpired", err)
	}
	// Redeeming consumed the record even though it had lapsed.
	if _, err := e.svc.Refresh(ctx, session.RefreshToken, testClient); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("second try = %v, want ErrRefreshInvalid", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	e := newTestEnv(t)
	user := e.seedUser("ops@example.com", "sup3r-secret-pw")
	ctx := context.Background()

	session, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.svc.Refresh(ctx, session.RefreshToken, testClient)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRefreshInvalid):
		default:
			t.Fatalf("racer %d: %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestLogoutIdempotentAndRevokesAccess(t *testing.T) {
	e := newTestEnv(t)
	user := e.seedUser("ops@example.com", "sup3r-secret-pw")
	ctx := context.Background()

	session, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := e.svc.Authenticate(ctx, session.AccessToken); err != nil {
		t.Fatalf("authenticate before logout: %v", err)
	}

	if err := e.svc.Logout(ctx, session.RefreshToken, session.AccessToken, testClient); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := e.svc.Authenticate(ctx, session.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("authenticate after logout = %v, want ErrTokenRevoked", err)
	}
	if _, err := e.svc.Refresh(ctx, session.RefreshToken, testClient); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("refresh after logout = %v, want ErrRefreshInvalid", err)
	}

	// Second logout with the same, now dead, tokens still succeeds.
	if err := e.svc.Logout(ctx, session.RefreshToken, session.AccessToken, testClient); err != nil {
		t.Fatalf("repeat logout: %v", err)
	}
	if !hasEvent(e.eventTypes(), EventLogout) {
		t.Fatalf("events = %v, want %s", e.eventTypes(), EventLogout)
	}
}

func TestLogoutAllKeepsAccessTokensAlive(t *testing.T) {
	e := newTestEnv(t)
	user := e.seedUser("ops@example.com", "sup3r-secret-pw")
	ctx := context.Background()

	a, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	b, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	n, err := e.svc.LogoutAll(ctx, user.ID, testClient)
	if err != nil {
		t.Fatalf("logout all: %v", err)
	}
	if n != 2 {
		t.Fatalf("revoked = %d, want 2", n)
	}
	for _, token := range []string{a.RefreshToken, b.RefreshToken} {
		if _, err := e.svc.Refresh(ctx, token, testClient); !errors.Is(err, ErrRefreshInvalid) {
			t.Fatalf("refresh = %v, want ErrRefreshInvalid", err)
		}
	}
	// Unblacklisted access tokens ride out their TTL.
	if _, err := e.svc.Authenticate(ctx, a.AccessToken); err != nil {
		t.Fatalf("authenticate = %v", err)
	}
}

func TestDisabledAccount(t *testing.T) {
	e := newTestEnv(t)
	user := e.seedUser("ops@example.com", "sup3r-secret-pw")
	ctx := context.Background()

	session, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := e.store.Users(ctx).SetStatus(ctx, user.ID, StatusDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient}); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("login disabled = %v, want ErrAccountDisabled", err)
	}
	if _, err := e.svc.Refresh(ctx, session.RefreshToken, testClient); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("refresh disabled = %v, want ErrAccountDisabled", err)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	e := newTestEnv(t)
	user := e.seedUser("ops@example.com", "old-password-1")
	ctx := context.Background()

	session, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "old-password-1", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := e.svc.ChangePassword(ctx, user.ID, "nope", "new-password-1", testClient); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password = %v", err)
	}
	if err := e.svc.ChangePassword(ctx, user.ID, "old-password-1", "new-password-1", testClient); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := e.svc.Refresh(ctx, session.RefreshToken, testClient); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("old refresh = %v, want ErrRefreshInvalid", err)
	}
	if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "old-password-1", Client: testClient}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password = %v", err)
	}
	if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "new-password-1", Client: testClient}); err != nil {
		t.Fatalf("new password = %v", err)
	}
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.svc.Authenticate(context.Background(), "garbage"); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("authenticate garbage = %v, want ErrTokenMalformed", err)
	}
}

func TestSweepExpired(t *testing.T) {
	e := newTestEnv(t, WithRefreshTTL(time.Hour), WithEventRetention(24*time.Hour))
	user := e.seedUser("ops@example.com", "sup3r-secret-pw")
	ctx := context.Background()

	keep, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := e.svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient}); err != nil {
		t.Fatalf("login: %v", err)
	}
	// Consume one refresh token and blacklist its access token so both
	// sweep targets have material.
	if err := e.svc.Logout(ctx, keep.RefreshToken, keep.AccessToken, testClient); err != nil {
		t.Fatalf("logout: %v", err)
	}

	e.advance(48 * time.Hour)
	res, err := e.svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.RefreshTokens != 1 {
		t.Fatalf("swept refresh = %d, want 1", res.RefreshTokens)
	}
	if res.Revocations != 1 {
		t.Fatalf("swept revocations = %d, want 1", res.Revocations)
	}
	if res.Events == 0 {
		t.Fatalf("swept events = 0, want some")
	}
	left, err := e.store.Events(ctx).Query(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("events left = %d", len(left))
	}
}

type downLockouts struct{ err error }

func (d downLockouts) RecordFailure(context.Context, string, int, time.Duration) (*LockoutState, error) {
	return nil, d.err
}
func (d downLockouts) RecordSuccess(context.Context, string) error { return d.err }

func (d downLockouts) State(context.Context, string) (*LockoutState, error) { return nil, d.err }

type lockoutDownStore struct {
	*MemoryStore
	err error
}

func (s *lockoutDownStore) Lockouts(context.Context) LockoutStore { return downLockouts{s.err} }

func TestLoginFailsClosedWhenLockoutStoreDown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { return now }
	mem := NewMemoryStore(WithMemoryClock(clock))
	store := &lockoutDownStore{MemoryStore: mem, err: errors.New("connection refused")}
	svc, err := NewService(store, testSecret, WithClock(clock))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	hash, _ := HashPassword("sup3r-secret-pw")
	user := &User{Email: "ops@example.com", Username: "ops", PasswordHash: hash, Status: StatusActive}
	if err := mem.Users(ctx).Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	// Correct credentials do not help while lock state is unreadable.
	if _, err := svc.Login(ctx, LoginInput{Login: user.Email, Password: "sup3r-secret-pw", Client: testClient}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("login = %v, want ErrStoreUnavailable", err)
	}
}

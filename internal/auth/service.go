package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultAccessTTL      = 15 * time.Minute
	defaultRefreshTTL     = 24 * time.Hour * 14
	defaultIssuer         = "zamok"
	defaultEventRetention = 24 * time.Hour * 90
)

// Service composes the codec, the stores, the lockout guard and the event
// recorder into the login, refresh and logout flows, and authenticates
// presented access tokens for the request path.
type Service struct {
	store  Store
	codec  *Codec
	guard  *Guard
	agg    *Aggregator
	events *recorder
	now    func() time.Time

	secret           []byte
	issuer           string
	accessTTL        time.Duration
	refreshTTL       time.Duration
	lockoutThreshold int
	lockoutDuration  time.Duration
	eventRetention   time.Duration
	eventSink        func(SecurityEvent)
}

// ClientInfo carries request origin details into the audit trail.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// LoginInput is one authentication attempt.
type LoginInput struct {
	Login    string
	Password string
	Client   ClientInfo
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = strings.TrimSpace(issuer)
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithLockoutPolicy overrides the failed-attempt threshold and lock duration.
func WithLockoutPolicy(threshold int, lockFor time.Duration) ServiceOption {
	return func(s *Service) error {
		if threshold > 0 {
			s.lockoutThreshold = threshold
		}
		if lockFor > 0 {
			s.lockoutDuration = lockFor
		}
		return nil
	}
}

// WithEventRetention bounds how long security events are kept before
// SweepExpired prunes them.
func WithEventRetention(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.eventRetention = d
		}
		return nil
	}
}

// WithEventSink registers a callback receiving every recorded security
// event, e.g. the live stream hub.
func WithEventSink(sink func(SecurityEvent)) ServiceOption {
	return func(s *Service) error {
		s.eventSink = sink
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service over a store and a signing secret.
func NewService(store Store, secret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	s := &Service{
		store:            store,
		now:              time.Now,
		secret:           secret,
		issuer:           defaultIssuer,
		accessTTL:        defaultAccessTTL,
		refreshTTL:       defaultRefreshTTL,
		lockoutThreshold: DefaultLockoutThreshold,
		lockoutDuration:  DefaultLockoutDuration,
		eventRetention:   defaultEventRetention,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	codec, err := NewCodec(s.secret, s.issuer, s.now)
	if err != nil {
		return nil, err
	}
	s.codec = codec
	guard, err := NewGuard(store, s.lockoutThreshold, s.lockoutDuration, s.now)
	if err != nil {
		return nil, err
	}
	s.guard = guard
	s.agg = NewAggregator(store)
	s.events = &recorder{store: store, sink: s.eventSink, now: s.now}
	return s, nil
}

// Permissions exposes the aggregator for authorization checks.
func (s *Service) Permissions() *Aggregator { return s.agg }

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// EnsureBuiltin seeds the permission catalog and the builtin roles. Safe to
// call on every startup.
func (s *Service) EnsureBuiltin(ctx context.Context) error {
	if err := s.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}
	roles := s.store.Roles(ctx)
	for _, seed := range []struct {
		name  string
		perms []string
	}{
		{RoleAdmin, allBuiltinKeys()},
		{RoleUser, nil},
	} {
		role, err := roles.FindByName(ctx, seed.name)
		if errors.Is(err, ErrNotFound) {
			role = &Role{Name: seed.name}
			if err := roles.Create(ctx, role); err != nil && !errors.Is(err, ErrAlreadyExists) {
				return fmt.Errorf("ensure role %s: %w", seed.name, err)
			}
		} else if err != nil {
			return fmt.Errorf("ensure role %s: %w", seed.name, err)
		}
		if len(seed.perms) > 0 {
			if err := roles.SetPermissions(ctx, role.ID, seed.perms); err != nil {
				return fmt.Errorf("seed role %s permissions: %w", seed.name, err)
			}
		}
	}
	return nil
}

func allBuiltinKeys() []string {
	keys := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		keys = append(keys, p.Key)
	}
	return keys
}

// Login authenticates a login key and password pair. The error for an
// unknown key and for a wrong password is identical, and both paths burn a
// bcrypt comparison, so callers cannot probe which accounts exist.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	login := strings.ToLower(strings.TrimSpace(in.Login))
	if login == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: login and password are required", ErrInvalidInput)
	}

	user, err := s.store.Users(ctx).FindByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			VerifyPassword(dummyHash, in.Password)
			s.events.record(ctx, SecurityEvent{
				Type: EventLoginFailure, Email: login,
				IP: in.Client.IP, UserAgent: in.Client.UserAgent,
				Details: "unknown login key",
			})
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr(err)
	}

	// Lock state is checked before the secret so a locked account reveals
	// nothing about credential correctness.
	locked, err := s.guard.IsLocked(ctx, user.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	if locked {
		s.events.record(ctx, s.userEvent(user, EventAccountLocked, in.Client, false, "login rejected while locked"))
		return nil, ErrAccountLocked
	}

	if user.Disabled() {
		s.events.record(ctx, s.userEvent(user, EventAccountDisabled, in.Client, false, "login rejected for disabled account"))
		return nil, ErrAccountDisabled
	}

	if !VerifyPassword(user.PasswordHash, in.Password) {
		nowLocked, gerr := s.guard.RecordFailure(ctx, user.ID)
		if gerr != nil {
			return nil, storeErr(gerr)
		}
		s.events.record(ctx, s.userEvent(user, EventLoginFailure, in.Client, false, "wrong password"))
		if nowLocked {
			s.events.record(ctx, s.userEvent(user, EventAccountLocked, in.Client, false,
				fmt.Sprintf("locked after %d consecutive failures", s.guard.Threshold())))
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.guard.RecordSuccess(ctx, user.ID); err != nil {
		return nil, storeErr(err)
	}
	return s.openSession(ctx, user, EventLoginSuccess, in.Client)
}

// Refresh redeems a refresh token and rotates it: the redeemed token is
// consumed and a fresh pair is issued against the identity's current role
// set, read from the store.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (*Session, error) {
	rec, err := s.store.RefreshTokens(ctx).Redeem(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrRefreshExpired):
			s.events.record(ctx, SecurityEvent{
				Type: EventTokenRefresh,
				IP:   client.IP, UserAgent: client.UserAgent,
				Details: "refresh token expired",
			})
			return nil, ErrRefreshExpired
		case errors.Is(err, ErrRefreshInvalid):
			s.events.record(ctx, SecurityEvent{
				Type: EventTokenRefresh,
				IP:   client.IP, UserAgent: client.UserAgent,
				Details: "refresh token unknown or already used",
			})
			return nil, ErrRefreshInvalid
		}
		return nil, storeErr(err)
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRefreshInvalid
		}
		return nil, storeErr(err)
	}
	if user.Disabled() {
		s.events.record(ctx, s.userEvent(user, EventAccountDisabled, client, false, "refresh rejected for disabled account"))
		return nil, ErrAccountDisabled
	}
	return s.openSession(ctx, user, EventTokenRefresh, client)
}

// Logout is idempotent: it consumes the presented refresh token if it still
// exists, blacklists the presented access token if it verifies, and reports
// success either way. Repeating a logout is a no-op.
func (s *Service) Logout(ctx context.Context, refreshToken, accessToken string, client ClientInfo) error {
	var userID *string
	var email string

	if refreshToken != "" {
		rec, err := s.store.RefreshTokens(ctx).Redeem(ctx, refreshToken)
		switch {
		case err == nil:
			uid := rec.UserID
			userID = &uid
		case errors.Is(err, ErrRefreshInvalid), errors.Is(err, ErrRefreshExpired):
			// Already consumed or lapsed; logout still succeeds.
		default:
			return storeErr(err)
		}
	}

	if accessToken != "" {
		if claims, err := s.codec.Verify(accessToken); err == nil {
			if err := s.store.Revocations(ctx).Blacklist(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
				// An unrevoked access token stays usable, so this failure
				// cannot be swallowed like event-recording errors.
				return storeErr(err)
			}
			if userID == nil && claims.UserID != "" {
				uid := claims.UserID
				userID = &uid
			}
			email = claims.Email
		}
	}

	s.events.record(ctx, SecurityEvent{
		Type: EventLogout, UserID: userID, Email: email,
		IP: client.IP, UserAgent: client.UserAgent,
		Success: true,
	})
	return nil
}

// LogoutAll revokes every outstanding refresh token of one identity.
// Outstanding access tokens keep working until their TTL lapses.
func (s *Service) LogoutAll(ctx context.Context, userID string, client ClientInfo) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	n, err := s.store.RefreshTokens(ctx).RevokeAll(ctx, userID)
	if err != nil {
		return 0, storeErr(err)
	}
	uid := userID
	s.events.record(ctx, SecurityEvent{
		Type: EventTokenRevoked, UserID: &uid,
		IP: client.IP, UserAgent: client.UserAgent,
		Success: true,
		Details: fmt.Sprintf("%d refresh tokens revoked", n),
	})
	return n, nil
}

// ChangePassword verifies the current password, stores the new hash and
// revokes every session so stolen refresh tokens die with the old secret.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, client ClientInfo) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return storeErr(err)
	}
	if !VerifyPassword(user.PasswordHash, currentPassword) {
		s.events.record(ctx, s.userEvent(user, EventLoginFailure, client, false, "password change rejected: wrong current password"))
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, userID, hash); err != nil {
		return storeErr(err)
	}
	if _, err := s.LogoutAll(ctx, userID, client); err != nil {
		return err
	}
	return nil
}

// Authenticate validates a presented access token for one request: the
// revocation check runs first, then the signature and claim checks. On
// success the caller's identity comes from the claims alone; no identity
// store access happens on this path.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Principal, error) {
	tokenID, err := s.codec.TokenID(raw)
	if err != nil {
		return nil, err
	}
	revoked, err := s.store.Revocations(ctx).IsRevoked(ctx, tokenID)
	if err != nil {
		return nil, storeErr(err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	claims, err := s.codec.Verify(raw)
	if err != nil {
		return nil, err
	}
	return PrincipalFromClaims(claims), nil
}

// RecordDenied appends a permission_denied event for an authorization
// rejection. The guard layer calls it; the denial itself is already decided.
func (s *Service) RecordDenied(ctx context.Context, p *Principal, client ClientInfo, details string) {
	e := SecurityEvent{
		Type:      EventPermissionDenied,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		Details:   details,
	}
	if p != nil {
		uid := p.UserID
		e.UserID = &uid
		e.Email = p.Email
	}
	s.events.record(ctx, e)
}

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	RefreshTokens int
	Revocations   int
	Events        int
}

// SweepExpired drops lapsed refresh tokens and revocation entries and
// prunes events older than the retention window.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	n, err := s.store.RefreshTokens(ctx).SweepExpired(ctx)
	if err != nil {
		return res, storeErr(err)
	}
	res.RefreshTokens = n
	n, err = s.store.Revocations(ctx).SweepExpired(ctx)
	if err != nil {
		return res, storeErr(err)
	}
	res.Revocations = n
	n, err = s.store.Events(ctx).Prune(ctx, s.now().Add(-s.eventRetention))
	if err != nil {
		return res, storeErr(err)
	}
	res.Events = n
	return res, nil
}

// openSession issues the access/refresh pair for an authenticated user
// against its current role assignments.
func (s *Service) openSession(ctx context.Context, user *User, eventType string, client ClientInfo) (*Session, error) {
	roles, err := s.store.Users(ctx).RolesFor(ctx, user.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}

	access, claims, err := s.codec.IssueAccess(user, names, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, rec, err := s.store.RefreshTokens(ctx).Issue(ctx, user.ID, s.refreshTTL)
	if err != nil {
		return nil, storeErr(err)
	}

	s.events.record(ctx, s.userEvent(user, eventType, client, true, ""))

	return &Session{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  claims.ExpiresAt.Time,
		RefreshExpiresAt: rec.ExpiresAt,
		User: UserSummary{
			ID:    user.ID,
			Email: user.Email,
			Roles: claims.RoleNames(),
		},
	}, nil
}

func (s *Service) userEvent(user *User, eventType string, client ClientInfo, success bool, details string) SecurityEvent {
	uid := user.ID
	return SecurityEvent{
		Type:      eventType,
		UserID:    &uid,
		Email:     user.Email,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		Success:   success,
		Details:   details,
	}
}

// storeErr converts unexpected store failures into the transient sentinel
// so handlers can answer 503 without leaking driver detail. Known sentinels
// pass through untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrNotFound, ErrAlreadyExists, ErrInvalidInput,
		ErrRefreshInvalid, ErrRefreshExpired,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

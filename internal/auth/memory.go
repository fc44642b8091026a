package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"zamok.org/internal/ids"
)

// MemoryStore keeps all auth state in process under one lock. It is the
// development and test backend and the reference semantics the SQL and
// Redis stores must match: the single mutex gives every operation
// read-your-writes and serializes lockout increments per identity.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	users     map[string]*User
	emails    map[string]string
	usernames map[string]string
	roles     map[string]*Role
	roleNames map[string]string
	perms     map[string]*Permission
	userRoles map[string]map[string]struct{}
	rolePerms map[string]map[string]struct{}
	refresh   map[string]*RefreshToken
	revoked   map[string]RevocationEntry
	lockouts  map[string]*LockoutState
	events    []SecurityEvent
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption adjusts a MemoryStore at construction.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces the store clock, for deterministic tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		now:       time.Now,
		users:     make(map[string]*User),
		emails:    make(map[string]string),
		usernames: make(map[string]string),
		roles:     make(map[string]*Role),
		roleNames: make(map[string]string),
		perms:     make(map[string]*Permission),
		userRoles: make(map[string]map[string]struct{}),
		rolePerms: make(map[string]map[string]struct{}),
		refresh:   make(map[string]*RefreshToken),
		revoked:   make(map[string]RevocationEntry),
		lockouts:  make(map[string]*LockoutState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Users(context.Context) UserStore                 { return &memUsers{m} }
func (m *MemoryStore) Roles(context.Context) RoleStore                 { return &memRoles{m} }
func (m *MemoryStore) Permissions(context.Context) PermissionStore     { return &memPermissions{m} }
func (m *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore { return &memRefresh{m} }
func (m *MemoryStore) Revocations(context.Context) RevocationStore     { return &memRevocations{m} }
func (m *MemoryStore) Lockouts(context.Context) LockoutStore           { return &memLockouts{m} }
func (m *MemoryStore) Events(context.Context) EventStore               { return &memEvents{m} }

type memUsers struct{ m *MemoryStore }

func (s *memUsers) Create(_ context.Context, u *User) error {
	if u == nil || strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, exists := s.m.emails[email]; exists {
		return fmt.Errorf("%w: email %s", ErrAlreadyExists, email)
	}
	username := strings.ToLower(strings.TrimSpace(u.Username))
	if username != "" {
		if _, exists := s.m.usernames[username]; exists {
			return fmt.Errorf("%w: username %s", ErrAlreadyExists, username)
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	now := s.m.now().UTC()
	u.Email = email
	u.Username = username
	u.CreatedAt = now
	u.UpdatedAt = now

	clone := *u
	s.m.users[u.ID] = &clone
	s.m.emails[email] = u.ID
	if username != "" {
		s.m.usernames[username] = u.ID
	}
	return nil
}

func (s *memUsers) Find(_ context.Context, id string) (*User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return s.m.userLocked(id)
}

func (s *memUsers) FindByLogin(_ context.Context, key string) (*User, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if id, ok := s.m.emails[key]; ok {
		return s.m.userLocked(id)
	}
	if id, ok := s.m.usernames[key]; ok {
		return s.m.userLocked(id)
	}
	return nil, ErrNotFound
}

func (s *memUsers) List(_ context.Context, limit, offset int) ([]*User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	idList := make([]string, 0, len(s.m.users))
	for id := range s.m.users {
		idList = append(idList, id)
	}
	sort.Strings(idList)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(idList) {
		return nil, nil
	}
	idList = idList[offset:]
	if limit > 0 && limit < len(idList) {
		idList = idList[:limit]
	}
	out := make([]*User, 0, len(idList))
	for _, id := range idList {
		clone := *s.m.users[id]
		out = append(out, &clone)
	}
	return out, nil
}

func (s *memUsers) SetStatus(_ context.Context, id, status string) error {
	if status != StatusActive && status != StatusDisabled {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = s.m.now().UTC()
	return nil
}

func (s *memUsers) UpdatePassword(_ context.Context, id, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("%w: password hash is required", ErrInvalidInput)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = s.m.now().UTC()
	return nil
}

func (s *memUsers) RolesFor(_ context.Context, userID string) ([]Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if _, ok := s.m.users[userID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Role, 0, len(s.m.userRoles[userID]))
	for roleID := range s.m.userRoles[userID] {
		if r, ok := s.m.roles[roleID]; ok {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memUsers) AssignRole(_ context.Context, userID, roleID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if _, ok := s.m.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	if s.m.userRoles[userID] == nil {
		s.m.userRoles[userID] = make(map[string]struct{})
	}
	s.m.userRoles[userID][roleID] = struct{}{}
	return nil
}

func (s *memUsers) RemoveRole(_ context.Context, userID, roleID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	delete(s.m.userRoles[userID], roleID)
	return nil
}

// userLocked copies the user out; callers hold at least a read lock.
func (m *MemoryStore) userLocked(id string) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

type memRoles struct{ m *MemoryStore }

func (s *memRoles) Create(_ context.Context, role *Role) error {
	if role == nil || strings.TrimSpace(role.Name) == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, exists := s.m.roleNames[role.Name]; exists {
		return fmt.Errorf("%w: role %s", ErrAlreadyExists, role.Name)
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := s.m.now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	clone := *role
	s.m.roles[role.ID] = &clone
	s.m.roleNames[role.Name] = role.ID
	return nil
}

func (s *memRoles) Find(_ context.Context, id string) (*Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	r, ok := s.m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *memRoles) FindByName(_ context.Context, name string) (*Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.roleNames[name]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s.m.roles[id]
	return &clone, nil
}

func (s *memRoles) List(_ context.Context) ([]Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]Role, 0, len(s.m.roles))
	for _, r := range s.m.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memRoles) Delete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	role, ok := s.m.roles[id]
	if !ok {
		return ErrNotFound
	}
	for _, held := range s.m.userRoles {
		if _, assigned := held[id]; assigned {
			return fmt.Errorf("%w: role %s is still assigned", ErrInvalidInput, role.Name)
		}
	}
	delete(s.m.roles, id)
	delete(s.m.roleNames, role.Name)
	delete(s.m.rolePerms, id)
	return nil
}

func (s *memRoles) PermissionsFor(_ context.Context, roleID string) ([]Permission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if _, ok := s.m.roles[roleID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Permission, 0, len(s.m.rolePerms[roleID]))
	for key := range s.m.rolePerms[roleID] {
		if p, ok := s.m.perms[key]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memRoles) SetPermissions(_ context.Context, roleID string, permissionKeys []string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.roles[roleID]; !ok {
		return ErrNotFound
	}
	set := make(map[string]struct{}, len(permissionKeys))
	for _, key := range permissionKeys {
		if _, ok := s.m.perms[key]; !ok {
			return fmt.Errorf("%w: permission %s", ErrNotFound, key)
		}
		set[key] = struct{}{}
	}
	s.m.rolePerms[roleID] = set
	return nil
}

func (s *memRoles) PermissionKeysForRoles(_ context.Context, roleNames []string) ([]string, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	set := make(map[string]struct{})
	for _, name := range roleNames {
		id, ok := s.m.roleNames[name]
		if !ok {
			continue
		}
		for key := range s.m.rolePerms[id] {
			set[key] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

type memPermissions struct{ m *MemoryStore }

func (s *memPermissions) Ensure(_ context.Context, perms []Permission) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now().UTC()
	for _, p := range perms {
		if strings.TrimSpace(p.Key) == "" {
			return fmt.Errorf("%w: permission key is required", ErrInvalidInput)
		}
		if _, exists := s.m.perms[p.Key]; exists {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.CreatedAt = now
		clone := p
		s.m.perms[p.Key] = &clone
	}
	return nil
}

func (s *memPermissions) List(_ context.Context) ([]Permission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]Permission, 0, len(s.m.perms))
	for _, p := range s.m.perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type memRefresh struct{ m *MemoryStore }

func (s *memRefresh) Issue(_ context.Context, userID string, ttl time.Duration) (string, *RefreshToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	plaintext, rec, err := MintRefreshToken(userID, ttl, s.m.now())
	if err != nil {
		return "", nil, err
	}
	clone := *rec
	s.m.refresh[rec.ID] = &clone
	return plaintext, rec, nil
}

func (s *memRefresh) Redeem(_ context.Context, plaintext string) (*RefreshToken, error) {
	id, secret, err := SplitRefreshToken(plaintext)
	if err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, ok := s.m.refresh[id]
	if !ok {
		return nil, ErrRefreshInvalid
	}
	// Consume unconditionally: a known id with the wrong secret means
	// someone other than the holder is guessing, so the record burns too.
	delete(s.m.refresh, id)
	if !VerifyRefreshSecret(rec.TokenHash, secret) {
		return nil, ErrRefreshInvalid
	}
	if rec.Expired(s.m.now()) {
		return nil, ErrRefreshExpired
	}
	clone := *rec
	return &clone, nil
}

func (s *memRefresh) RevokeAll(_ context.Context, userID string) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	count := 0
	for id, rec := range s.m.refresh {
		if rec.UserID == userID {
			delete(s.m.refresh, id)
			count++
		}
	}
	return count, nil
}

func (s *memRefresh) SweepExpired(_ context.Context) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now()
	count := 0
	for id, rec := range s.m.refresh {
		if rec.Expired(now) {
			delete(s.m.refresh, id)
			count++
		}
	}
	return count, nil
}

type memRevocations struct{ m *MemoryStore }

func (s *memRevocations) Blacklist(_ context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now()
	if !expiresAt.After(now) {
		// The token is already past its own expiry; nothing to deny.
		return nil
	}
	s.m.revoked[tokenID] = RevocationEntry{
		TokenID:   tokenID,
		ExpiresAt: expiresAt.UTC(),
		RevokedAt: now.UTC(),
	}
	return nil
}

func (s *memRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	entry, ok := s.m.revoked[tokenID]
	return ok && entry.ExpiresAt.After(s.m.now()), nil
}

func (s *memRevocations) SweepExpired(_ context.Context) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now()
	count := 0
	for id, entry := range s.m.revoked {
		if !entry.ExpiresAt.After(now) {
			delete(s.m.revoked, id)
			count++
		}
	}
	return count, nil
}

type memLockouts struct{ m *MemoryStore }

func (s *memLockouts) RecordFailure(_ context.Context, userID string, threshold int, lockFor time.Duration) (*LockoutState, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now().UTC()
	state := s.m.lockouts[userID]
	if state == nil {
		state = &LockoutState{}
		s.m.lockouts[userID] = state
	}
	// A lapsed lock starts a fresh streak before this failure counts.
	if state.LockedUntil != nil && !state.LockedUntil.After(now) {
		state.FailedAttempts = 0
		state.LockedUntil = nil
	}
	state.FailedAttempts++
	failedAt := now
	state.LastFailureAt = &failedAt
	if state.LockedUntil == nil && state.FailedAttempts >= threshold {
		until := now.Add(lockFor)
		state.LockedUntil = &until
	}
	clone := cloneLockoutState(state)
	return clone, nil
}

func (s *memLockouts) RecordSuccess(_ context.Context, userID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.lockouts, userID)
	return nil
}

func (s *memLockouts) State(_ context.Context, userID string) (*LockoutState, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	state, ok := s.m.lockouts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLockoutState(state), nil
}

func cloneLockoutState(state *LockoutState) *LockoutState {
	clone := &LockoutState{FailedAttempts: state.FailedAttempts}
	if state.LockedUntil != nil {
		t := *state.LockedUntil
		clone.LockedUntil = &t
	}
	if state.LastFailureAt != nil {
		t := *state.LastFailureAt
		clone.LastFailureAt = &t
	}
	return clone
}

type memEvents struct{ m *MemoryStore }

func (s *memEvents) Append(_ context.Context, e *SecurityEvent) error {
	if e == nil || e.Type == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.m.now().UTC()
	}
	s.m.events = append(s.m.events, *e)
	return nil
}

func (s *memEvents) Query(_ context.Context, f EventFilter) ([]SecurityEvent, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	skipped := 0
	out := make([]SecurityEvent, 0, limit)
	// Newest first.
	for i := len(s.m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.m.events[i]
		if !matchEvent(e, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memEvents) CountFailures(_ context.Context, userID string, since time.Time) (int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	count := 0
	for _, e := range s.m.events {
		if e.Type != EventLoginFailure || e.Success {
			continue
		}
		if e.UserID == nil || *e.UserID != userID {
			continue
		}
		if e.OccurredAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *memEvents) Prune(_ context.Context, olderThan time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	kept := s.m.events[:0]
	removed := 0
	for _, e := range s.m.events {
		if e.OccurredAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.m.events = kept
	return removed, nil
}

func matchEvent(e SecurityEvent, f EventFilter) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.UserID != "" && (e.UserID == nil || *e.UserID != f.UserID) {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.OccurredAt.After(f.Until) {
		return false
	}
	return true
}

// Package redis backs the hot token paths with Redis: the revocation
// denylist and the refresh-token registry. Both lean on key TTLs for
// expiry, so sweeping is mostly a no-op, and on single-key atomic commands
// (SET NX, GETDEL) for the consistency the auth flows need. Identities,
// roles and events stay on the base store; Overlay splices the two.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"zamok.org/internal/auth"
)

// Client wraps a Redis connection with the key namespace every store key
// hangs under.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// New connects to a single Redis instance. A single node gives the
// read-your-writes guarantee the revocation store requires; replicated
// setups with async replicas are not supported.
func New(addr, password string, db int, namespace string) *Client {
	if namespace == "" {
		namespace = "zamok"
	}
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		namespace: namespace,
	}
}

// Ping verifies connectivity for readiness checks.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Revocations returns the denylist store.
func (c *Client) Revocations() auth.RevocationStore { return &revocations{c} }

// RefreshTokens returns the refresh credential store.
func (c *Client) RefreshTokens() auth.RefreshTokenStore { return &refreshTokens{c} }

func (c *Client) revokedKey(tokenID string) string { return c.namespace + ":revoked:" + tokenID }
func (c *Client) refreshKey(id string) string      { return c.namespace + ":refresh:" + id }
func (c *Client) userIndexKey(userID string) string {
	return c.namespace + ":refresh_user:" + userID
}

// revocations keeps one key per blacklisted token id, expiring exactly when
// the token itself would have.
type revocations struct{ c *Client }

func (r *revocations) Blacklist(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("%w: token id is required", auth.ErrInvalidInput)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// The token is already past its own expiry; nothing to deny.
		return nil
	}
	return r.c.rdb.Set(ctx, r.c.revokedKey(tokenID), "1", ttl).Err()
}

func (r *revocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.c.rdb.Exists(ctx, r.c.revokedKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SweepExpired is a no-op: Redis drops the keys itself at their TTL.
func (r *revocations) SweepExpired(context.Context) (int, error) { return 0, nil }

// refreshRecord is the stored JSON form of one refresh token.
type refreshRecord struct {
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// refreshTokens keys each record by token id and maintains a per-user set
// of outstanding ids so RevokeAll can find them. Redeem uses GETDEL, so of
// any number of concurrent redemptions exactly one observes the value.
type refreshTokens struct{ c *Client }

func (s *refreshTokens) Issue(ctx context.Context, userID string, ttl time.Duration) (string, *auth.RefreshToken, error) {
	plaintext, rec, err := auth.MintRefreshToken(userID, ttl, time.Now())
	if err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(refreshRecord{
		UserID:    rec.UserID,
		TokenHash: rec.TokenHash,
		ExpiresAt: rec.ExpiresAt,
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return "", nil, err
	}
	pipe := s.c.rdb.TxPipeline()
	pipe.Set(ctx, s.c.refreshKey(rec.ID), data, ttl)
	pipe.SAdd(ctx, s.c.userIndexKey(userID), rec.ID)
	// The index outlives its newest member by the member's own TTL.
	pipe.Expire(ctx, s.c.userIndexKey(userID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", nil, err
	}
	return plaintext, rec, nil
}

func (s *refreshTokens) Redeem(ctx context.Context, plaintext string) (*auth.RefreshToken, error) {
	id, secret, err := auth.SplitRefreshToken(plaintext)
	if err != nil {
		return nil, err
	}
	data, err := s.c.rdb.GetDel(ctx, s.c.refreshKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, auth.ErrRefreshInvalid
	}
	if err != nil {
		return nil, err
	}
	var stored refreshRecord
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, auth.ErrRefreshInvalid
	}
	_ = s.c.rdb.SRem(ctx, s.c.userIndexKey(stored.UserID), id).Err()

	rec := &auth.RefreshToken{
		ID:        id,
		UserID:    stored.UserID,
		TokenHash: stored.TokenHash,
		ExpiresAt: stored.ExpiresAt,
		CreatedAt: stored.CreatedAt,
	}
	// The record is consumed either way; a wrong secret for a known id means
	// someone other than the holder is guessing.
	if !auth.VerifyRefreshSecret(rec.TokenHash, secret) {
		return nil, auth.ErrRefreshInvalid
	}
	if rec.Expired(time.Now()) {
		return nil, auth.ErrRefreshExpired
	}
	return rec, nil
}

func (s *refreshTokens) RevokeAll(ctx context.Context, userID string) (int, error) {
	indexKey := s.c.userIndexKey(userID)
	ids, err := s.c.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		n, err := s.c.rdb.Del(ctx, s.c.refreshKey(id)).Result()
		if err != nil {
			return count, err
		}
		count += int(n)
	}
	if err := s.c.rdb.Del(ctx, indexKey).Err(); err != nil {
		return count, err
	}
	return count, nil
}

// SweepExpired is a no-op for the records themselves; Redis expires them.
// Stale ids linger in the per-user index until the index's own TTL fires,
// which only inflates RevokeAll's candidate list, never its result.
func (s *refreshTokens) SweepExpired(context.Context) (int, error) { return 0, nil }

// Overlay serves the token stores from Redis and everything else from the
// base store. The command wiring uses it when both Postgres and Redis are
// configured.
type Overlay struct {
	Base   auth.Store
	Client *Client
}

var _ auth.Store = (*Overlay)(nil)

func (o *Overlay) Users(ctx context.Context) auth.UserStore             { return o.Base.Users(ctx) }
func (o *Overlay) Roles(ctx context.Context) auth.RoleStore             { return o.Base.Roles(ctx) }
func (o *Overlay) Permissions(ctx context.Context) auth.PermissionStore { return o.Base.Permissions(ctx) }
func (o *Overlay) Lockouts(ctx context.Context) auth.LockoutStore       { return o.Base.Lockouts(ctx) }
func (o *Overlay) Events(ctx context.Context) auth.EventStore           { return o.Base.Events(ctx) }

func (o *Overlay) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return o.Client.RefreshTokens()
}

func (o *Overlay) Revocations(context.Context) auth.RevocationStore {
	return o.Client.Revocations()
}

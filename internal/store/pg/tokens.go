package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zamok.org/internal/auth"
)

// pgRefresh persists refresh tokens. Redeem is a single DELETE ... RETURNING
// so two concurrent redemptions of one plaintext cannot both succeed: the
// row is gone after the first statement commits.
type pgRefresh struct{ s *Store }

func (t *pgRefresh) Issue(ctx context.Context, userID string, ttl time.Duration) (string, *auth.RefreshToken, error) {
	plaintext, rec, err := auth.MintRefreshToken(userID, ttl, time.Now())
	if err != nil {
		return "", nil, err
	}
	_, err = t.s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, rec.ID, rec.UserID, rec.TokenHash, rec.ExpiresAt, rec.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return "", nil, fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
		}
		return "", nil, err
	}
	return plaintext, rec, nil
}

func (t *pgRefresh) Redeem(ctx context.Context, plaintext string) (*auth.RefreshToken, error) {
	id, secret, err := auth.SplitRefreshToken(plaintext)
	if err != nil {
		return nil, err
	}
	rec := auth.RefreshToken{ID: id}
	err = t.s.db.QueryRowContext(ctx, `
		delete from refresh_tokens
		where id = $1
		returning user_id, token_hash, expires_at, created_at
	`, id).Scan(&rec.UserID, &rec.TokenHash, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrRefreshInvalid
	}
	if err != nil {
		return nil, err
	}
	// The row is consumed either way; a wrong secret for a known id means
	// someone other than the holder is guessing.
	if !auth.VerifyRefreshSecret(rec.TokenHash, secret) {
		return nil, auth.ErrRefreshInvalid
	}
	if rec.Expired(time.Now()) {
		return nil, auth.ErrRefreshExpired
	}
	return &rec, nil
}

func (t *pgRefresh) RevokeAll(ctx context.Context, userID string) (int, error) {
	res, err := t.s.db.ExecContext(ctx, `delete from refresh_tokens where user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (t *pgRefresh) SweepExpired(ctx context.Context) (int, error) {
	res, err := t.s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

// pgRevocations is the access-token denylist. A committed insert is visible
// to every subsequent read on the same database, which is the consistency
// the logout path relies on.
type pgRevocations struct{ s *Store }

func (r *pgRevocations) Blacklist(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("%w: token id is required", auth.ErrInvalidInput)
	}
	if !expiresAt.After(time.Now()) {
		// The token is already past its own expiry; nothing to deny.
		return nil
	}
	_, err := r.s.db.ExecContext(ctx, `
		insert into revoked_tokens (token_id, expires_at, revoked_at)
		values ($1, $2, now())
		on conflict (token_id) do nothing
	`, tokenID, expiresAt)
	return err
}

func (r *pgRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := r.s.db.QueryRowContext(ctx, `
		select exists(select 1 from revoked_tokens where token_id = $1 and expires_at > now())
	`, tokenID).Scan(&revoked)
	if err != nil {
		return false, err
	}
	return revoked, nil
}

func (r *pgRevocations) SweepExpired(ctx context.Context) (int, error) {
	res, err := r.s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"zamok.org/internal/auth"
	"zamok.org/internal/ids"
)

type pgUsers struct{ s *Store }

func (u *pgUsers) Create(ctx context.Context, user *auth.User) error {
	if user == nil || strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("%w: email is required", auth.ErrInvalidInput)
	}
	if user.ID == "" {
		user.ID = ids.New()
	}
	if user.Status == "" {
		user.Status = auth.StatusActive
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))

	err := u.s.db.QueryRowContext(ctx, `
		insert into users (id, email, username, password_hash, status, verified)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, user.ID, user.Email, nullIfEmpty(user.Username), user.PasswordHash, user.Status, user.Verified).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: email or username taken", auth.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

const userColumns = `id, email, coalesce(username,''), password_hash, status, verified,
		failed_attempts, locked_until, last_failure_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		user        auth.User
		lockedUntil sql.NullTime
		lastFailure sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.Status, &user.Verified,
		&user.FailedAttempts, &lockedUntil, &lastFailure, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.LockedUntil = timePtr(lockedUntil)
	user.LastFailureAt = timePtr(lastFailure)
	return &user, nil
}

func (u *pgUsers) Find(ctx context.Context, id string) (*auth.User, error) {
	row := u.s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (u *pgUsers) FindByLogin(ctx context.Context, key string) (*auth.User, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	row := u.s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where email = $1 or username = $1
	`, key)
	return scanUser(row)
}

func (u *pgUsers) List(ctx context.Context, limit, offset int) ([]*auth.User, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := u.s.db.QueryContext(ctx, `
		select `+userColumns+`
		from users
		order by id
		limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (u *pgUsers) SetStatus(ctx context.Context, id, status string) error {
	if status != auth.StatusActive && status != auth.StatusDisabled {
		return fmt.Errorf("%w: unknown status %q", auth.ErrInvalidInput, status)
	}
	res, err := u.s.db.ExecContext(ctx, `
		update users set status = $2, updated_at = now() where id = $1
	`, id, status)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (u *pgUsers) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("%w: password hash is required", auth.ErrInvalidInput)
	}
	res, err := u.s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now() where id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (u *pgUsers) RolesFor(ctx context.Context, userID string) ([]auth.Role, error) {
	var exists int
	err := u.s.db.QueryRowContext(ctx, `select 1 from users where id = $1`, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := u.s.db.QueryContext(ctx, `
		select r.id, r.name, coalesce(r.description,''), r.created_at, r.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (u *pgUsers) AssignRole(ctx context.Context, userID, roleID string) error {
	_, err := u.s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
		on conflict do nothing
	`, userID, roleID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: user or role", auth.ErrNotFound)
		}
		return err
	}
	return nil
}

func (u *pgUsers) RemoveRole(ctx context.Context, userID, roleID string) error {
	var exists int
	err := u.s.db.QueryRowContext(ctx, `select 1 from users where id = $1`, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
	}
	if err != nil {
		return err
	}
	_, err = u.s.db.ExecContext(ctx, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, userID, roleID)
	return err
}

// pgLockouts keeps the failure streak on the users row itself. RecordFailure
// reads under a row lock so concurrent failures for one identity serialize
// and every attempt is counted exactly once.
type pgLockouts struct{ s *Store }

func (l *pgLockouts) RecordFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration) (*auth.LockoutState, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", auth.ErrInvalidInput)
	}
	tx, err := l.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		attempts    int
		lockedUntil sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		select failed_attempts, locked_until from users where id = $1 for update
	`, userID).Scan(&attempts, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	// A lapsed lock starts a fresh streak before this failure counts.
	if lockedUntil.Valid && !lockedUntil.Time.After(now) {
		attempts = 0
		lockedUntil = sql.NullTime{}
	}
	attempts++
	if !lockedUntil.Valid && attempts >= threshold {
		lockedUntil = sql.NullTime{Time: now.Add(lockFor), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		update users set failed_attempts = $2, locked_until = $3, last_failure_at = $4 where id = $1
	`, userID, attempts, lockedUntil, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	state := &auth.LockoutState{FailedAttempts: attempts, LastFailureAt: &now}
	state.LockedUntil = timePtr(lockedUntil)
	return state, nil
}

func (l *pgLockouts) RecordSuccess(ctx context.Context, userID string) error {
	_, err := l.s.db.ExecContext(ctx, `
		update users
		set failed_attempts = 0, locked_until = null, last_failure_at = null
		where id = $1
	`, userID)
	return err
}

func (l *pgLockouts) State(ctx context.Context, userID string) (*auth.LockoutState, error) {
	var (
		attempts    int
		lockedUntil sql.NullTime
		lastFailure sql.NullTime
	)
	err := l.s.db.QueryRowContext(ctx, `
		select failed_attempts, locked_until, last_failure_at from users where id = $1
	`, userID).Scan(&attempts, &lockedUntil, &lastFailure)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if attempts == 0 && !lockedUntil.Valid {
		return nil, auth.ErrNotFound
	}
	return &auth.LockoutState{
		FailedAttempts: attempts,
		LockedUntil:    timePtr(lockedUntil),
		LastFailureAt:  timePtr(lastFailure),
	}, nil
}

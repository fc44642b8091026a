package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"zamok.org/internal/auth"
	"zamok.org/internal/ids"
)

type pgRoles struct{ s *Store }

func (r *pgRoles) Create(ctx context.Context, role *auth.Role) error {
	if role == nil || strings.TrimSpace(role.Name) == "" {
		return fmt.Errorf("%w: role name is required", auth.ErrInvalidInput)
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	err := r.s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning created_at, updated_at
	`, role.ID, role.Name, nullIfEmpty(role.Description)).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: role %s", auth.ErrAlreadyExists, role.Name)
		}
		return err
	}
	return nil
}

func scanRole(row interface{ Scan(...any) error }) (*auth.Role, error) {
	var role auth.Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (r *pgRoles) Find(ctx context.Context, id string) (*auth.Role, error) {
	row := r.s.db.QueryRowContext(ctx, `
		select id, name, coalesce(description,''), created_at, updated_at
		from roles
		where id = $1
	`, id)
	return scanRole(row)
}

func (r *pgRoles) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	row := r.s.db.QueryRowContext(ctx, `
		select id, name, coalesce(description,''), created_at, updated_at
		from roles
		where name = $1
	`, name)
	return scanRole(row)
}

func (r *pgRoles) List(ctx context.Context) ([]auth.Role, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		select id, name, coalesce(description,''), created_at, updated_at
		from roles
		order by name
	`)
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

func (r *pgRoles) Delete(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		// user_roles restricts deletion while the role is still held.
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: role is still assigned", auth.ErrInvalidInput)
		}
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

func (r *pgRoles) PermissionsFor(ctx context.Context, roleID string) ([]auth.Permission, error) {
	var exists int
	err := r.s.db.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.s.db.QueryContext(ctx, `
		select p.id, p.key, coalesce(p.description,''), p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.key
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (r *pgRoles) SetPermissions(ctx context.Context, roleID string, permissionKeys []string) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, key := range permissionKeys {
		res, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, id from permissions where key = $2
		`, roleID, key)
		if err != nil {
			return err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return fmt.Errorf("%w: permission %s", auth.ErrNotFound, key)
		}
	}
	return tx.Commit()
}

func (r *pgRoles) PermissionKeysForRoles(ctx context.Context, roleNames []string) ([]string, error) {
	if len(roleNames) == 0 {
		return nil, nil
	}
	rows, err := r.s.db.QueryContext(ctx, `
		select distinct p.key
		from roles r
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where r.name = any($1)
		order by p.key
	`, roleNames)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

type pgPermissions struct{ s *Store }

func (p *pgPermissions) Ensure(ctx context.Context, perms []auth.Permission) error {
	for _, perm := range perms {
		if strings.TrimSpace(perm.Key) == "" {
			return fmt.Errorf("%w: permission key is required", auth.ErrInvalidInput)
		}
		id := perm.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := p.s.db.ExecContext(ctx, `
			insert into permissions (id, key, description)
			values ($1, $2, $3)
			on conflict (key) do nothing
		`, id, perm.Key, nullIfEmpty(perm.Description)); err != nil {
			return err
		}
	}
	return nil
}

func (p *pgPermissions) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := p.s.db.QueryContext(ctx, `
		select id, key, coalesce(description,''), created_at
		from permissions
		order by key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var perm auth.Permission
		if err := rows.Scan(&perm.ID, &perm.Key, &perm.Description, &perm.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

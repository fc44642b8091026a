package pg

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"zamok.org/internal/auth"
	"zamok.org/internal/ids"
)

type pgEvents struct{ s *Store }

func (e *pgEvents) Append(ctx context.Context, ev *auth.SecurityEvent) error {
	if ev == nil || ev.Type == "" {
		return fmt.Errorf("%w: event type is required", auth.ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	var userID any
	if ev.UserID != nil {
		userID = *ev.UserID
	}
	_, err := e.s.db.ExecContext(ctx, `
		insert into security_events (id, type, user_id, email, ip, user_agent, success, details, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.Type, userID, nullIfEmpty(ev.Email), nullIfEmpty(ev.IP),
		nullIfEmpty(ev.UserAgent), ev.Success, nullIfEmpty(ev.Details), ev.OccurredAt)
	return err
}

func (e *pgEvents) Query(ctx context.Context, f auth.EventFilter) ([]auth.SecurityEvent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Type != "" {
		where = append(where, "type = "+arg(f.Type))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.Success != nil {
		where = append(where, "success = "+arg(*f.Success))
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at <= "+arg(f.Until))
	}

	q := `select id, type, user_id, coalesce(email,''), coalesce(ip,''),
		coalesce(user_agent,''), success, coalesce(details,''), occurred_at
		from security_events`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	q += " order by id desc limit " + arg(limit) + " offset " + arg(offset)

	rows, err := e.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []auth.SecurityEvent
	for rows.Next() {
		var (
			ev     auth.SecurityEvent
			userID *string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &userID, &ev.Email, &ev.IP,
			&ev.UserAgent, &ev.Success, &ev.Details, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.UserID = userID
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (e *pgEvents) CountFailures(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := e.s.db.QueryRowContext(ctx, `
		select count(*) from security_events
		where type = $1 and user_id = $2 and occurred_at >= $3
	`, auth.EventLoginFailure, userID, since).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (e *pgEvents) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := e.s.db.ExecContext(ctx, `delete from security_events where occurred_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

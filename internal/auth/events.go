package auth

import (
	"context"
	"time"

	"zamok.org/internal/audit"
	"zamok.org/internal/ids"
)

// recorder appends security events without ever failing the caller: the
// outcome of the operation an event describes never depends on the audit
// trail. Store failures surface in the process log only. Every recorded
// event is mirrored as a structured log line and pushed to the optional
// sink feeding live subscribers.
type recorder struct {
	store Store
	sink  func(SecurityEvent)
	now   func() time.Time
}

func (r *recorder) record(ctx context.Context, e SecurityEvent) {
	e.ID = ids.New()
	e.OccurredAt = r.now().UTC()

	if err := r.store.Events(ctx).Append(ctx, &e); err != nil {
		_ = audit.LogEvent(ctx, "security.event_append_failed", map[string]any{
			"event_type": e.Type,
			"error":      err.Error(),
		})
	}

	fields := map[string]any{
		"success": e.Success,
	}
	if e.UserID != nil {
		fields["user_id"] = *e.UserID
	}
	if e.Email != "" {
		fields["email"] = e.Email
	}
	if e.IP != "" {
		fields["ip"] = e.IP
	}
	if e.UserAgent != "" {
		fields["user_agent"] = e.UserAgent
	}
	if e.Details != "" {
		fields["details"] = e.Details
	}
	_ = audit.LogEvent(ctx, "security."+e.Type, fields)

	if r.sink != nil {
		r.sink(e)
	}
}

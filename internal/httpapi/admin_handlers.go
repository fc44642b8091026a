package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"zamok.org/internal/auth"
)

type createUserRequest struct {
	Email    string   `json:"email"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type userDetail struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Username       string     `json:"username,omitempty"`
	Status         string     `json:"status"`
	Verified       bool       `json:"verified"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	Roles          []string   `json:"roles,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toUserDetail(u *auth.User, roles []auth.Role) userDetail {
	d := userDetail{
		ID:             u.ID,
		Email:          u.Email,
		Username:       u.Username,
		Status:         u.Status,
		Verified:       u.Verified,
		FailedAttempts: u.FailedAttempts,
		LockedUntil:    u.LockedUntil,
		CreatedAt:      u.CreatedAt,
	}
	for _, r := range roles {
		d.Roles = append(d.Roles, r.Name)
	}
	return d
}

type roleDetail struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toRoleDetail(r auth.Role) roleDetail {
	return roleDetail{ID: r.ID, Name: r.Name, Description: r.Description, CreatedAt: r.CreatedAt}
}

// --- /v1/admin/users ---

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.requirePermissions(a.listUsers, auth.PermUserRead)(w, r)
	case http.MethodPost:
		a.requirePermissions(a.createUser, auth.PermUserWrite)(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 100)
	users, err := a.admin.ListUsers(r.Context(), limit, offset)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	items := make([]userDetail, 0, len(users))
	for _, u := range users {
		items = append(items, toUserDetail(u, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	user, err := a.admin.CreateUser(r.Context(), auth.CreateUserInput{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
		Roles:    req.Roles,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	roles, err := a.admin.UserRoles(r.Context(), user.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/admin/users/"+user.ID)
	writeJSON(w, http.StatusCreated, toUserDetail(user, roles))
}

// handleUserResource разбирает /v1/admin/users/{id}[/status|/roles[/{role}]|/sessions].
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
			a.getUser(w, r, userID)
		}, auth.PermUserRead)(w, r)

	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
			a.setUserStatus(w, r, userID)
		}, auth.PermUserWrite)(w, r)

	case len(parts) == 2 && parts[1] == "roles":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
			a.getUserRoles(w, r, userID)
		}, auth.PermUserRead)(w, r)

	case len(parts) == 3 && parts[1] == "roles":
		roleName := parts[2]
		switch r.Method {
		case http.MethodPost:
			a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
				a.assignRole(w, r, userID, roleName)
			}, auth.PermUserWrite)(w, r)
		case http.MethodDelete:
			a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
				a.removeRole(w, r, userID, roleName)
			}, auth.PermUserWrite)(w, r)
		default:
			methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		}

	case len(parts) == 2 && parts[1] == "sessions":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
			a.revokeSessions(w, r, userID)
		}, auth.PermSessionRevoke)(w, r)

	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := a.admin.GetUser(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	roles, err := a.admin.UserRoles(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	perms, err := a.admin.UserPermissions(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	failures, err := a.admin.RecentFailures(r.Context(), userID, 24*time.Hour)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	detail := toUserDetail(user, roles)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":         detail,
		"permissions":  perms,
		"failures_24h": failures,
	})
}

func (a *API) setUserStatus(w http.ResponseWriter, r *http.Request, userID string) {
	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := a.admin.SetUserStatus(r.Context(), userID, req.Status); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	roles, err := a.admin.UserRoles(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	items := make([]roleDetail, 0, len(roles))
	for _, role := range roles {
		items = append(items, toRoleDetail(role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request, userID, roleName string) {
	if err := a.admin.AssignRole(r.Context(), userID, roleName); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) removeRole(w http.ResponseWriter, r *http.Request, userID, roleName string) {
	if err := a.admin.RemoveRole(r.Context(), userID, roleName); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) revokeSessions(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := a.svc.LogoutAll(r.Context(), userID, a.clientInfo(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

// --- /v1/admin/roles ---

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.requirePermissions(a.listRoles, auth.PermRoleRead)(w, r)
	case http.MethodPost:
		a.requirePermissions(a.createRole, auth.PermRoleWrite)(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.admin.ListRoles(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	items := make([]roleDetail, 0, len(roles))
	for _, role := range roles {
		items = append(items, toRoleDetail(role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	role, err := a.admin.CreateRole(r.Context(), req.Name, req.Description, req.Permissions)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/admin/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, toRoleDetail(*role))
}

// handleRoleResource разбирает /v1/admin/roles/{id}[/permissions].
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
				a.getRole(w, r, roleID)
			}, auth.PermRoleRead)(w, r)
		case http.MethodDelete:
			a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
				a.deleteRole(w, r, roleID)
			}, auth.PermRoleWrite)(w, r)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}

	case len(parts) == 2 && parts[1] == "permissions":
		switch r.Method {
		case http.MethodGet:
			a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
				a.getRolePermissions(w, r, roleID)
			}, auth.PermRoleRead)(w, r)
		case http.MethodPut:
			a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
				a.setRolePermissions(w, r, roleID)
			}, auth.PermRoleWrite)(w, r)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
		}

	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request, roleID string) {
	role, err := a.admin.GetRole(r.Context(), roleID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoleDetail(*role))
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request, roleID string) {
	if err := a.admin.DeleteRole(r.Context(), roleID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	perms, err := a.admin.RolePermissions(r.Context(), roleID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": keys})
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	var req updateRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := a.admin.SetRolePermissions(r.Context(), roleID, req.Permissions); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- /v1/admin/permissions ---

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.requirePermissions(func(w http.ResponseWriter, r *http.Request) {
		perms, err := a.admin.ListPermissions(r.Context())
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		type permDetail struct {
			Key         string `json:"key"`
			Description string `json:"description,omitempty"`
		}
		items := make([]permDetail, 0, len(perms))
		for _, p := range perms {
			items = append(items, permDetail{Key: p.Key, Description: p.Description})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}, auth.PermRoleRead)(w, r)
}

// --- /v1/admin/events ---

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.requirePermissions(a.listEvents, auth.PermEventRead)(w, r)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := auth.EventFilter{
		Type:   strings.TrimSpace(q.Get("type")),
		UserID: strings.TrimSpace(q.Get("user_id")),
	}
	if raw := q.Get("success"); raw != "" {
		ok, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", "success must be a boolean")
			return
		}
		filter.Success = &ok
	}
	var err error
	if filter.Since, err = parseTimeParam(q.Get("since")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "since must be RFC 3339")
		return
	}
	if filter.Until, err = parseTimeParam(q.Get("until")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "until must be RFC 3339")
		return
	}
	filter.Limit, filter.Offset = pageParams(r, 100)

	events, err := a.admin.QueryEvents(r.Context(), filter)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	type eventDetail struct {
		ID         string    `json:"id"`
		Type       string    `json:"type"`
		UserID     string    `json:"user_id,omitempty"`
		Email      string    `json:"email,omitempty"`
		IP         string    `json:"ip,omitempty"`
		UserAgent  string    `json:"user_agent,omitempty"`
		Success    bool      `json:"success"`
		Details    string    `json:"details,omitempty"`
		OccurredAt time.Time `json:"occurred_at"`
	}
	items := make([]eventDetail, 0, len(events))
	for _, e := range events {
		d := eventDetail{
			ID:         e.ID,
			Type:       e.Type,
			Email:      e.Email,
			IP:         e.IP,
			UserAgent:  e.UserAgent,
			Success:    e.Success,
			Details:    e.Details,
			OccurredAt: e.OccurredAt,
		}
		if e.UserID != nil {
			d.UserID = *e.UserID
		}
		items = append(items, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"as_of": time.Now().UTC(),
	})
}

func pageParams(r *http.Request, defLimit int) (limit, offset int) {
	q := r.URL.Query()
	limit = defLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			offset = v
		}
	}
	return limit, offset
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

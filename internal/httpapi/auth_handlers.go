package httpapi

import (
	"errors"
	"net/http"
	"time"

	"zamok.org/internal/auth"
	"zamok.org/internal/obs"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type sessionResponse struct {
	AccessToken      string       `json:"access_token"`
	RefreshToken     string       `json:"refresh_token"`
	ExpiresAt        time.Time    `json:"expires_at"`
	RefreshExpiresAt time.Time    `json:"refresh_expires_at"`
	User             userResponse `json:"user"`
}

type userResponse struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

func sessionPayload(s *auth.Session) sessionResponse {
	return sessionResponse{
		AccessToken:      s.AccessToken,
		RefreshToken:     s.RefreshToken,
		ExpiresAt:        s.AccessExpiresAt,
		RefreshExpiresAt: s.RefreshExpiresAt,
		User: userResponse{
			ID:    s.User.ID,
			Email: s.User.Email,
			Roles: s.User.Roles,
		},
	}
}

func (a *API) clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.loginAllow(clientIP(r)) {
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	session, err := a.svc.Login(r.Context(), auth.LoginInput{
		Login:    req.Login,
		Password: req.Password,
		Client:   a.clientInfo(r),
	})
	if err != nil {
		obs.ObserveLogin(loginResult(err))
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveLogin("success")
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func loginResult(err error) string {
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		return "locked"
	case errors.Is(err, auth.ErrAccountDisabled):
		return "disabled"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "error"
	}
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "refresh_token is required")
		return
	}

	session, err := a.svc.Refresh(r.Context(), req.RefreshToken, a.clientInfo(r))
	if err != nil {
		obs.ObserveRefresh("rejected")
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveRefresh("success")
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

// handleLogout consumes the refresh token and blacklists the bearer access
// token when one was presented. Идемпотентно: повторный logout — no-op 204.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	accessToken, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.Logout(r.Context(), req.RefreshToken, accessToken, a.clientInfo(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe answers from the token claims plus the at-check-time permission
// union, the one store read this endpoint is allowed.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.requireAuthenticated(w, r)
	if !ok {
		return
	}
	perms, err := a.svc.Permissions().EffectivePermissions(r.Context(), principal.Roles)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          principal.UserID,
		"email":       principal.Email,
		"roles":       principal.Roles,
		"permissions": perms,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requireAuthenticated(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	err := a.svc.ChangePassword(r.Context(), principal.UserID, req.CurrentPassword, req.NewPassword, a.clientInfo(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"zamok.org/api/spec"
	"zamok.org/internal/auth"
	"zamok.org/internal/obs"
	"zamok.org/internal/stream"
)

// ReadyProbe — простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	Check func(ctx context.Context) error
}

func (rp ReadyProbe) ping(ctx context.Context) error {
	if rp.Check == nil {
		return nil
	}
	return rp.Check(ctx)
}

// API — HTTP слой поверх auth.Service и auth.AdminService.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	admin      *auth.AdminService
	stream     *stream.Stream
	readyProbe ReadyProbe
	version    string

	// Rate-limit knobs, fixed once Handler() is first called.
	rateBurst    int
	ratePerSec   float64
	loginPerMin  int
	maxBodyBytes int64

	loginOnce    sync.Once
	loginLimiter *ipLimiter
}

// Option настраивает API до первого вызова Handler().
type Option func(*API)

// WithRateLimit sets the per-IP token bucket covering the whole surface.
// Non-positive values keep the defaults.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

// WithLoginRate sets the stricter per-IP budget the login route pays, in
// attempts per minute.
func WithLoginRate(perMinute int) Option {
	return func(a *API) {
		if perMinute > 0 {
			a.loginPerMin = perMinute
		}
	}
}

// WithMaxBodyBytes caps request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(rp ReadyProbe, version string, svc *auth.Service, admin *auth.AdminService, hub *stream.Stream, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		admin:        admin,
		stream:       hub,
		readyProbe:   rp,
		version:      version,
		rateBurst:    20,
		ratePerSec:   10,
		loginPerMin:  10,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// OpenAPI YAML
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// Authentication surface
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)
	a.mux.HandleFunc("/v1/auth/password", a.handleChangePassword)

	// Admin surface
	a.mux.HandleFunc("/v1/admin/users", a.handleUsersCollection)
	a.mux.HandleFunc("/v1/admin/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/admin/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/admin/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/admin/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/admin/events", a.handleEvents)
	a.mux.HandleFunc("/v1/admin/events/stream", a.handleEventStream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler возвращает полностью обёрнутый http.Handler для сервера.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = LoggingJSON(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Ops handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "zamok-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "zamok-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the stable error envelope: message, machine code
// and the request id, nothing about internals.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// decodeJSON parses a strict JSON body. The size cap is already applied by
// the MaxBodyBytes middleware; an oversized body surfaces as a decode error.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAuthError maps every auth sentinel onto its HTTP status and stable
// code. Unknown-user and wrong-password both arrive here as
// ErrInvalidCredentials, so the response cannot distinguish them either.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, "account_locked", "account temporarily locked")
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(w, r, http.StatusForbidden, "account_disabled", "account disabled")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token_expired", "access token expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		writeError(w, r, http.StatusUnauthorized, "token_revoked", "access token revoked")
	case errors.Is(err, auth.ErrTokenBadSignature):
		writeError(w, r, http.StatusUnauthorized, "token_bad_signature", "access token signature mismatch")
	case errors.Is(err, auth.ErrTokenUnsupportedKind):
		writeError(w, r, http.StatusUnauthorized, "token_unsupported_kind", "unsupported token kind")
	case errors.Is(err, auth.ErrTokenMalformed):
		writeError(w, r, http.StatusUnauthorized, "token_malformed", "access token malformed")
	case errors.Is(err, auth.ErrRefreshExpired):
		writeError(w, r, http.StatusUnauthorized, "refresh_expired", "refresh token expired")
	case errors.Is(err, auth.ErrRefreshInvalid):
		writeError(w, r, http.StatusUnauthorized, "refresh_invalid", "refresh token invalid")
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission_denied", "permission denied")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, auth.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "storage temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

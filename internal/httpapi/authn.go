package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"zamok.org/internal/audit"
	"zamok.org/internal/auth"
	"zamok.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth authenticates the bearer token when one is presented. A request
// without a token passes through unauthenticated; whether that is enough is
// each handler's decision. A presented token that fails validation is
// rejected here with its precise reason.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := extractBearerToken(r.Header.Get(authHeader))
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			obs.ObserveTokenVerification(verifyResult(err))
			handleAuthError(w, r, err)
			return
		}
		obs.ObserveTokenVerification("ok")

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = audit.WithUserID(ctx, principal.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuthenticated fetches the request principal or answers 401.
func (a *API) requireAuthenticated(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return nil, false
	}
	return principal, true
}

// requirePermissions guards a handler behind ALL of the named permissions,
// resolved from the principal's roles at request time.
func (a *API) requirePermissions(next http.HandlerFunc, keys ...string) http.HandlerFunc {
	return a.guard(next, keys, func(r *http.Request, p *auth.Principal) (bool, error) {
		return a.svc.Permissions().HasAll(r.Context(), p.Roles, keys...)
	})
}

// requireAnyPermission guards a handler behind AT LEAST ONE of the named
// permissions.
func (a *API) requireAnyPermission(next http.HandlerFunc, keys ...string) http.HandlerFunc {
	return a.guard(next, keys, func(r *http.Request, p *auth.Principal) (bool, error) {
		return a.svc.Permissions().HasAny(r.Context(), p.Roles, keys...)
	})
}

func (a *API) guard(next http.HandlerFunc, keys []string, check func(*http.Request, *auth.Principal) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := a.requireAuthenticated(w, r)
		if !ok {
			return
		}
		granted, err := check(r, principal)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		if !granted {
			a.svc.RecordDenied(r.Context(), principal, a.clientInfo(r),
				"required: "+strings.Join(keys, ","))
			w.Header().Set("WWW-Authenticate", "Bearer")
			handleAuthError(w, r, auth.ErrPermissionDenied)
			return
		}
		next(w, r)
	}
}

// verifyResult folds verification failures into the metric label set.
func verifyResult(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "revoked"
	default:
		return "invalid"
	}
}

// extractBearerToken returns the token portion of an Authorization header.
// The second result is false when the header is absent or not Bearer.
func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", false
	}
	return token, true
}

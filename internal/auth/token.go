package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenKindAccess marks claim sets minted for request authentication. Only
// access tokens are JWTs; refresh tokens are opaque strings owned by the
// RefreshTokenStore.
const tokenKindAccess = "access"

// iatSkew tolerates small clock drift between issuer and verifier.
const iatSkew = 5 * time.Second

// minSecretBytes keeps the HS256 key at or above the hash block strength.
const minSecretBytes = 32

// Claims is the decoded payload of an access token. Roles travel as a single
// comma-joined claim so the wire shape stays flat.
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	Roles  string `json:"roles"`
	Kind   string `json:"kind"`
	jwt.RegisteredClaims
}

// RoleNames splits the comma-joined roles claim.
func (c *Claims) RoleNames() []string { return SplitRoles(c.Roles) }

// Codec signs and verifies access tokens. Verification is pure: signature,
// shape and time checks only, no store access, deterministic given the clock.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewCodec builds a codec over a shared HS256 secret of at least 32 bytes.
func NewCodec(secret []byte, issuer string, now func() time.Time) (*Codec, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("%w: signing secret must be at least %d bytes", ErrInvalidInput, minSecretBytes)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidInput)
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: secret, issuer: issuer, now: now}, nil
}

// IssueAccess mints a signed access token carrying the user's identity and
// role names. The returned claims echo exactly what was signed.
func (c *Codec) IssueAccess(user *User, roles []string, ttl time.Duration) (string, *Claims, error) {
	if user == nil || user.ID == "" {
		return "", nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	now := c.now().UTC()
	claims := &Claims{
		UserID: user.ID,
		Email:  user.Email,
		Roles:  JoinRoles(roles),
		Kind:   tokenKindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   user.Email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a presented access token. Failures map to the
// token sentinels, never raw parser errors, so callers can switch on a
// stable reason.
func (c *Codec) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, c.keyFunc,
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, mapTokenError(err)
	}
	if err := c.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// TokenID extracts the jti claim without verifying the signature. The
// revocation check runs ahead of signature verification, so it must not
// depend on one.
func (c *Codec) TokenID(token string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", ErrTokenMalformed
	}
	if claims.ID == "" {
		return "", ErrTokenMalformed
	}
	return claims.ID, nil
}

func (c *Codec) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return c.secret, nil
}

// validateClaims applies the structure checks the parser does not cover.
func (c *Codec) validateClaims(claims *Claims) error {
	if claims.Kind != tokenKindAccess {
		return ErrTokenUnsupportedKind
	}
	if claims.UserID == "" || claims.Subject == "" || claims.ID == "" {
		return ErrTokenMalformed
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return ErrTokenMalformed
	}
	if claims.IssuedAt.Time.After(c.now().Add(iatSkew)) {
		return ErrTokenMalformed
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return ErrTokenMalformed
	}
	return nil
}

func mapTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenBadSignature
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenBadSignature
	default:
		return ErrTokenMalformed
	}
}

// NormalizeRoles trims, uppercases, dedupes and sorts role names so the
// claim form is canonical regardless of input order.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// JoinRoles flattens role names into the comma-joined claim form.
func JoinRoles(roles []string) string { return strings.Join(NormalizeRoles(roles), ",") }

// SplitRoles parses the comma-joined claim form back into canonical names.
func SplitRoles(s string) []string {
	if s == "" {
		return nil
	}
	return NormalizeRoles(strings.Split(s, ","))
}

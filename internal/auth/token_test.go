package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testCodec(t *testing.T, now func() time.Time) *Codec {
	t.Helper()
	codec, err := NewCodec(testSecret, "zamok", now)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	codec := testCodec(t, func() time.Time { return base })

	user := &User{ID: "u1", Email: "ops@example.com"}
	token, issued, err := codec.IssueAccess(user, []string{"role_user", "ROLE_ADMIN", "ROLE_USER"}, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.Roles != "ROLE_ADMIN,ROLE_USER" {
		t.Fatalf("roles claim = %q", issued.Roles)
	}

	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "ops@example.com" || claims.Kind != "access" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.ID != issued.ID {
		t.Fatalf("jti changed: %q != %q", claims.ID, issued.ID)
	}
	if !claims.ExpiresAt.Time.Equal(base.Add(15 * time.Minute)) {
		t.Fatalf("exp = %v", claims.ExpiresAt.Time)
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	now := base
	codec := testCodec(t, func() time.Time { return now })

	token, _, err := codec.IssueAccess(&User{ID: "u1", Email: "a@b.c"}, nil, 10*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = base.Add(10*time.Minute - time.Second)
	if _, err := codec.Verify(token); err != nil {
		t.Fatalf("verify just before expiry: %v", err)
	}

	// The instant of expiry is already invalid.
	now = base.Add(10 * time.Minute)
	if _, err := codec.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("verify at expiry = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	codec := testCodec(t, func() time.Time { return base })

	token, _, err := codec.IssueAccess(&User{ID: "u1", Email: "a@b.c"}, nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other, _, err := codec.IssueAccess(&User{ID: "u2", Email: "x@y.z"}, nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.Split(token, ".")
	donor := strings.Split(other, ".")
	forged := parts[0] + "." + parts[1] + "." + donor[2]

	if _, err := codec.Verify(forged); !errors.Is(err, ErrTokenBadSignature) {
		t.Fatalf("verify forged = %v, want ErrTokenBadSignature", err)
	}
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	codec := testCodec(t, func() time.Time { return base })

	claims := &Claims{
		UserID: "u1",
		Email:  "a@b.c",
		Kind:   "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "zamok",
			Subject:   "a@b.c",
			ID:        "jti-1",
			IssuedAt:  jwt.NewNumericDate(base),
			ExpiresAt: jwt.NewNumericDate(base.Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := codec.Verify(signed); !errors.Is(err, ErrTokenUnsupportedKind) {
		t.Fatalf("verify refresh-kind = %v, want ErrTokenUnsupportedKind", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	foreign, err := NewCodec(testSecret, "someone-else", func() time.Time { return base })
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	token, _, err := foreign.IssueAccess(&User{ID: "u1", Email: "a@b.c"}, nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	codec := testCodec(t, func() time.Time { return base })
	if _, err := codec.Verify(token); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("verify foreign issuer = %v, want ErrTokenMalformed", err)
	}
}

func TestVerifyRejectsFutureIssuedAt(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	codec := testCodec(t, func() time.Time { return base })

	claims := &Claims{
		UserID: "u1",
		Email:  "a@b.c",
		Kind:   "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "zamok",
			Subject:   "a@b.c",
			ID:        "jti-2",
			IssuedAt:  jwt.NewNumericDate(base.Add(time.Minute)),
			ExpiresAt: jwt.NewNumericDate(base.Add(2 * time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := codec.Verify(signed); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("verify future iat = %v, want ErrTokenMalformed", err)
	}
}

func TestTokenID(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	codec := testCodec(t, func() time.Time { return base })

	token, issued, err := codec.IssueAccess(&User{ID: "u1", Email: "a@b.c"}, nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := codec.TokenID(token)
	if err != nil {
		t.Fatalf("token id: %v", err)
	}
	if id != issued.ID {
		t.Fatalf("token id = %q, want %q", id, issued.ID)
	}

	if _, err := codec.TokenID("not-a-token"); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("token id of garbage = %v, want ErrTokenMalformed", err)
	}
}

func TestNewCodecRejectsShortSecret(t *testing.T) {
	if _, err := NewCodec([]byte("short"), "zamok", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short secret = %v, want ErrInvalidInput", err)
	}
	if _, err := NewCodec(testSecret, "  ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank issuer = %v, want ErrInvalidInput", err)
	}
}

func TestRoleClaimForms(t *testing.T) {
	got := NormalizeRoles([]string{" role_user ", "ROLE_USER", "", "role_admin"})
	if len(got) != 2 || got[0] != "ROLE_ADMIN" || got[1] != "ROLE_USER" {
		t.Fatalf("normalize = %v", got)
	}
	if s := JoinRoles([]string{"role_b", "ROLE_A"}); s != "ROLE_A,ROLE_B" {
		t.Fatalf("join = %q", s)
	}
	if back := SplitRoles("ROLE_A,ROLE_B"); len(back) != 2 || back[0] != "ROLE_A" {
		t.Fatalf("split = %v", back)
	}
	if back := SplitRoles(""); back != nil {
		t.Fatalf("split empty = %v", back)
	}
}

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"zamok.org/internal/ids"
)

// Refresh plaintext is "<id>.<secret>": the id half addresses the stored
// record, the secret half proves possession. The store keeps only the
// secret's SHA-256, so a leaked store cannot replay sessions.

const refreshSecretBytes = 32

// MintRefreshToken generates a fresh refresh credential. The returned
// plaintext goes to the client exactly once; the record is what stores
// persist.
func MintRefreshToken(userID string, ttl time.Duration, now time.Time) (string, *RefreshToken, error) {
	if userID == "" {
		return "", nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	raw := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: HashRefreshSecret(secret),
		ExpiresAt: now.Add(ttl).UTC(),
		CreatedAt: now.UTC(),
	}
	return rec.ID + "." + secret, rec, nil
}

// SplitRefreshToken separates a presented plaintext into its id and secret
// halves, rejecting anything that cannot address a record.
func SplitRefreshToken(plaintext string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(plaintext, ".")
	if !ok || secret == "" || !ids.Valid(id) {
		return "", "", ErrRefreshInvalid
	}
	return id, secret, nil
}

// HashRefreshSecret returns the hex SHA-256 digest stored at rest.
func HashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyRefreshSecret compares a presented secret against the stored digest
// in constant time.
func VerifyRefreshSecret(storedHash, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(HashRefreshSecret(secret))) == 1
}

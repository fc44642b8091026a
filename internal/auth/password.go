package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// minPasswordLen applies to new passwords only; stored hashes verify
// whatever they were created from.
const minPasswordLen = 8

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether the plaintext matches the stored hash.
// bcrypt recomputes the full derivation either way, so match and mismatch
// take the same time.
func VerifyPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// dummyHash is burned through when a login key resolves to no account, so
// unknown-user and wrong-password attempts cost the same.
var dummyHash = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte("zamok.invalid-credential-burn"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}()

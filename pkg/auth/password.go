// Package auth checks the shared admin key.
package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashKey hashes an admin key with bcrypt so only the hash needs to be
// deployed as ADMIN_API_KEY.
func HashKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// IsHash reports whether configured looks like a bcrypt hash.
func IsHash(configured string) bool {
	return strings.HasPrefix(configured, "$2a$") ||
		strings.HasPrefix(configured, "$2b$") ||
		strings.HasPrefix(configured, "$2y$")
}

// KeyMatcher returns a function reporting whether a presented key matches
// configured, which is either the plain key or its bcrypt hash.
func KeyMatcher(configured string) func(presented string) bool {
	if IsHash(configured) {
		hash := []byte(configured)
		return func(presented string) bool {
			return bcrypt.CompareHashAndPassword(hash, []byte(presented)) == nil
		}
	}
	return func(presented string) bool {
		return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
	}
}

// Package auth verifies admin API keys for the HTTP surface. Keys are never
// stored raw: configuration carries Argon2id PHC strings or "sha256:"-prefixed
// hex digests, and verification is constant-time for the SHA-256 path.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// argon2idParams follows the OWASP minimum for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns the prefixed SHA-256 hex digest of a raw key, suitable for
// direct use in configuration.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format
// ($argon2id$v=19$m=...,t=...,p=...$salt$hash).
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// VerifyKey verifies a raw key against one stored hash. Supported formats are
// Argon2id PHC and "sha256:"-prefixed hex. Returns ErrUnknownHashType for
// anything else.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return safeArgon2idCompare(rawKey, storedHash)
	case strings.HasPrefix(storedHash, "sha256:"):
		expected := strings.TrimPrefix(storedHash, "sha256:")
		sum := sha256.Sum256([]byte(rawKey))
		computed := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// Verifier checks presented keys against a configured hash set.
type Verifier struct {
	hashes []string
}

// NewVerifier builds a verifier over the configured stored hashes.
func NewVerifier(hashes []string) *Verifier {
	return &Verifier{hashes: hashes}
}

// Enabled reports whether any key hashes are configured.
func (v *Verifier) Enabled() bool { return len(v.hashes) > 0 }

// Verify reports whether the raw key matches any configured hash. Malformed
// stored hashes are skipped rather than failing the whole check.
func (v *Verifier) Verify(rawKey string) bool {
	for _, h := range v.hashes {
		match, err := VerifyKey(rawKey, h)
		if err != nil {
			continue
		}
		if match {
			return true
		}
	}
	return false
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery: the underlying argon2 library panics on PHC strings with invalid
// parameters (t=0, p=0), and verification must never take the process down.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}

package cryptotls

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Prefix     = "$pbkdf2-sha256$"
	minIterations    = 100_000
	saltLen          = 16
	derivedKeyLen    = 32
	defaultIteration = 210_000
)

// HashPassword derives a PBKDF2-HMAC-SHA256 hash of password with a fresh
// random salt and iterations iterations (>=100000), and serializes it as
// "$pbkdf2-sha256$<iter>$<b64 salt>$<b64 hash>" per §4.1.
func HashPassword(password string, iterations int) (string, error) {
	if iterations < minIterations {
		iterations = minIterations
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptotls: generating salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(password), salt, iterations, derivedKeyLen, sha256.New)
	return serialize(iterations, salt, dk), nil
}

// HashPasswordDefault hashes with the default iteration count.
func HashPasswordDefault(password string) (string, error) {
	return HashPassword(password, defaultIteration)
}

func serialize(iterations int, salt, dk []byte) string {
	return fmt.Sprintf("%s%d$%s$%s", pbkdf2Prefix, iterations,
		base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(dk))
}

// IsHashed reports whether s looks like a PBKDF2 hash produced by this
// package, per §4.1's is_hashed.
func IsHashed(s string) bool {
	return strings.HasPrefix(s, pbkdf2Prefix)
}

// Verify checks password against a serialized hash using a constant-time
// comparison, per §4.1. A plaintext (non-hashed) stored value is always
// rejected: "plaintext fallback is forbidden at validate time".
func Verify(password, stored string) (bool, error) {
	if !IsHashed(stored) {
		return false, fmt.Errorf("cryptotls: refusing plaintext credential comparison")
	}
	iterations, salt, dk, err := parse(stored)
	if err != nil {
		return false, err
	}
	candidate := pbkdf2.Key([]byte(password), salt, iterations, len(dk), sha256.New)
	return subtle.ConstantTimeCompare(candidate, dk) == 1, nil
}

func parse(stored string) (iterations int, salt, dk []byte, err error) {
	rest := strings.TrimPrefix(stored, pbkdf2Prefix)
	parts := strings.Split(rest, "$")
	if len(parts) != 3 {
		return 0, nil, nil, fmt.Errorf("cryptotls: malformed pbkdf2 hash")
	}
	iterations, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("cryptotls: malformed iteration count: %w", err)
	}
	salt, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("cryptotls: malformed salt: %w", err)
	}
	dk, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("cryptotls: malformed hash: %w", err)
	}
	return iterations, salt, dk, nil
}

// MigrateUsersFile rewrites a users file mapping usernames to plaintext or
// weakly-hashed passwords into one where every password is PBKDF2-hashed, by
// writing a temp file and renaming it over the original, per §4.1's "a
// loader may auto-migrate once at startup". The caller supplies the
// encode/decode functions so this stays independent of the users-file
// format (externals.LoadUsersFile and externals.SaveUsersFile parse and
// serialize the YAML bytes of that format).
func MigrateUsersFile(path string, load func(path string) (map[string]string, error), save func(path string, users map[string]string) error) (migrated bool, err error) {
	users, err := load(path)
	if err != nil {
		return false, err
	}
	changed := false
	for name, pw := range users {
		if IsHashed(pw) {
			continue
		}
		hash, err := HashPasswordDefault(pw)
		if err != nil {
			return false, fmt.Errorf("cryptotls: migrating password for %s: %w", name, err)
		}
		users[name] = hash
		changed = true
	}
	if !changed {
		return false, nil
	}
	tmp := path + ".tmp"
	if err := save(tmp, users); err != nil {
		return false, fmt.Errorf("cryptotls: writing migrated users file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("cryptotls: renaming migrated users file into place: %w", err)
	}
	return true, nil
}

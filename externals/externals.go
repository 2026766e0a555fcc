// Package externals holds the interfaces and small helper types for the
// out-of-core collaborators named in §6: the virus scanner, the admin HTTP
// authenticator, and the users-file loader. None of these is implemented
// here beyond what the core needs to call into them; a real deployment
// wires concrete implementations (a ClamAV client, an HTTP mux, ...) behind
// these seams.
package externals

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScanVerdict is the three-outcome shape a virus scanner reports, carried
// over from the original's VirusScanResult{clean, infected, unavailable}.
type ScanVerdict struct {
	Clean       bool
	Infected    bool
	Unavailable bool
	VirusName   string
}

// Scanner is the capability set §9's "replace dynamic dispatch with a
// capability set" note calls for: one method, a runtime list of
// implementations wired at startup.
type Scanner interface {
	Scan(hash string, raw []byte) (ScanVerdict, error)
}

// ReadinessState is the health/readiness enum the admin/metrics HTTP
// surface (out of core, §1) reports against.
type ReadinessState string

const (
	StateStarting ReadinessState = "STARTING"
	StateReady    ReadinessState = "READY"
	StateDegraded ReadinessState = "DEGRADED"
	StateStopping ReadinessState = "STOPPING"
)

// HealthText renders the health-endpoint body for a readiness state, per
// §6: "OK" when READY, otherwise the state name (with reason appended for
// DEGRADED).
func HealthText(state ReadinessState, degradedReason string) string {
	if state == StateReady {
		return "OK"
	}
	if state == StateDegraded && degradedReason != "" {
		return fmt.Sprintf("DEGRADED: %s", degradedReason)
	}
	return string(state)
}

// ReadyStatusCode returns the HTTP status the ready endpoint reports: 200
// when READY or DEGRADED, 503 otherwise, per §6.
func ReadyStatusCode(state ReadinessState) int {
	if state == StateReady || state == StateDegraded {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// CheckAdminToken implements §6's admin-route authentication: a
// constant-time compare of the configured token against either the
// X-Admin-Token header or an "Authorization: Bearer <token>" header. The
// original (admin/admin_auth.cpp) did a plain substring scan; this repo
// upgrades that to the constant-time comparison §6 already mandates.
func CheckAdminToken(r *http.Request, configuredToken string) bool {
	if configuredToken == "" {
		return false
	}
	if tok := r.Header.Get("X-Admin-Token"); tok != "" {
		return constantTimeEqual(tok, configuredToken)
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return constantTimeEqual(strings.TrimPrefix(auth, "Bearer "), configuredToken)
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// UsersFile is the §6 YAML users-file shape.
type UsersFile struct {
	Users map[string]struct {
		Password string `yaml:"password"`
	} `yaml:"users"`
}

// LoadUsersFile reads and parses a §6 users-file, returning a flat
// username-to-hashed-password map for cryptotls.Verify to consume.
func LoadUsersFile(data []byte) (map[string]string, error) {
	var uf UsersFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return nil, fmt.Errorf("externals: parse users file: %w", err)
	}
	out := make(map[string]string, len(uf.Users))
	for name, u := range uf.Users {
		out[name] = u.Password
	}
	return out, nil
}

// SaveUsersFile serializes users back into the §6 YAML shape and returns the
// bytes; it is the inverse of LoadUsersFile.
func SaveUsersFile(users map[string]string) ([]byte, error) {
	uf := UsersFile{Users: map[string]struct {
		Password string `yaml:"password"`
	}{}}
	for name, hash := range users {
		uf.Users[name] = struct {
			Password string `yaml:"password"`
		}{Password: hash}
	}
	return yaml.Marshal(uf)
}

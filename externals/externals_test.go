package externals

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthText(t *testing.T) {
	if HealthText(StateReady, "") != "OK" {
		t.Fatal("expected OK when ready")
	}
	if HealthText(StateDegraded, "disk low") != "DEGRADED: disk low" {
		t.Fatalf("unexpected degraded text")
	}
	if HealthText(StateStarting, "") != "STARTING" {
		t.Fatal("expected STARTING")
	}
}

func TestReadyStatusCode(t *testing.T) {
	if ReadyStatusCode(StateReady) != http.StatusOK {
		t.Fatal("expected 200 for ready")
	}
	if ReadyStatusCode(StateDegraded) != http.StatusOK {
		t.Fatal("expected 200 for degraded")
	}
	if ReadyStatusCode(StateStarting) != http.StatusServiceUnavailable {
		t.Fatal("expected 503 for starting")
	}
}

func TestCheckAdminTokenHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/admin", nil)
	r.Header.Set("X-Admin-Token", "secret")
	if !CheckAdminToken(r, "secret") {
		t.Fatal("expected token to match")
	}
	if CheckAdminToken(r, "other") {
		t.Fatal("expected mismatch to fail")
	}
}

func TestCheckAdminTokenBearer(t *testing.T) {
	r := httptest.NewRequest("GET", "/admin", nil)
	r.Header.Set("Authorization", "Bearer secret")
	if !CheckAdminToken(r, "secret") {
		t.Fatal("expected bearer token to match")
	}
}

func TestLoadSaveUsersFileRoundTrip(t *testing.T) {
	data := []byte("users:\n  alice: { password: \"$pbkdf2-sha256$100000$abc$def\" }\n")
	users, err := LoadUsersFile(data)
	if err != nil {
		t.Fatal(err)
	}
	if users["alice"] != "$pbkdf2-sha256$100000$abc$def" {
		t.Fatalf("unexpected parsed password: %q", users["alice"])
	}
	out, err := SaveUsersFile(users)
	if err != nil {
		t.Fatal(err)
	}
	reloaded, err := LoadUsersFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded["alice"] != users["alice"] {
		t.Fatal("round trip mismatch")
	}
}

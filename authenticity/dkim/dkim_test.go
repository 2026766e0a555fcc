package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"testing"
)

type fakeResolver struct {
	txt map[string][]string
}

func (f *fakeResolver) LookupTXT(name string) ([]string, error) {
	if v, ok := f.txt[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no such record: %s", name)
}

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func keyRecord(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv := genKey(t)
	k := &Key{Domain: "example.org", Selector: "mail", Headers: []string{"from", "to", "subject"}, Private: priv}

	msg := "From: alice@example.org\r\nTo: bob@example.com\r\nSubject: hello\r\n\r\nHi there.\r\n"
	sigHeader, err := SignMessage(k, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	full := sigHeader + msg

	resolver := &fakeResolver{txt: map[string][]string{
		"mail._domainkey.example.org": {keyRecord(t, &priv.PublicKey)},
	}}
	result := Verify(resolver, []byte(full))
	if result.Status != StatusPass {
		t.Fatalf("expected pass, got %v (%v)", result.Status, result.Err)
	}
}

func TestVerifyNoSignatureIsNone(t *testing.T) {
	resolver := &fakeResolver{txt: map[string][]string{}}
	result := Verify(resolver, []byte("From: a@b.org\r\n\r\nbody\r\n"))
	if result.Status != StatusNone {
		t.Fatalf("expected none, got %v", result.Status)
	}
}

func TestVerifyTamperedBodyFails(t *testing.T) {
	priv := genKey(t)
	k := &Key{Domain: "example.org", Selector: "mail", Headers: []string{"from"}, Private: priv}
	msg := "From: alice@example.org\r\n\r\noriginal body\r\n"
	sigHeader, err := SignMessage(k, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	tampered := sigHeader + "From: alice@example.org\r\n\r\ntampered body\r\n"

	resolver := &fakeResolver{txt: map[string][]string{
		"mail._domainkey.example.org": {keyRecord(t, &priv.PublicKey)},
	}}
	result := Verify(resolver, []byte(tampered))
	if result.Status != StatusFail {
		t.Fatalf("expected fail, got %v", result.Status)
	}
}

func TestVerifyMissingKeyRecordIsTempError(t *testing.T) {
	priv := genKey(t)
	k := &Key{Domain: "example.org", Selector: "mail", Headers: []string{"from"}, Private: priv}
	msg := "From: alice@example.org\r\n\r\nbody\r\n"
	sigHeader, err := SignMessage(k, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	resolver := &fakeResolver{txt: map[string][]string{}}
	result := Verify(resolver, []byte(sigHeader+msg))
	if result.Status != StatusTempError {
		t.Fatalf("expected temperror, got %v", result.Status)
	}
}

func TestVerifyRevokedKeyIsPermError(t *testing.T) {
	priv := genKey(t)
	k := &Key{Domain: "example.org", Selector: "mail", Headers: []string{"from"}, Private: priv}
	msg := "From: alice@example.org\r\n\r\nbody\r\n"
	sigHeader, err := SignMessage(k, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	resolver := &fakeResolver{txt: map[string][]string{
		"mail._domainkey.example.org": {"v=DKIM1; k=rsa; p="},
	}}
	result := Verify(resolver, []byte(sigHeader+msg))
	if result.Status != StatusPermError {
		t.Fatalf("expected permerror, got %v", result.Status)
	}
}

func TestCanonicalizeBodyRelaxedIdempotent(t *testing.T) {
	body := []byte("line one  \r\nline two\r\n\r\n\r\n")
	once := CanonicalizeBodyRelaxed(body)
	twice := CanonicalizeBodyRelaxed(once)
	if string(once) != string(twice) {
		t.Fatalf("canonicalization not idempotent:\n%q\n%q", once, twice)
	}
}

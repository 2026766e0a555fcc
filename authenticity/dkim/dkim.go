// Package dkim implements DKIM (RFC 6376) signing and verification per
// §4.4: relaxed/relaxed canonicalization only, RSA-SHA256 only, the subset
// this repo actually needs rather than the full tag surface RFC 6376
// defines.
package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// Status is one of the outcomes named in §4.4.
type Status string

const (
	StatusNone      Status = "none"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTempError Status = "temperror"
	StatusPermError Status = "permerror"
)

// Resolver is the subset of dnsresolve.Resolver verification needs.
type Resolver interface {
	LookupTXT(name string) ([]string, error)
}

// Result is the outcome of verifying one DKIM-Signature header.
type Result struct {
	Status Status
	Domain string
	Err    error
}

// Key is a parsed signer private key together with the domain/selector it
// signs for.
type Key struct {
	Domain   string
	Selector string
	Headers  []string // h= tag, in signing order; Sign canonicalizes bottom-up per name
	Private  *rsa.PrivateKey
}

// ParsePrivateKeyPEM parses a PKCS#1 or PKCS#8 RSA private key in PEM form,
// the format the §6 dkim_key_file config option names.
func ParsePrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("dkim: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("dkim: private key is not RSA")
	}
	return rsaKey, nil
}

// Sign produces a complete "DKIM-Signature: ..." header line (with trailing
// CRLF) for msg, signing the headers named by key.Headers plus the body, per
// §4.4.
func Sign(key *Key, headers []header, body []byte) (string, error) {
	if key.Private == nil {
		return "", fmt.Errorf("dkim: no private key")
	}
	canonBody := CanonicalizeBodyRelaxed(body)
	bh := sha256.Sum256(canonBody)
	bodyHash := base64.StdEncoding.EncodeToString(bh[:])

	now := time.Now()
	headerValue := buildHeaderValue(key.Domain, key.Selector, key.Headers, bodyHash, "", now)
	selected := selectHeaders(headers, key.Headers)
	base := canonicalizeHeaders(selected, "DKIM-Signature", headerValue, "")

	digest := sha256.Sum256([]byte(base))
	sigBytes, err := rsa.SignPKCS1v15(rand.Reader, key.Private, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("dkim: sign: %w", err)
	}
	b := base64.StdEncoding.EncodeToString(sigBytes)
	finalValue := buildHeaderValue(key.Domain, key.Selector, key.Headers, bodyHash, b, now)
	return "DKIM-Signature: " + finalValue + "\r\n", nil
}

// SignMessage is the message-level convenience wrapper: it parses raw (a
// full RFC 5322 message with CRLF line endings), signs it, and returns the
// DKIM-Signature header to prepend.
func SignMessage(key *Key, raw []byte) (string, error) {
	headers, body, err := splitMessage(raw)
	if err != nil {
		return "", err
	}
	return Sign(key, headers, body)
}

// Verify locates and verifies the first DKIM-Signature header in raw,
// fetching the public key via resolver, per §4.4. A message with no
// DKIM-Signature header yields StatusNone.
func Verify(resolver Resolver, raw []byte) Result {
	headers, body, err := splitMessage(raw)
	if err != nil {
		return Result{Status: StatusPermError, Err: err}
	}
	var dkimHeader *header
	for i := range headers {
		if strings.EqualFold(headers[i].name, "DKIM-Signature") {
			dkimHeader = &headers[i]
			break
		}
	}
	if dkimHeader == nil {
		return Result{Status: StatusNone}
	}
	sig, err := ParseSig(dkimHeader.value)
	if err != nil {
		return Result{Status: StatusPermError, Err: err}
	}
	if sig.Algorithm != "rsa-sha256" {
		return Result{Status: StatusPermError, Domain: sig.Domain, Err: fmt.Errorf("dkim: unsupported algorithm %q", sig.Algorithm)}
	}
	if !sig.Expiration.IsZero() && time.Now().After(sig.Expiration) {
		return Result{Status: StatusFail, Domain: sig.Domain, Err: fmt.Errorf("dkim: signature expired")}
	}

	canonBody := CanonicalizeBodyRelaxed(body)
	bh := sha256.Sum256(canonBody)
	if base64.StdEncoding.EncodeToString(bh[:]) != sig.BodyHash {
		return Result{Status: StatusFail, Domain: sig.Domain, Err: fmt.Errorf("dkim: body hash mismatch")}
	}

	pub, err := lookupKey(resolver, sig.Selector, sig.Domain)
	if err != nil {
		if isTempError(err) {
			return Result{Status: StatusTempError, Domain: sig.Domain, Err: err}
		}
		return Result{Status: StatusPermError, Domain: sig.Domain, Err: err}
	}

	selected := selectHeaders(headers, sig.Headers)
	base := canonicalizeHeaders(selected, dkimHeader.name, dkimHeader.value, "")
	digest := sha256.Sum256([]byte(base))
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return Result{Status: StatusPermError, Domain: sig.Domain, Err: fmt.Errorf("dkim: malformed b= tag: %w", err)}
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sigBytes); err != nil {
		return Result{Status: StatusFail, Domain: sig.Domain, Err: fmt.Errorf("dkim: signature verify: %w", err)}
	}
	return Result{Status: StatusPass, Domain: sig.Domain}
}

type tempError struct{ error }

func isTempError(err error) bool {
	_, ok := err.(tempError)
	return ok
}

// lookupKey fetches and parses the "<selector>._domainkey.<domain>" TXT
// record's p= tag into an RSA public key, per §4.4.
func lookupKey(resolver Resolver, selector, domain string) (*rsa.PublicKey, error) {
	name := selector + "._domainkey." + domain
	txt, err := resolver.LookupTXT(name)
	if err != nil {
		return nil, tempError{fmt.Errorf("dkim: dns lookup of %s: %w", name, err)}
	}
	if len(txt) == 0 {
		return nil, fmt.Errorf("dkim: no TXT record at %s", name)
	}
	record := strings.Join(txt, "")
	tags := parseKeyTags(record)
	if tags["v"] != "" && tags["v"] != "DKIM1" {
		return nil, fmt.Errorf("dkim: unsupported key record version %q", tags["v"])
	}
	if tags["k"] != "" && tags["k"] != "rsa" {
		return nil, fmt.Errorf("dkim: unsupported key type %q", tags["k"])
	}
	p := tags["p"]
	if p == "" {
		return nil, fmt.Errorf("dkim: key revoked or missing p= tag at %s", name)
	}
	der, err := base64.StdEncoding.DecodeString(stripWSP(p))
	if err != nil {
		return nil, fmt.Errorf("dkim: malformed p= tag at %s: %w", name, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse public key at %s: %w", name, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("dkim: public key at %s is not RSA", name)
	}
	if rsaPub.Size()*8 < 1024 {
		return nil, fmt.Errorf("dkim: public key at %s is weaker than 1024 bits", name)
	}
	return rsaPub, nil
}

func parseKeyTags(record string) map[string]string {
	tags := map[string]string{}
	for _, part := range strings.Split(record, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		tags[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return tags
}

// splitMessage splits raw RFC 5322 message bytes into unfolded headers (in
// wire order) and the body, per §4.5's header/body split.
func splitMessage(raw []byte) ([]header, []byte, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	idx := strings.Index(text, "\n\n")
	var headerBlock, body string
	if idx < 0 {
		headerBlock = text
	} else {
		headerBlock = text[:idx]
		body = text[idx+2:]
	}
	var headers []header
	var cur *header
	for _, line := range strings.Split(headerBlock, "\n") {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && cur != nil {
			cur.value += " " + strings.TrimSpace(line)
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, nil, fmt.Errorf("dkim: malformed header line %q", line)
		}
		headers = append(headers, header{name: line[:i], value: strings.TrimSpace(line[i+1:])})
		cur = &headers[len(headers)-1]
	}
	return headers, []byte(strings.ReplaceAll(body, "\n", "\r\n")), nil
}

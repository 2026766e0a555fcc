package dkim

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sig is a parsed DKIM-Signature header, the tags named in RFC 6376 §3.5
// that this repo's §4.4 signing/verification actually uses.
type Sig struct {
	Version     string    // v=
	Algorithm   string    // a=, always "rsa-sha256" here
	Domain      string    // d=
	Selector    string    // s=
	Headers     []string  // h=, in order, lowercased
	BodyHash    string    // bh=, base64
	Signature   string    // b=, base64
	Canon       string    // c=, "relaxed/relaxed"
	Timestamp   time.Time // t=, zero if absent
	Expiration  time.Time // x=, zero if absent
	Raw         string    // the full header value, for canonicalization
}

// ParseSig parses a DKIM-Signature header value into its tags.
func ParseSig(value string) (*Sig, error) {
	sig := &Sig{Raw: value, Canon: "relaxed/relaxed"}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("dkim: malformed tag %q", part)
		}
		tag := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		switch tag {
		case "v":
			sig.Version = val
		case "a":
			sig.Algorithm = val
		case "d":
			sig.Domain = strings.ToLower(val)
		case "s":
			sig.Selector = val
		case "h":
			for _, h := range strings.Split(val, ":") {
				sig.Headers = append(sig.Headers, strings.ToLower(strings.TrimSpace(h)))
			}
		case "bh":
			sig.BodyHash = stripWSP(val)
		case "b":
			sig.Signature = stripWSP(val)
		case "c":
			sig.Canon = val
		case "t":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				sig.Timestamp = time.Unix(n, 0)
			}
		case "x":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				sig.Expiration = time.Unix(n, 0)
			}
		}
	}
	if sig.Version == "" || sig.Algorithm == "" || sig.Domain == "" || sig.Selector == "" ||
		len(sig.Headers) == 0 || sig.BodyHash == "" || sig.Signature == "" {
		return nil, fmt.Errorf("dkim: missing required tag")
	}
	return sig, nil
}

func stripWSP(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

// buildHeaderValue renders a DKIM-Signature header value with bValue as the
// b= tag (empty during signature-base computation, the base64 signature
// once signed).
func buildHeaderValue(domain, selector string, headerNames []string, bodyHash, bValue string, now time.Time) string {
	return fmt.Sprintf("v=1; a=rsa-sha256; c=relaxed/relaxed; d=%s; s=%s; t=%d; h=%s; bh=%s; b=%s",
		domain, selector, now.Unix(), strings.Join(headerNames, ":"), bodyHash, bValue)
}

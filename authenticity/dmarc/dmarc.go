// Package dmarc implements DMARC policy lookup and alignment per §4.4:
// walking from the From-domain up to its organizational parent looking for
// a "_dmarc.<domain>" TXT record, then checking SPF/DKIM alignment against
// the record's requested policy.
package dmarc

import (
	"errors"
	"fmt"
	mathrand "math/rand"
	"strconv"
	"strings"

	"github.com/duskmail/duskmail/authenticity/dkim"
	"github.com/duskmail/duskmail/authenticity/spf"
)

// ErrMultipleRecords is returned by Lookup when a domain publishes more
// than one DMARC TXT record, per §4.4: "Zero records → Pass (no policy).
// >1 record → Fail with enforced reject." The caller must apply a forced
// reject rather than fall through to Evaluate/ShouldSample.
var ErrMultipleRecords = errors.New("dmarc: multiple records published, enforcing reject")

// Policy is the p=/sp= disposition requested by a DMARC record.
type Policy string

const (
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

// Align is the alignment mode for adkim=/aspf=.
type Align string

const (
	AlignStrict   Align = "s"
	AlignRelaxed  Align = "r"
)

// Record is a parsed DMARC TXT record.
type Record struct {
	Policy          Policy
	SubdomainPolicy Policy // sp=, falls back to Policy if absent
	AlignDKIM       Align
	AlignSPF        Align
	Percent         int // pct=, 0-100, default 100
	Domain          string
}

// Resolver is the subset of dnsresolve.Resolver DMARC lookup needs.
type Resolver interface {
	LookupTXT(name string) ([]string, error)
}

// ParseRecord parses a DMARC TXT record's tag list. isDMARC is false if the
// record does not start with "v=DMARC1" (the lookup loop should then treat
// it as not found rather than a parse error, per RFC 7489 §6.6.3).
func ParseRecord(s string) (rec *Record, isDMARC bool, err error) {
	tags := map[string]string{}
	for _, part := range strings.Split(s, ";") {
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
	if !strings.EqualFold(tags["v"], "DMARC1") {
		return nil, false, nil
	}
	p, ok := tags["p"]
	if !ok {
		return nil, true, fmt.Errorf("dmarc: missing required p= tag")
	}
	rec = &Record{
		Policy:    Policy(p),
		AlignDKIM: AlignRelaxed,
		AlignSPF:  AlignRelaxed,
		Percent:   100,
	}
	rec.SubdomainPolicy = rec.Policy
	if sp, ok := tags["sp"]; ok {
		rec.SubdomainPolicy = Policy(sp)
	}
	if adkim, ok := tags["adkim"]; ok {
		rec.AlignDKIM = Align(adkim)
	}
	if aspf, ok := tags["aspf"]; ok {
		rec.AlignSPF = Align(aspf)
	}
	if pct, ok := tags["pct"]; ok {
		if n, err := strconv.Atoi(pct); err == nil && n >= 0 && n <= 100 {
			rec.Percent = n
		}
	}
	if rec.Policy != PolicyNone && rec.Policy != PolicyQuarantine && rec.Policy != PolicyReject {
		return nil, true, fmt.Errorf("dmarc: invalid p= value %q", p)
	}
	return rec, true, nil
}

// Lookup walks from fromDomain up through its parent domains (RFC 7489's
// organizational-domain discovery, simplified here to "try fromDomain, then
// each successive parent, stop at the first _dmarc TXT record found")
// looking for a usable DMARC record. A domain publishing more than one
// DMARC TXT record returns ErrMultipleRecords rather than a Record, per
// §4.4's "Fail with enforced reject."
func Lookup(resolver Resolver, fromDomain string) (*Record, error) {
	domain := strings.ToLower(strings.TrimSuffix(fromDomain, "."))
	for {
		txt, err := resolver.LookupTXT("_dmarc." + domain)
		if err == nil {
			var found []*Record
			for _, t := range txt {
				rec, isDMARC, perr := ParseRecord(t)
				if isDMARC {
					if perr != nil {
						return nil, perr
					}
					rec.Domain = domain
					found = append(found, rec)
				}
			}
			if len(found) > 1 {
				return nil, ErrMultipleRecords
			}
			if len(found) == 1 {
				return found[0], nil
			}
		}
		idx := strings.IndexByte(domain, '.')
		if idx < 0 {
			return nil, nil
		}
		parent := domain[idx+1:]
		if !strings.Contains(parent, ".") {
			// Reached the public suffix; stop before querying it directly.
			return nil, nil
		}
		domain = parent
	}
}

// EvalArgs are the signals DMARC alignment checks against.
type EvalArgs struct {
	FromDomain string
	DKIM       []dkim.Result // all DKIM signatures checked on the message
	SPFResult  spf.Result
	SPFDomain  string // the domain SPF was evaluated against (envelope-from or HELO)
}

// EvalResult is the outcome of applying a DMARC record to a message.
type EvalResult struct {
	Aligned      bool
	AppliedPolicy Policy
	Record       *Record
}

// ShouldSample draws a uniform integer in [1,100] and reports whether a
// failing evaluation should have its policy enforced, per §4.4's "When
// DMARC fails, draw a uniform [1..100]; if the draw exceeds pct, treat as
// pass (downsampling)." percent <= 0 never enforces; percent >= 100 always
// enforces, skipping the draw.
func ShouldSample(percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	draw := 1 + mathrand.Intn(100)
	return draw <= percent
}

// Evaluate checks DKIM/SPF alignment against rec's requested policy, per
// §4.4: the message passes DMARC if at least one aligned identifier passed.
// Sampling (pct=) is applied by the caller via ShouldSample, since it needs
// a source of randomness this package does not own: on a failing
// evaluation (Aligned false), the caller should only enforce AppliedPolicy
// when ShouldSample(rec.Percent) is true.
func Evaluate(rec *Record, args EvalArgs) EvalResult {
	res := EvalResult{Record: rec}
	for _, d := range args.DKIM {
		if d.Status == dkim.StatusPass && aligned(rec.AlignDKIM, args.FromDomain, d.Domain) {
			res.Aligned = true
			break
		}
	}
	if !res.Aligned && args.SPFResult == spf.Pass && aligned(rec.AlignSPF, args.FromDomain, args.SPFDomain) {
		res.Aligned = true
	}
	res.AppliedPolicy = effectivePolicy(rec, args.FromDomain)
	return res
}

func effectivePolicy(rec *Record, fromDomain string) Policy {
	if strings.EqualFold(fromDomain, rec.Domain) {
		return rec.Policy
	}
	return rec.SubdomainPolicy
}

func aligned(mode Align, fromDomain, identityDomain string) bool {
	if identityDomain == "" {
		return false
	}
	fromDomain = strings.ToLower(fromDomain)
	identityDomain = strings.ToLower(identityDomain)
	if mode == AlignStrict {
		return fromDomain == identityDomain
	}
	return organizationalEqual(fromDomain, identityDomain)
}

// organizationalEqual is relaxed alignment per §4.4: the From domain is a
// suffix of the authenticated (SPF/DKIM) domain, with a dot label boundary
// so "example.com" aligns with "mail.example.com" but not "notexample.com".
// Equal domains always align. This is directional rather than the coarse
// last-two-labels comparison it replaces: "a.example.com" vs "b.example.com"
// no longer aligns merely for sharing a registrable domain.
func organizationalEqual(fromDomain, identityDomain string) bool {
	if fromDomain == identityDomain {
		return true
	}
	return strings.HasSuffix(identityDomain, "."+fromDomain)
}

// AuthenticationResults renders an RFC 8601 Authentication-Results header
// value summarizing SPF/DKIM/DMARC outcomes, per §4.4's literal format:
// "<authserv-id>; spf=<r> smtp.mailfrom=<addr>; dkim=<r> header.d=<d>;
// dmarc=<r>[ policy=<p>]", except that each clause after a ";" starts on
// its own folded continuation line (CRLF followed by a tab). mailFromAddr is
// the full envelope-from address, not just its domain.
func AuthenticationResults(serverDomain string, spfResult spf.Result, mailFromAddr string, dkimResults []dkim.Result, dmarcResult *EvalResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", serverDomain)
	fmt.Fprintf(&b, ";\r\n\tspf=%s smtp.mailfrom=%s", spfResult, mailFromAddr)
	for _, d := range dkimResults {
		fmt.Fprintf(&b, ";\r\n\tdkim=%s header.d=%s", d.Status, d.Domain)
	}
	if dmarcResult != nil {
		disposition := "pass"
		if !dmarcResult.Aligned {
			disposition = "fail"
		}
		fmt.Fprintf(&b, ";\r\n\tdmarc=%s", disposition)
		if dmarcResult.Record != nil {
			fmt.Fprintf(&b, " policy=%s", dmarcResult.AppliedPolicy)
		}
	}
	return b.String()
}

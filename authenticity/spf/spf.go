// Package spf implements SPF (RFC 7208) evaluation per §4.4: parsing the
// envelope-sender domain's TXT record, walking its terms in order, and
// producing a Pass/Fail/SoftFail/Neutral/None/TempError/PermError result
// under a hard DNS-lookup budget.
package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Result is one of the seven SPF outcomes named in §4.4.
type Result string

const (
	Pass      Result = "pass"
	Fail      Result = "fail"
	SoftFail  Result = "softfail"
	Neutral   Result = "neutral"
	None      Result = "none"
	TempError Result = "temperror"
	PermError Result = "permerror"
)

// maxDNSLookups is the hard budget from §4.4. Every DNS query made during
// one evaluation counts against it: each TXT record fetch (the initial one
// included), each "a", "mx" and "exists" query, and each address lookup of
// an MX host.
const maxDNSLookups = 10

// Resolver is the subset of dnsresolve.Resolver that SPF evaluation needs.
type Resolver interface {
	LookupTXT(name string) ([]string, error)
	LookupA(name string) ([]net.IP, error)
	LookupAAAA(name string) ([]net.IP, error)
	LookupMX(name string) ([]MXHost, error)
}

// MXHost is the minimal shape SPF needs from an MX answer.
type MXHost struct {
	Host string
}

// Args are the evaluation parameters ("check_host" in RFC 7208 terms).
type Args struct {
	IP           net.IP
	MailFromLocalpart string
	MailFromDomain    string
	HeloDomain        string
}

type evalState struct {
	resolver  Resolver
	lookups   int
	args      Args
}

// Evaluate looks up and evaluates the SPF record for domain (the MAIL FROM
// domain, or HELO domain for a null reverse path), per §4.4.
func Evaluate(resolver Resolver, domain string, args Args) (Result, error) {
	st := &evalState{resolver: resolver, args: args}
	return st.check(domain, 0)
}

// check evaluates the SPF policy for domain, following "include"/"redirect"
// recursion up to depth 10 as a basic recursion guard (RFC 7208 doesn't
// bound recursion depth explicitly, but the shared DNS-lookup budget below
// already bounds total work; this just prevents infinite redirect loops on
// malicious records).
func (st *evalState) check(domain string, depth int) (Result, error) {
	if depth > 10 {
		return PermError, fmt.Errorf("spf: redirect/include recursion too deep")
	}
	txt, err := st.lookupTXT(domain)
	if err != nil {
		return TempError, err
	}
	record, ok := pickRecord(txt)
	if !ok {
		return None, nil
	}
	terms, err := parseTerms(record)
	if err != nil {
		return PermError, err
	}

	var redirect string
	for _, t := range terms {
		if t.mechanism == "all" {
			return qualifierResult(t.qualifier), nil
		}
		if t.mechanism == "redirect" {
			redirect = t.value
			continue
		}
		if t.mechanism == "" {
			// "exp=" and unknown modifiers: ignored for evaluation purposes.
			continue
		}
		matched, rerr := st.evalMechanism(t, domain, depth)
		if rerr != nil {
			return PermError, rerr
		}
		if matched {
			return qualifierResult(t.qualifier), nil
		}
	}
	if redirect != "" {
		target := st.expandMacros(redirect, domain)
		return st.check(target, depth+1)
	}
	return Neutral, nil
}

func qualifierResult(q byte) Result {
	switch q {
	case '-':
		return Fail
	case '~':
		return SoftFail
	case '?':
		return Neutral
	default: // '+' or unset
		return Pass
	}
}

func (st *evalState) evalMechanism(t term, domain string, depth int) (bool, error) {
	switch t.mechanism {
	case "ip4", "ip6":
		return matchIP(t.value, st.args.IP), nil
	case "a":
		target := domain
		if t.value != "" {
			target = st.expandMacros(t.value, domain)
		}
		return st.matchA(target)
	case "mx":
		target := domain
		if t.value != "" {
			target = st.expandMacros(t.value, domain)
		}
		return st.matchMX(target)
	case "include":
		target := st.expandMacros(t.value, domain)
		result, err := st.check(target, depth+1)
		if err != nil {
			return false, err
		}
		return result == Pass, nil
	case "exists":
		target := st.expandMacros(t.value, domain)
		if err := st.trackLookup(); err != nil {
			return false, err
		}
		ips, err := st.resolver.LookupA(target)
		if err != nil {
			return false, nil // NXDOMAIN-like: does not match, not an error.
		}
		return len(ips) > 0, nil
	default:
		// Unknown mechanism: RFC 7208 says this is a PermError.
		return false, fmt.Errorf("spf: unknown mechanism %q", t.mechanism)
	}
}

func (st *evalState) matchA(target string) (bool, error) {
	if err := st.trackLookup(); err != nil {
		return false, err
	}
	ips, err := st.resolver.LookupA(target)
	if err != nil {
		ips = nil
	}
	ip6s, _ := st.resolver.LookupAAAA(target)
	ips = append(ips, ip6s...)
	for _, ip := range ips {
		if ip.Equal(st.args.IP) {
			return true, nil
		}
	}
	return false, nil
}

func (st *evalState) matchMX(target string) (bool, error) {
	if err := st.trackLookup(); err != nil {
		return false, err
	}
	mxs, err := st.resolver.LookupMX(target)
	if err != nil {
		return false, nil
	}
	for _, mx := range mxs {
		if err := st.trackLookup(); err != nil {
			return false, err
		}
		ips, _ := st.resolver.LookupA(mx.Host)
		ip6s, _ := st.resolver.LookupAAAA(mx.Host)
		ips = append(ips, ip6s...)
		for _, ip := range ips {
			if ip.Equal(st.args.IP) {
				return true, nil
			}
		}
	}
	return false, nil
}

func matchIP(cidr string, ip net.IP) bool {
	if ip == nil {
		return false
	}
	if !strings.Contains(cidr, "/") {
		parsed := net.ParseIP(cidr)
		return parsed != nil && parsed.Equal(ip)
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return network.Contains(ip)
}

func (st *evalState) lookupTXT(domain string) ([]string, error) {
	if err := st.trackLookup(); err != nil {
		return nil, err
	}
	return st.resolver.LookupTXT(domain)
}

// trackLookup enforces the §4.4 hard budget of 10 DNS lookups.
func (st *evalState) trackLookup() error {
	st.lookups++
	if st.lookups > maxDNSLookups {
		return fmt.Errorf("spf: exceeded %d dns lookup budget", maxDNSLookups)
	}
	return nil
}

// pickRecord selects the single "v=spf1" record among txt, per RFC 7208:
// exactly one must be present (zero or >1 are both treated by the caller as
// not having a usable record — callers map errors appropriately).
func pickRecord(txt []string) (string, bool) {
	var found string
	count := 0
	for _, t := range txt {
		if strings.HasPrefix(t, "v=spf1") {
			found = t
			count++
		}
	}
	if count != 1 {
		return "", false
	}
	return found, true
}

type term struct {
	qualifier byte // '+', '-', '~', '?'
	mechanism string
	value     string
}

func parseTerms(record string) ([]term, error) {
	fields := strings.Fields(record)
	if len(fields) == 0 || fields[0] != "v=spf1" {
		return nil, fmt.Errorf("spf: record does not start with v=spf1")
	}
	var terms []term
	for _, f := range fields[1:] {
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "ip4") && !strings.HasPrefix(f, "ip6") &&
			!strings.HasPrefix(f, "a") && !strings.HasPrefix(f, "mx") && !strings.HasPrefix(f, "include") &&
			!strings.HasPrefix(f, "exists") && !strings.HasPrefix(f, "redirect") {
			// Other modifier (e.g. exp=), not evaluated.
			continue
		}
		qualifier := byte('+')
		if len(f) > 0 && strings.ContainsRune("+-~?", rune(f[0])) {
			qualifier = f[0]
			f = f[1:]
		}
		name, value := splitMechanism(f)
		terms = append(terms, term{qualifier: qualifier, mechanism: name, value: value})
	}
	return terms, nil
}

func splitMechanism(f string) (name, value string) {
	if i := strings.IndexAny(f, ":="); i >= 0 {
		return f[:i], f[i+1:]
	}
	return f, ""
}

// expandMacros substitutes %{i} %{s} %{h} %{d} %{l} %{o} and the escapes
// %% %_ %-, per §4.4.
func (st *evalState) expandMacros(s string, domain string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch next {
		case '%':
			b.WriteByte('%')
			i++
		case '_':
			b.WriteByte(' ')
			i++
		case '-':
			b.WriteString("%20")
			i++
		case '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			directive := s[i+2 : i+end]
			b.WriteString(st.expandDirective(directive, domain))
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (st *evalState) expandDirective(directive string, domain string) string {
	if directive == "" {
		return ""
	}
	letter := directive[0]
	var value string
	switch letter {
	case 'i':
		value = st.args.IP.String()
	case 's':
		value = st.args.MailFromLocalpart + "@" + st.args.MailFromDomain
	case 'h':
		value = st.args.HeloDomain
	case 'd':
		value = domain
	case 'l':
		value = st.args.MailFromLocalpart
	case 'o':
		value = st.args.MailFromDomain
	default:
		return ""
	}
	// A trailing digit and/or "r" (reverse) transformer, e.g. %{d2r}.
	transform := directive[1:]
	reverse := strings.Contains(transform, "r")
	var n int
	numStr := strings.TrimRight(strings.TrimSuffix(transform, "r"), "")
	if numStr != "" {
		if parsed, err := strconv.Atoi(numStr); err == nil {
			n = parsed
		}
	}
	parts := strings.Split(value, ".")
	if letter == 'i' {
		parts = strings.Split(value, ".")
	}
	if reverse {
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
	}
	if n > 0 && n < len(parts) {
		parts = parts[len(parts)-n:]
	}
	return strings.Join(parts, ".")
}

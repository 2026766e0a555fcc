package dkim

import "strings"

// CanonicalizeBodyRelaxed implements §4.4's relaxed body canonicalization:
// CRLF-normalize, trim trailing empty lines, and keep exactly one final
// CRLF. It is idempotent (§8 round-trip law).
func CanonicalizeBodyRelaxed(body []byte) []byte {
	normalized := strings.ReplaceAll(string(body), "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(collapseWSPKeepEdges(l), " \t")
	}
	s := strings.Join(lines, "\r\n")
	for strings.HasSuffix(s, "\r\n\r\n") {
		s = s[:len(s)-2]
	}
	if s == "" {
		return nil
	}
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return []byte(s)
}

// collapseWSPKeepEdges collapses interior runs of SP/HT to a single SP
// without trimming leading/trailing whitespace (the caller trims trailing
// whitespace itself; leading whitespace is preserved per RFC 6376 3.4.4,
// which only reduces WSP sequences, never removes leading WSP from body
// lines).
func collapseWSPKeepEdges(s string) string {
	var b strings.Builder
	inWSP := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' {
			inWSP = true
			continue
		}
		if inWSP {
			b.WriteByte(' ')
			inWSP = false
		}
		b.WriteByte(c)
	}
	if inWSP {
		b.WriteByte(' ')
	}
	return b.String()
}

// header is one raw "Name: value" header line (continuation lines already
// unfolded into value).
type header struct {
	name  string // as it appeared, case preserved
	value string
}

// canonicalizeHeaderRelaxed lowercases the header name, collapses runs of
// SP/HT in the value to one SP, and strips leading/trailing WSP around the
// value, per §4.4.
func canonicalizeHeaderRelaxed(h header) string {
	name := strings.ToLower(strings.TrimSpace(h.name))
	value := collapseWSP(h.value)
	return name + ":" + value + "\r\n"
}

func collapseWSP(s string) string {
	var b strings.Builder
	inWSP := false
	for _, c := range s {
		if c == ' ' || c == '\t' {
			inWSP = true
			continue
		}
		if inWSP && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inWSP = false
		b.WriteRune(c)
	}
	return strings.TrimSpace(b.String())
}

// selectHeaders picks, for each name in h (the DKIM h= tag, order
// preserved), the matching header from headers, searching bottom-up so the
// last occurrence wins, per §4.4. Names not found are skipped (RFC 6376
// treats a missing signed header as an empty value for "once" signing
// policies; this repo only ever signs headers it knows are present, so a
// miss here means the header genuinely is not present in the message, and
// is simply omitted from the canonicalized signature base, as RFC 6376
// 3.4.2 specifies for the non-Signed case).
func selectHeaders(headers []header, names []string) []header {
	var out []header
	for _, name := range names {
		for i := len(headers) - 1; i >= 0; i-- {
			if strings.EqualFold(headers[i].name, name) {
				out = append(out, headers[i])
				break
			}
		}
	}
	return out
}

// canonicalizeHeaders renders selected headers (in h= order) as relaxed
// canonical text, followed by the DKIM-Signature header itself with its b=
// value replaced by bValue (empty during signing/verification base
// computation), canonicalized but without a trailing CRLF (per RFC
// 6376 3.7).
func canonicalizeHeaders(selected []header, dkimHeaderName string, dkimHeaderValue string, bValue string) string {
	var b strings.Builder
	for _, h := range selected {
		b.WriteString(canonicalizeHeaderRelaxed(h))
	}
	stripped := replaceTagValue(dkimHeaderValue, "b", bValue)
	line := canonicalizeHeaderRelaxed(header{name: dkimHeaderName, value: stripped})
	b.WriteString(strings.TrimSuffix(line, "\r\n"))
	return b.String()
}

// replaceTagValue replaces the value of tag "b" (or any tag) inside a
// DKIM-Signature header's tag-list value, preserving the rest verbatim.
func replaceTagValue(value, tag, newValue string) string {
	parts := strings.Split(value, ";")
	for i, p := range parts {
		trimmed := strings.TrimSpace(p)
		if strings.HasPrefix(trimmed, tag+"=") {
			leadingWS := p[:len(p)-len(strings.TrimLeft(p, " \t"))]
			parts[i] = leadingWS + tag + "=" + newValue
		}
	}
	return strings.Join(parts, ";")
}

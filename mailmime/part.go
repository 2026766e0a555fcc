// Package mailmime implements the §4.5 MIME parser and attachment policy:
// header/body split, multipart decomposition on a boundary parameter, and
// quoted-printable/base64 transfer decoding. Grounded on the shape of
// mjl--mox/message.Part, simplified to the single recursive split the spec
// calls for rather than a streaming reader.
package mailmime

import (
	"fmt"
	"strings"
)

// Header is one case-folded header name/value pair, continuation lines
// already joined.
type Header struct {
	Name  string
	Value string
}

// Part is a single MIME part: its headers, decoded body, and (if
// multipart) child parts.
type Part struct {
	Headers  []Header
	Body     []byte // decoded; empty for multipart containers
	Children []Part
}

// Get returns the first header matching name (case-insensitive), or "".
func (p Part) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ContentType returns the lowercased media type and its parameters, e.g.
// "multipart/mixed" and {"boundary": "xyz"}.
func (p Part) ContentType() (string, map[string]string) {
	return parseContentType(p.Get("Content-Type"))
}

// Parse splits raw into headers and body on the first CRLF CRLF (per
// §4.5), decoding transfer-encoding and recursing into multipart children.
func Parse(raw []byte) (Part, error) {
	headers, body, err := splitHeaders(raw)
	if err != nil {
		return Part{}, err
	}
	return parsePart(headers, body)
}

func parsePart(headers []Header, body []byte) (Part, error) {
	p := Part{Headers: headers}
	ct, params := p.ContentType()
	if strings.HasPrefix(ct, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return Part{}, fmt.Errorf("mailmime: multipart part missing boundary")
		}
		children, err := splitMultipart(body, boundary)
		if err != nil {
			return Part{}, err
		}
		for _, raw := range children {
			childHeaders, childBody, err := splitHeaders(raw)
			if err != nil {
				return Part{}, err
			}
			child, err := parsePart(childHeaders, childBody)
			if err != nil {
				return Part{}, err
			}
			p.Children = append(p.Children, child)
		}
		return p, nil
	}
	decoded, err := decodeTransfer(p.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return Part{}, err
	}
	p.Body = decoded
	return p, nil
}

// splitHeaders splits raw on the first CRLF CRLF (or LF LF, tolerated) into
// unfolded headers and the remaining body, per §4.5.
func splitHeaders(raw []byte) ([]Header, []byte, error) {
	text := string(raw)
	headerEnd, bodyStart := len(text), len(text)
	if i := strings.Index(text, "\r\n\r\n"); i >= 0 {
		headerEnd, bodyStart = i, i+4
	}
	if i := strings.Index(text, "\n\n"); i >= 0 && i < headerEnd {
		headerEnd, bodyStart = i, i+2
	}
	headerBlock := strings.ReplaceAll(text[:headerEnd], "\r\n", "\n")
	var headers []Header
	for _, line := range strings.Split(headerBlock, "\n") {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(headers) > 0 {
			headers[len(headers)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, nil, fmt.Errorf("mailmime: malformed header %q", line)
		}
		headers = append(headers, Header{Name: strings.TrimSpace(line[:i]), Value: strings.TrimSpace(line[i+1:])})
	}
	return headers, []byte(text[bodyStart:]), nil
}

// parseContentType parses a "type/subtype; k=v; k2=\"v2\"" header value.
func parseContentType(value string) (string, map[string]string) {
	params := map[string]string{}
	if value == "" {
		return "", params
	}
	parts := strings.Split(value, ";")
	mediaType := strings.ToLower(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(kv[0]))
		v := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		params[k] = v
	}
	return mediaType, params
}

// splitMultipart splits body between "--boundary" delimiter lines into
// each part's raw bytes (still header+body, needing another splitHeaders
// call), per §4.5. The segment before the first delimiter (the preamble)
// and the segment after the closing "--boundary--" (the epilogue) are
// both discarded, per RFC 2046.
func splitMultipart(body []byte, boundary string) ([][]byte, error) {
	normalized := "\n" + strings.ReplaceAll(string(body), "\r\n", "\n")
	sep := "\n--" + boundary
	segments := strings.Split(normalized, sep)
	if len(segments) < 2 {
		return nil, fmt.Errorf("mailmime: boundary %q not found", boundary)
	}
	parts := segments[1 : len(segments)-1]
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(strings.TrimPrefix(p, "\n"))
	}
	return out, nil
}

package mailmime

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// decodeTransfer decodes body according to the Content-Transfer-Encoding
// value, per §4.5: 7bit/8bit/binary (and empty, which defaults to 7bit)
// pass through unchanged; quoted-printable and base64 are decoded.
func decodeTransfer(cte string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "", "7bit", "8bit", "binary":
		return body, nil
	case "quoted-printable":
		return decodeQuotedPrintable(body), nil
	case "base64":
		return decodeBase64Lenient(body), nil
	default:
		return nil, fmt.Errorf("mailmime: unknown transfer encoding %q", cte)
	}
}

// decodeQuotedPrintable implements standard quoted-printable decoding:
// "=XX" is a hex-escaped byte, a trailing "=" at end of line is a soft line
// break (removed along with the following CRLF/LF).
func decodeQuotedPrintable(body []byte) []byte {
	s := strings.ReplaceAll(string(body), "\r\n", "\n")
	var out []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '=' {
			out = append(out, c)
			continue
		}
		if i+1 < len(s) && s[i+1] == '\n' {
			i++ // soft line break
			continue
		}
		if i+2 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				out = append(out, byte(n))
				i += 2
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// decodeBase64Lenient decodes base64, ignoring any byte outside the
// standard alphabet (whitespace, line breaks), per §4.5.
func decodeBase64Lenient(body []byte) []byte {
	filtered := make([]byte, 0, len(body))
	for _, c := range body {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/', c == '=':
			filtered = append(filtered, c)
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(string(filtered))
	if err != nil {
		// Fall back to as-much-as-decodes: trim to the last multiple of 4.
		trimmed := filtered[:len(filtered)-len(filtered)%4]
		decoded, _ = base64.StdEncoding.DecodeString(string(trimmed))
	}
	return decoded
}

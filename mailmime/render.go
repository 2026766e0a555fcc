package mailmime

import (
	"fmt"
	"strings"
)

// Render serializes p back into RFC 5322 bytes, the inverse of Parse for
// the §8 round-trip law. Only 7bit/8bit/identity bodies round-trip exactly;
// a part parsed from a transfer-encoded body loses its original encoding
// (Parse always decodes), so Render always emits the headers as given and
// the already-decoded body verbatim.
func Render(p Part) []byte {
	var b strings.Builder
	for _, h := range p.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	if len(p.Children) == 0 {
		b.Write(p.Body)
		return []byte(b.String())
	}
	_, params := p.ContentType()
	boundary := params["boundary"]
	for _, child := range p.Children {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.Write(Render(child))
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

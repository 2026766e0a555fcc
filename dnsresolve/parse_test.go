package dnsresolve

import (
	"testing"
)

// buildTXTResponse assembles a minimal response message for a single TXT
// question/answer, for testing the parser without a network round-trip.
func buildTXTResponse(id uint16, qname string, txt string) []byte {
	var b []byte
	b = appendUint16(b, id)
	b = appendUint16(b, 0x8180) // QR=1, RD=1, RA=1, RCODE=0
	b = appendUint16(b, 1)      // QDCOUNT
	b = appendUint16(b, 1)      // ANCOUNT
	b = appendUint16(b, 0)
	b = appendUint16(b, 0)

	qn, _ := encodeName(qname)
	b = append(b, qn...)
	b = appendUint16(b, typeTXT)
	b = appendUint16(b, classIN)

	// answer: name (pointer to question name at offset 12), type, class, ttl, rdlength, rdata
	b = append(b, 0xc0, 0x0c)
	b = appendUint16(b, typeTXT)
	b = appendUint16(b, classIN)
	b = append(b, 0, 0, 0, 60) // TTL
	rdata := append([]byte{byte(len(txt))}, []byte(txt)...)
	b = appendUint16(b, uint16(len(rdata)))
	b = append(b, rdata...)
	return b
}

func TestParseResponseTXT(t *testing.T) {
	msg := buildTXTResponse(1234, "example.org", "v=spf1 -all")
	answers, err := parseResponse(msg, 1234)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	got := decodeTXT(answers[0].data)
	if len(got) != 1 || got[0] != "v=spf1 -all" {
		t.Fatalf("decodeTXT = %v, want [v=spf1 -all]", got)
	}
}

func TestParseResponseMXWithCompression(t *testing.T) {
	var b []byte
	b = appendUint16(b, 99)
	b = appendUint16(b, 0x8180)
	b = appendUint16(b, 1)
	b = appendUint16(b, 1)
	b = appendUint16(b, 0)
	b = appendUint16(b, 0)

	qn, _ := encodeName("example.org")
	qnameOff := len(b)
	b = append(b, qn...)
	b = appendUint16(b, typeMX)
	b = appendUint16(b, classIN)

	b = append(b, 0xc0, byte(qnameOff))
	b = appendUint16(b, typeMX)
	b = appendUint16(b, classIN)
	b = append(b, 0, 0, 0, 60)

	// rdata: preference=10, exchange="mail" + pointer back to "example.org"
	var rdata []byte
	rdata = appendUint16(rdata, 10)
	rdata = append(rdata, 4, 'm', 'a', 'i', 'l')
	rdata = append(rdata, 0xc0, byte(qnameOff))

	b = appendUint16(b, uint16(len(rdata)))
	b = append(b, rdata...)

	answers, err := parseResponse(b, 99)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	mx, err := decodeMX(answers[0].data, answers[0].msg, answers[0].dataOff)
	if err != nil {
		t.Fatalf("decodeMX: %v", err)
	}
	if mx.Preference != 10 || mx.Host != "mail.example.org" {
		t.Fatalf("decodeMX = %+v, want {10 mail.example.org}", mx)
	}
}

func TestEncodeDecodeNameRoundTrip(t *testing.T) {
	enc, err := encodeName("mail.example.org")
	if err != nil {
		t.Fatalf("encodeName: %v", err)
	}
	msg := append(enc, 0) // pad so decode has room to stop
	name, _, err := decodeName(msg, 0)
	if err != nil {
		t.Fatalf("decodeName: %v", err)
	}
	if name != "mail.example.org" {
		t.Fatalf("decodeName = %q, want mail.example.org", name)
	}
}

func TestParseResponseRCodeError(t *testing.T) {
	var b []byte
	b = appendUint16(b, 1)
	b = appendUint16(b, 0x8183) // RCODE=3, NXDOMAIN
	b = appendUint16(b, 1)
	b = appendUint16(b, 0)
	b = appendUint16(b, 0)
	b = appendUint16(b, 0)
	qn, _ := encodeName("nosuch.example")
	b = append(b, qn...)
	b = appendUint16(b, typeA)
	b = appendUint16(b, classIN)

	_, err := parseResponse(b, 1)
	if err == nil {
		t.Fatalf("expected error for RCODE=3")
	}
	var rerr *RCodeError
	if !asRCodeError(err, &rerr) || rerr.Code != 3 {
		t.Fatalf("expected RCodeError with code 3, got %v", err)
	}
}

func asRCodeError(err error, target **RCodeError) bool {
	if e, ok := err.(*RCodeError); ok {
		*target = e
		return true
	}
	return false
}

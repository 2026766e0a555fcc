package smtpserver

import (
	"encoding/base64"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/duskmail/duskmail/cryptotls"
	"github.com/duskmail/duskmail/metrics"
)

func (s *Session) cmdHELO(domain string) {
	if domain == "" {
		xsmtpUserErrorf(501, "5.5.4", "HELO requires a domain argument")
	}
	s.heloDomain = domain
	s.state = StateGreeted
	s.reply(250, "2.0.0", s.deps.Config.Domain+" Hello "+domain)
}

func (s *Session) cmdEHLO(domain string) {
	if domain == "" {
		xsmtpUserErrorf(501, "5.5.4", "EHLO requires a domain argument")
	}
	s.heloDomain = domain
	s.state = StateGreeted

	lines := []string{
		s.deps.Config.Domain + " Hello " + domain,
		"PIPELINING",
		"SIZE " + itoa64(s.deps.Config.MaxMessageSize),
		"8BITMIME",
		"SMTPUTF8",
	}
	if !s.stream.Active() {
		lines = append(lines, "STARTTLS")
	}
	if s.stream.Active() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "HELP")
	s.replyMultiline(250, lines)
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// cmdSTARTTLS implements §4.8: reply 220, upgrade the raw socket, and on
// success discard all protocol state.
func (s *Session) cmdSTARTTLS() {
	if s.stream.Active() {
		xsmtpUserErrorf(503, "5.5.1", "TLS already active")
	}
	s.reply(220, "2.0.0", "Ready to start TLS")
	if err := s.stream.Upgrade(s.deps.Config.TLSConfig); err != nil {
		metrics.TLSHandshakes.WithLabelValues("error").Inc()
		s.log.Errorx("TLS handshake failed", err)
		xcheckf(err, "TLS handshake")
	}
	metrics.TLSHandshakes.WithLabelValues("ok").Inc()
	s.reader.Reset(s.stream.Conn())

	// Discard all protocol state, per §4.8.
	s.state = StateConnected
	s.heloDomain = ""
	s.authUser = ""
	s.reversePath = ""
	s.forwardPaths = nil
}

// cmdAUTH implements §4.8's AUTH PLAIN/LOGIN.
func (s *Session) cmdAUTH(arg string) {
	s.requireState(StateGreeted)
	if (s.deps.Config.RequireSTARTTLS || s.deps.Config.TLSRequired) && !s.stream.Active() {
		xsmtpUserErrorf(530, "5.7.0", "Must issue STARTTLS first")
	}
	mechanism, payload := splitCommand(arg)
	mechanism = strings.ToUpper(mechanism)

	var user, password string
	switch mechanism {
	case "PLAIN":
		user, password = decodeAuthPlain(payload)
	case "LOGIN":
		user, password = s.decodeAuthLogin(payload)
	default:
		xsmtpUserErrorf(504, "5.5.4", "Unrecognized authentication mechanism")
	}

	if !s.deps.Limiter.AllowAuth(s.peerIP) {
		xsmtpUserErrorf(535, "5.7.8", "Too many authentication failures")
	}

	hash, ok := s.deps.Users(user)
	valid := false
	if ok {
		var err error
		valid, err = cryptotls.Verify(password, hash)
		xcheckf(err, "verify password")
	}
	if !ok || !valid {
		s.deps.Limiter.RecordAuthFailure(s.peerIP)
		metrics.AuthFailures.Inc()
		xsmtpUserErrorf(535, "5.7.8", "Authentication credentials invalid")
	}

	s.deps.Limiter.ResetAuthFailures(s.peerIP)
	s.authUser = user
	s.state = StateAuthenticated
	s.reply(235, "2.7.0", "Authentication successful")
}

// decodeAuthPlain base64-decodes an AUTH PLAIN payload and splits it on
// NUL into [authzid] authcid password, per §4.8.
func decodeAuthPlain(payload string) (user, password string) {
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		xsmtpUserErrorf(501, "5.5.2", "Invalid base64 in AUTH PLAIN")
	}
	parts := strings.Split(string(decoded), "\x00")
	if len(parts) != 3 {
		xsmtpUserErrorf(501, "5.5.2", "Malformed AUTH PLAIN payload")
	}
	return norm.NFC.String(parts[1]), parts[2]
}

// decodeAuthLogin implements RFC 4954's AUTH LOGIN exchange: a 334
// "Username:" challenge, the client's base64 username line, a 334
// "Password:" challenge, and the client's base64 password line. payload is
// whatever base64 the client already appended to the AUTH LOGIN command
// line itself; most clients send none and wait for the first challenge.
func (s *Session) decodeAuthLogin(payload string) (user, password string) {
	userB64 := payload
	if userB64 == "" {
		s.reply(334, "", base64.StdEncoding.EncodeToString([]byte("Username:")))
		userB64 = s.readContinuation()
	}
	u, err := base64.StdEncoding.DecodeString(userB64)
	if err != nil {
		xsmtpUserErrorf(501, "5.5.2", "Invalid base64 in AUTH LOGIN")
	}

	s.reply(334, "", base64.StdEncoding.EncodeToString([]byte("Password:")))
	passB64 := s.readContinuation()
	p, err := base64.StdEncoding.DecodeString(passB64)
	if err != nil {
		xsmtpUserErrorf(501, "5.5.2", "Invalid base64 in AUTH LOGIN")
	}
	return norm.NFC.String(string(u)), string(p)
}

// cmdMAIL implements the MAIL FROM transition into MailFrom.
func (s *Session) cmdMAIL(arg string) {
	if s.deps.Config.TLSRequired && !s.stream.Active() {
		xsmtpUserErrorf(530, "5.7.0", "Must issue STARTTLS first")
	}
	s.requireAuthenticated()
	s.requireState(StateAuthenticated)
	addr, ok := parseMailFromArg(arg)
	if !ok {
		xsmtpUserErrorf(501, "5.5.4", "Malformed MAIL FROM argument")
	}
	s.reversePath = addr
	s.forwardPaths = nil
	s.state = StateMailFrom
	s.reply(250, "2.1.0", "OK")
}

func parseMailFromArg(arg string) (string, bool) {
	const prefix = "FROM:"
	if !strings.HasPrefix(strings.ToUpper(arg), prefix) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(prefix):])
	return extractAngleAddr(rest)
}

func parseRcptToArg(arg string) (string, bool) {
	const prefix = "TO:"
	if !strings.HasPrefix(strings.ToUpper(arg), prefix) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(prefix):])
	return extractAngleAddr(rest)
}

// extractAngleAddr pulls the address out of "<addr> param=value ..." or a
// bare "addr", tolerating the null reverse-path "<>". The address is
// NFC-normalized per §4.8's SMTPUTF8 support, matching how Unicode
// mailbox names are compared throughout the authentication layer.
func extractAngleAddr(s string) (string, bool) {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return norm.NFC.String(s), true
}

// cmdRCPT implements RCPT TO, transitioning MailFrom->RcptTo or
// RcptTo->RcptTo for additional recipients.
func (s *Session) cmdRCPT(arg string) {
	s.requireAuthenticated()
	s.requireState(StateMailFrom, StateRcptTo)
	addr, ok := parseRcptToArg(arg)
	if !ok || addr == "" {
		xsmtpUserErrorf(501, "5.5.4", "Malformed RCPT TO argument")
	}
	s.forwardPaths = append(s.forwardPaths, addr)
	s.state = StateRcptTo
	s.reply(250, "2.1.5", "OK")
}

// cmdRSET implements RSET: envelope and auth are cleared back to Greeted,
// per §4.8 ("* --RSET--> Greeted").
func (s *Session) cmdRSET() {
	s.reversePath = ""
	s.forwardPaths = nil
	s.authUser = ""
	s.dataBytes = 0
	s.state = StateGreeted
	s.reply(250, "2.0.0", "OK")
}

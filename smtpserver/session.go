// Package smtpserver implements the SMTP session state machine (C8): line
// parsing, RFC 5321 command sequencing, STARTTLS upgrade, SASL PLAIN/LOGIN,
// DATA framing with dot-stuffing, and the end-of-DATA authenticity/policy
// pipeline. Grounded on mjl--mox/smtpserver/server.go's connection loop and
// error.go's panic/recover error pattern, generalized from mox's full
// SMTP+submission feature set down to exactly what §4.8 specifies.
package smtpserver

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/duskmail/duskmail/authenticity/dkim"
	"github.com/duskmail/duskmail/connlimit"
	"github.com/duskmail/duskmail/cryptotls"
	"github.com/duskmail/duskmail/dnsresolve"
	"github.com/duskmail/duskmail/externals"
	"github.com/duskmail/duskmail/mailqueue"
	"github.com/duskmail/duskmail/mailstore"
	"github.com/duskmail/duskmail/metrics"
	"github.com/duskmail/duskmail/mlog"
)

// State is one of §4.8's FSM states.
type State string

const (
	StateConnected     State = "connected"
	StateGreeted       State = "greeted"
	StateAuthenticated State = "authenticated"
	StateMailFrom      State = "mailfrom"
	StateRcptTo        State = "rcptto"
	StateData          State = "data"
)

// Config is the subset of the server's runtime config a session needs.
type Config struct {
	Domain           string
	TLSRequired      bool
	RequireSTARTTLS  bool
	MaxMessageSize   int64
	SMTPTimeout      time.Duration
	DataTimeout      time.Duration
	InitialTimeout   time.Duration
	TLSConfig        *tls.Config
}

// Deps bundles the process-wide singletons a session is handed at accept
// time, per §9's "wire as one container, hand each session the handles it
// needs."
type Deps struct {
	Config     Config
	Log        *mlog.Log
	Queue      *mailqueue.Queue
	Store      *mailstore.Store
	Ledger     *connlimit.Ledger
	Limiter    *connlimit.RateLimiter
	Resolver   *dnsresolve.Resolver
	Users      func(user string) (hash string, ok bool)
	Scanner    externals.Scanner
	DKIMKey    *dkim.Key // nil disables outbound signing
}

// Session is a single accepted connection's mutable state, per §3's
// SessionState. It is owned exclusively by the task running Serve.
type Session struct {
	deps Deps
	log  *mlog.Log

	stream *cryptotls.Stream
	reader *bufio.Reader
	peerIP string

	state        State
	heloDomain   string
	authUser     string
	reversePath  string
	forwardPaths []string
	lastActivity time.Time
	dataBytes    int64
}

const maxLineLength = 1024

// errIO marks a panic as originating from a failed read/write rather than
// a protocol violation, so runCommand's recover can end the session
// quietly instead of trying to send a reply on a dead connection.
var errIO = errors.New("io error")

// New constructs a Session for an accepted connection. TLS is not active
// until a STARTTLS command succeeds.
func New(conn net.Conn, deps Deps) *Session {
	return newSession(conn, cryptotls.NewStream(conn), deps)
}

// NewTLS constructs a Session for an implicit-TLS listener: the handshake
// has already completed on conn, so the session starts with TLS active and
// offers AUTH instead of STARTTLS from the first EHLO.
func NewTLS(conn *tls.Conn, deps Deps) *Session {
	return newSession(conn, cryptotls.NewActiveStream(conn), deps)
}

func newSession(conn net.Conn, stream *cryptotls.Stream, deps Deps) *Session {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &Session{
		deps:         deps,
		log:          deps.Log.Fields(mlog.Field("remote", host)),
		stream:       stream,
		reader:       bufio.NewReader(stream.Conn()),
		peerIP:       host,
		state:        StateConnected,
		lastActivity: time.Now(),
	}
}

// Serve runs the session to completion: greeting, command loop, cleanup.
// It returns when the peer disconnects, issues QUIT, or the session is
// forcibly closed (timeout or shutdown drain).
func (s *Session) Serve() {
	metrics.Connections.Inc()
	metrics.ActiveSessions.Inc()
	start := time.Now()
	defer func() {
		metrics.ActiveSessions.Dec()
		metrics.SessionDuration.Observe(float64(time.Since(start).Milliseconds()))
		s.deps.Ledger.Release(s.peerIP)
		s.stream.Close()
	}()

	s.setDeadline(s.deps.Config.InitialTimeout)
	s.reply(220, "", fmt.Sprintf("%s ESMTP duskmail ready", s.deps.Config.Domain))

	for {
		line, err := s.readLine()
		if err != nil {
			return
		}
		if !s.runCommand(line) {
			return
		}
	}
}

// runCommand dispatches one command line, recovering any smtpError panic
// into the corresponding reply per §7's command-level isolation policy. It
// returns false when the session should end (QUIT, or a fatal I/O error).
func (s *Session) runCommand(line string) (more bool) {
	more = true
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if se, ok := r.(smtpError); ok {
			s.log.Debug("command error", mlog.Field("code", se.code), mlog.Field("error", se.Error()))
			s.reply(se.code, se.secode, se.Error())
			return
		}
		if err, ok := r.(error); ok && errors.Is(err, errIO) {
			s.log.Debug("connection lost mid-command", mlog.Field("error", err.Error()))
			more = false
			return
		}
		s.log.Errorx("unrecovered panic in command handler", fmt.Errorf("%v", r))
		s.reply(451, "4.3.0", "Internal error")
	}()

	if !s.deps.Limiter.AllowCommand(s) {
		s.reply(421, "4.7.0", "Too many commands, slow down")
		return true
	}
	s.setDeadline(s.deps.Config.SMTPTimeout)

	cmd, rest := splitCommand(line)
	switch strings.ToUpper(cmd) {
	case "HELO":
		s.cmdHELO(rest)
	case "EHLO":
		s.cmdEHLO(rest)
	case "STARTTLS":
		s.cmdSTARTTLS()
	case "AUTH":
		s.cmdAUTH(rest)
	case "MAIL":
		s.cmdMAIL(rest)
	case "RCPT":
		s.cmdRCPT(rest)
	case "DATA":
		s.cmdDATA()
	case "RSET":
		s.cmdRSET()
	case "NOOP":
		s.reply(250, "2.0.0", "OK")
	case "HELP":
		s.reply(214, "2.0.0", "See RFC 5321")
	case "QUIT":
		s.reply(221, "2.0.0", "Bye")
		return false
	default:
		xsmtpUserErrorf(502, "5.5.1", "Command not implemented")
	}
	return more
}

// readLine reads one CRLF-terminated line, enforcing the 1024-byte maximum
// and timeout behavior from §4.8.
func (s *Session) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.reply(421, "4.4.2", "Timeout - closing connection")
		}
		return "", err
	}
	if len(line) > maxLineLength {
		s.reply(500, "5.5.1", "Line too long")
		return "", fmt.Errorf("line too long")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readContinuation reads one line mid-command, for multi-step exchanges
// like AUTH LOGIN's 334 challenge/response. A read failure panics errIO
// rather than returning, since these callers have no reply of their own to
// give for a dead connection.
func (s *Session) readContinuation() string {
	line, err := s.readLine()
	if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

func splitCommand(line string) (cmd, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

func (s *Session) setDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	s.stream.Conn().SetDeadline(time.Now().Add(d))
}

// reply writes one RFC 5321 reply line (single-line form; multi-line
// replies are written directly by callers that need them, e.g. EHLO).
func (s *Session) reply(code int, secode, text string) {
	var line string
	if secode == "" {
		line = fmt.Sprintf("%d %s\r\n", code, text)
	} else {
		line = fmt.Sprintf("%d %s %s\r\n", code, secode, text)
	}
	s.stream.SecureSend([]byte(line))
}

func (s *Session) replyMultiline(code int, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.stream.SecureSend([]byte(fmt.Sprintf("%d%s%s\r\n", code, sep, l)))
	}
}

// requireState panics a 503 if the session is not currently in want, per
// §4.8: "any command issued in an illegal state replies 503 ... and leaves
// the state unchanged."
func (s *Session) requireState(want ...State) {
	for _, w := range want {
		if s.state == w {
			return
		}
	}
	xsmtpUserErrorf(503, "5.5.1", "Bad sequence of commands")
}

// requireAuthenticated panics 530, per §6, if the session has not
// completed AUTH yet. MAIL/RCPT/DATA attempted before authentication must
// get this code rather than requireState's generic 503 bad-sequence,
// since the cause here is specifically "not authenticated" rather than an
// out-of-order command.
func (s *Session) requireAuthenticated() {
	if s.authUser == "" {
		xsmtpUserErrorf(530, "5.7.0", "Authentication required")
	}
}

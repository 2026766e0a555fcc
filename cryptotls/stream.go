package cryptotls

import (
	"crypto/tls"
	"net"
)

// Stream wraps a connected socket and transparently upgrades Send/Recv to a
// TLS-secured channel once Upgrade succeeds, per §4.1 "secure_send /
// secure_recv". Callers that need direct net.Conn semantics (deadlines,
// addresses) can still use Raw/TLSState.
type Stream struct {
	raw   net.Conn
	tlsc  *tls.Conn
	state tls.ConnectionState
}

// NewStream wraps an already-connected socket. TLS is not active until
// Upgrade is called.
func NewStream(c net.Conn) *Stream {
	return &Stream{raw: c}
}

// NewActiveStream wraps a socket that has already completed a server-side
// TLS handshake (an implicit-TLS listener, as opposed to STARTTLS). Active
// reports true immediately, so capability negotiation offers AUTH and
// withholds STARTTLS from the first EHLO onward.
func NewActiveStream(c *tls.Conn) *Stream {
	return &Stream{raw: c, tlsc: c, state: c.ConnectionState()}
}

// Active reports whether TLS is currently in effect on this stream.
func (s *Stream) Active() bool {
	return s.tlsc != nil
}

// Upgrade performs a server-side TLS handshake on the wrapped socket and, on
// success, makes Send/Recv use the secured channel from then on.
func (s *Stream) Upgrade(cfg *tls.Config) error {
	tlsc := tls.Server(s.raw, cfg)
	if err := tlsc.Handshake(); err != nil {
		return err
	}
	s.tlsc = tlsc
	s.state = tlsc.ConnectionState()
	return nil
}

// Conn returns the net.Conn to read/write/set deadlines on: the TLS
// connection once active, otherwise the raw socket.
func (s *Stream) Conn() net.Conn {
	if s.tlsc != nil {
		return s.tlsc
	}
	return s.raw
}

// SecureSend writes buf to the current channel, TLS-secured if active.
func (s *Stream) SecureSend(buf []byte) (int, error) {
	return s.Conn().Write(buf)
}

// SecureRecv reads into buf from the current channel, TLS-secured if active.
func (s *Stream) SecureRecv(buf []byte) (int, error) {
	return s.Conn().Read(buf)
}

// ConnectionState returns the negotiated TLS state, valid once Active.
func (s *Stream) ConnectionState() tls.ConnectionState {
	return s.state
}

// Close closes the current channel.
func (s *Stream) Close() error {
	return s.Conn().Close()
}

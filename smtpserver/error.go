package smtpserver

import "fmt"

// smtpError is the typed panic the session's per-command recover() catches,
// mapping onto the §7 error taxonomy. Grounded on
// mjl--mox/smtpserver/error.go's smtpError/xcheckf/xsmtpUserErrorf pattern.
type smtpError struct {
	code      int
	secode    string
	err       error
	permanent bool // true selects the 5xx class of the taxonomy, false 4xx
}

func (e smtpError) Error() string { return e.err.Error() }
func (e smtpError) Unwrap() error  { return e.err }

// xcheckf panics with an Internal-class 451 error if err is non-nil,
// per §7's "Internal" kind (disk write failure, TLS handshake failure).
func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	panic(smtpError{code: 451, secode: "4.3.0", err: fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err), permanent: false})
}

// xsmtpUserErrorf panics with a caller-specified reply code/class, the
// generic escape hatch for the rest of §7's taxonomy (Malformed,
// PolicyReject, AuthFailed, ResourceExhausted, PermanentProtocol).
func xsmtpUserErrorf(code int, secode string, format string, args ...any) {
	panic(smtpError{code: code, secode: secode, err: fmt.Errorf(format, args...), permanent: code >= 500})
}

// xsmtpServerErrorf is xsmtpUserErrorf for errors not attributable to the
// peer (resource exhaustion, internal failures at points other than
// xcheckf's I/O-wrapping use).
func xsmtpServerErrorf(code int, secode string, format string, args ...any) {
	panic(smtpError{code: code, secode: secode, err: fmt.Errorf(format, args...), permanent: false})
}

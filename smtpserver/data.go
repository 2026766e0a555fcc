package smtpserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/duskmail/duskmail/authenticity/dkim"
	"github.com/duskmail/duskmail/authenticity/dmarc"
	"github.com/duskmail/duskmail/authenticity/spf"
	"github.com/duskmail/duskmail/mailmime"
	"github.com/duskmail/duskmail/metrics"
	"github.com/duskmail/duskmail/mlog"
)

// cmdDATA implements §4.8's DATA reception and the end-of-DATA pipeline:
// authenticity checks, virus scan, attachment policy, store, enqueue.
func (s *Session) cmdDATA() {
	s.requireAuthenticated()
	s.requireState(StateRcptTo)
	s.reply(354, "", "Start mail input; end with <CRLF>.<CRLF>")
	s.state = StateData
	s.setDeadline(s.deps.Config.DataTimeout)

	raw, err := s.readDotTerminated()
	if err != nil {
		xsmtpUserErrorf(451, "4.3.0", "Error reading message data")
	}

	if int64(len(raw)) > s.deps.Config.MaxMessageSize {
		s.state = StateGreeted
		xsmtpUserErrorf(552, "5.3.4", "Message size exceeds maximum permitted")
	}

	s.runAuthenticityAndDeliver(raw)

	s.state = StateGreeted
	s.reversePath = ""
	s.forwardPaths = nil
}

// readDotTerminated reads lines until a lone "." line, reversing
// dot-stuffing (a leading ".." on an input line means a literal "." at the
// start of that line) and enforcing a 2x-of-max safety cap against
// unbounded buffering from a peer that never sends the terminator.
func (s *Session) readDotTerminated() ([]byte, error) {
	var buf bytes.Buffer
	safetyCap := 2 * s.deps.Config.MaxMessageSize
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			trimmed = trimmed[1:]
		}
		buf.WriteString(trimmed)
		buf.WriteString("\r\n")
		if safetyCap > 0 && int64(buf.Len()) > safetyCap {
			return nil, fmt.Errorf("message exceeds safety cap")
		}
	}
	return buf.Bytes(), nil
}

// runAuthenticityAndDeliver runs the 7-step end-of-DATA pipeline described
// by §4.8: authenticity checks, Authentication-Results, virus scan,
// attachment policy, store, enqueue.
func (s *Session) runAuthenticityAndDeliver(raw []byte) {
	fromDomain := toASCIIDomain(addrDomain(s.reversePath))
	resolver := spfResolverAdapter{r: s.deps.Resolver}

	spfResult, spfErr := spf.Evaluate(resolver, fromDomain, spf.Args{
		IP:                net.ParseIP(s.peerIP),
		MailFromLocalpart: addrLocalpart(s.reversePath),
		MailFromDomain:    fromDomain,
		HeloDomain:        s.heloDomain,
	})
	if spfErr != nil {
		s.log.Debug("spf evaluation error", mlog.Field("error", spfErr.Error()))
		spfResult = spf.TempError
	}

	dkimResult := dkim.Verify(s.deps.Resolver, raw)

	// A domain publishing more than one DMARC record is treated as an
	// unconditional, unsampled Fail-with-enforced-reject per §4.4, modeled
	// as a synthetic unaligned EvalResult so the rest of the pipeline
	// (Authentication-Results rendering, policy enforcement) needs no
	// special case for it.
	var dmarcEval *dmarc.EvalResult
	var dmarcForcedReject bool
	rec, dmarcErr := dmarc.Lookup(s.deps.Resolver, fromDomain)
	switch {
	case dmarcErr == dmarc.ErrMultipleRecords:
		dmarcForcedReject = true
		dmarcEval = &dmarc.EvalResult{
			AppliedPolicy: dmarc.PolicyReject,
			Record:        &dmarc.Record{Domain: fromDomain, Policy: dmarc.PolicyReject},
		}
	case dmarcErr == nil && rec != nil:
		eval := dmarc.Evaluate(rec, dmarc.EvalArgs{
			FromDomain: fromDomain,
			DKIM:       []dkim.Result{dkimResult},
			SPFResult:  spfResult,
			SPFDomain:  fromDomain,
		})
		dmarcEval = &eval
	}

	authResults := dmarc.AuthenticationResults(s.deps.Config.Domain, spfResult, s.reversePath, []dkim.Result{dkimResult}, dmarcEval)
	raw = prependHeader(raw, "Authentication-Results", authResults)

	// Sign the message we're about to relay on the submitting (already
	// authenticated) user's behalf, per §4.4's C4 sign operation. A nil
	// DKIMKey (the default) leaves outbound mail unsigned.
	if s.deps.DKIMKey != nil {
		sig, err := dkim.SignMessage(s.deps.DKIMKey, raw)
		xcheckf(err, "sign outbound message")
		raw = append([]byte(sig), raw...)
	}

	// Policy is only enforced on a failing (unaligned) evaluation, per
	// §4.4: AppliedPolicy alone is just the record's p=/sp=, independent of
	// whether the message actually passed alignment. A failing evaluation
	// is still subject to pct= downsampling, except the forced-reject case
	// above, which is unconditional.
	dmarcQuarantine := false
	if dmarcEval != nil && !dmarcEval.Aligned && (dmarcForcedReject || dmarc.ShouldSample(dmarcEval.Record.Percent)) {
		switch dmarcEval.AppliedPolicy {
		case dmarc.PolicyReject:
			metrics.MessagesDMARCRejected.Inc()
			xsmtpUserErrorf(550, "5.7.1", "Message rejected by DMARC policy")
		case dmarc.PolicyQuarantine:
			dmarcQuarantine = true
		}
	}

	if s.deps.Scanner != nil {
		sum := sha256.Sum256(raw)
		hash := hex.EncodeToString(sum[:])
		verdict, err := s.deps.Scanner.Scan(hash, raw)
		if err != nil {
			xsmtpUserErrorf(451, "4.7.1", "Virus scanner unavailable")
		}
		if verdict.Unavailable {
			xsmtpUserErrorf(451, "4.7.1", "Virus scanner unavailable")
		}
		if verdict.Infected {
			metrics.MessagesVirusRejected.Inc()
			xsmtpUserErrorf(550, "5.7.1", "Message rejected: "+verdict.VirusName)
		}
	}

	part, err := mailmime.Parse(raw)
	xcheckf(err, "parse message for attachment policy")
	quarantine := evaluateAttachmentPolicy(part) || dmarcQuarantine

	storeIDs := make(map[string]string, len(s.forwardPaths))
	for _, rcpt := range s.forwardPaths {
		user := addrLocalpart(rcpt)
		id, err := s.deps.Store.Store(user, s.reversePath, rcpt, raw)
		xcheckf(err, "store message")
		storeIDs[rcpt] = id
		if quarantine {
			xcheckf(s.deps.Store.MoveToQuarantine(user, id), "quarantine message")
		}
	}

	_, err = s.deps.Queue.Enqueue(s.reversePath, strings.Join(s.forwardPaths, ","), raw, storeIDs)
	xcheckf(err, "enqueue message")

	metrics.MessagesReceived.Inc()
	s.reply(250, "2.0.0", "Message accepted for delivery")
}

// evaluateAttachmentPolicy walks a parsed message's parts, rejecting
// outright on any Reject verdict and flagging quarantine if any part
// comes back Quarantine.
func evaluateAttachmentPolicy(p mailmime.Part) bool {
	quarantine := false
	var walk func(mailmime.Part)
	walk = func(part mailmime.Part) {
		switch mailmime.EvaluatePart(part) {
		case mailmime.Reject:
			xsmtpUserErrorf(550, "5.7.1", "Attachment type not permitted")
		case mailmime.Quarantine:
			quarantine = true
		}
		for _, c := range part.Children {
			walk(c)
		}
	}
	walk(p)
	return quarantine
}

func addrDomain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr
	}
	return addr[i+1:]
}

// toASCIIDomain converts a SMTPUTF8 sender domain to its punycode form for
// DNS lookups (SPF/DKIM/DMARC records are published under the ASCII name).
// A domain that is already ASCII, or fails conversion, passes through
// unchanged.
func toASCIIDomain(domain string) string {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

func addrLocalpart(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr
	}
	return addr[:i]
}

// prependHeader inserts a header line at the very start of raw, above every
// existing header, matching RFC 5321's recommendation that trust
// boundary headers like Authentication-Results go at the top of the
// header block added by the receiving server.
func prependHeader(raw []byte, name, value string) []byte {
	line := fmt.Sprintf("%s: %s\r\n", name, value)
	return append([]byte(line), raw...)
}


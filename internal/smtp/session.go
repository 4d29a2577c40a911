// Package smtp implements the per-connection SMTP protocol state
// machine: parsing (request.go), the state table (state.go), the
// accumulated transaction data (envelope.go), and the session loop
// itself (this file). It is the Go counterpart of the original
// client_session crate, generalized from a single hard-coded
// PgMailDB/native_tls pairing to the store.MailStore interface and
// crypto/tls.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/store"
	"github.com/infodancer/smtpd/internal/stream"
)

const (
	// maxLineSize bounds a single command line; generous relative to
	// RFC 5321's 1000-octet guidance since this server otherwise has no
	// extended-line negotiation.
	maxLineSize = 8192
	// maxDataSize is the DATA body cap spec.md names: 2 MiB.
	maxDataSize = 1024 * 1024 * 2
	// maxDataLineSize bounds a single ReadLine call while accumulating
	// the DATA body; it must exceed maxDataSize so an oversize body is
	// reported as "too big" rather than "line too long".
	maxDataLineSize = maxDataSize + 4096

	subjectPrefix   = "Subject: "
	defaultSubject  = "No Subject"
	dataTerminator  = "\r\n.\r\n"
)

// Session is the per-connection protocol state machine: owns a
// SmartStream, accumulates an Envelope, enforces the state transition
// table, and calls into the MailStore on a completed DATA transaction.
type Session struct {
	ID        string
	hostname  string
	state     State
	stream    *stream.SmartStream
	envelope  Envelope
	tlsConfig *tls.Config
	store     store.MailStore
	logger    *slog.Logger
	collector metrics.Collector
}

// NewSession constructs a Session over conn, ready for Run. tlsConfig
// may be nil only if STARTTLS will never be exercised (tests); a
// production acceptor always supplies one. collector may be nil, in
// which case metrics are dropped. readTimeout bounds every ReadLine
// call per spec.md §4.3/§6 (0 disables the deadline, for tests driving
// a net.Pipe with no wall-clock pressure).
func NewSession(id, hostname string, conn net.Conn, tlsConfig *tls.Config, mailStore store.MailStore, logger *slog.Logger, collector metrics.Collector, readTimeout time.Duration) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Session{
		ID:        id,
		hostname:  hostname,
		state:     StateConnected,
		stream:    stream.NewWithTimeout(conn, readTimeout),
		tlsConfig: tlsConfig,
		store:     mailStore,
		logger:    logger,
		collector: collector,
	}
}

// Run drives the session to completion: sends the banner, then loops
// reading, parsing, and dispatching commands until the stream is
// dropped (post-QUIT) or a fatal transport/TLS error occurs. Per
// spec.md §7, parse and protocol errors are recovered in place; only
// transport and TLS errors unwind Run with a non-nil error.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session started", "session", s.ID, "hostname", s.hostname, "remote", s.stream.RemoteAddr())
	// Every session owns its own MailStore handle (spec.md §5), so it is
	// this session's job to close it on every exit path, not just QUIT's.
	// Disconnect is idempotent, so QUIT's own explicit call below does not
	// double-close.
	defer func() {
		if s.store != nil {
			_ = s.store.Disconnect()
		}
	}()
	if err := s.reply("220 SMTP server ready\r\n"); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, closing session", "session", s.ID)
			_ = s.stream.Close()
			return nil
		default:
		}

		if !s.stream.IsOpen() {
			return nil
		}

		line, err := s.stream.ReadLine(maxLineSize)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) {
				return nil
			}
			s.logger.Error("transport error reading command", "session", s.ID, "err", err)
			return fmt.Errorf("read command: %w", err)
		}

		req, perr := Parse(line)
		if perr != nil {
			if err := s.reply(fmt.Sprintf("500 Error %s\r\n", perr)); err != nil {
				return err
			}
			continue
		}

		handled, err := s.handleLoose(req)
		if err != nil {
			return err
		}
		if handled {
			if s.state == StateQuit {
				return nil
			}
			continue
		}

		if err := s.dispatch(req); err != nil {
			return err
		}
	}
}

func (s *Session) reply(msg string) error {
	return s.stream.WriteString(msg)
}

// replyError writes a DATA-path failure the way the original source
// does: "500 Error\r\n" followed directly by the error text with no
// further CRLF, matching spec.md §8 scenario 4's literal transcript
// ("500 Error\r\nData size is too big") rather than the single-line
// "500 Error <message>\r\n" shape used for parse/protocol errors.
func (s *Session) replyError(msg string) error {
	return s.stream.WriteString("500 Error\r\n" + msg)
}

// handleLoose processes the five commands accepted in any state and
// reports whether it handled the request at all.
func (s *Session) handleLoose(req Request) (bool, error) {
	switch req.Kind {
	case KindEHLO, KindQuit, KindHelp, KindNoop, KindRset:
		s.collector.CommandProcessed(req.Kind.String())
	}
	switch req.Kind {
	case KindEHLO:
		s.envelope = Envelope{}
		s.state = StateEhlo
		return true, s.reply("250 OK\r\n")
	case KindQuit:
		s.state = StateQuit
		if err := s.reply("221 OK\r\n"); err != nil {
			return true, err
		}
		if s.store != nil {
			_ = s.store.Disconnect()
		}
		_ = s.stream.Close()
		return true, nil
	case KindHelp:
		return true, s.reply("214 OK\r\n")
	case KindNoop:
		return true, s.reply("250 OK\r\n")
	case KindRset:
		s.envelope = Envelope{}
		s.state = StateConnected
		return true, s.reply("250 OK\r\n")
	default:
		return false, nil
	}
}

func (s *Session) dispatch(req Request) error {
	s.collector.CommandProcessed(req.Kind.String())
	switch s.state {
	case StateConnected:
		return s.reply("500 Error\r\n")
	case StateEhlo:
		return s.handleEhlo(req)
	case StateStartTLS:
		return s.handleStartTLS(req)
	case StateAuth:
		return s.handleAuth(req)
	case StateMailFrom:
		return s.handleMailFrom(req)
	case StateRcptTo:
		return s.handleRcptTo(req)
	case StateData:
		return s.handleData(req)
	default:
		return s.reply("500 Error\r\n")
	}
}

// handleEhlo implements the Ehlo row of spec.md §4.5's transition
// table: only STARTTLS is legal. The state flips to StartTLS before the
// handshake completes, matching the original's observed ordering.
func (s *Session) handleEhlo(req Request) error {
	if req.Kind != KindSTARTTLS {
		return s.reply("500 Error\r\n")
	}
	if err := s.reply("220 Ready to start TLS\r\n"); err != nil {
		return err
	}
	s.state = StateStartTLS
	if err := s.stream.UpgradeServer(s.tlsConfig); err != nil {
		s.logger.Error("TLS upgrade failed", "session", s.ID, "err", err)
		return fmt.Errorf("tls upgrade: %w", err)
	}
	s.collector.TLSUpgraded()
	return nil
}

// handleStartTLS implements the StartTLS row: AUTH PLAIN and REGISTER
// are legal. Auth failures here are recovered in place per spec.md §7 —
// the session stays in StartTLS rather than advancing, unlike the
// literal original source, which unconditionally flips to Auth even on
// failure; spec.md's explicit error-handling policy governs that
// divergence.
func (s *Session) handleStartTLS(req Request) error {
	switch req.Kind {
	case KindAuthPlain:
		return s.handleAuthPlain(req.Arg)
	case KindRegister:
		// Registration logic is deferred per spec.md's Open Question:
		// the original only advances state, no persistence happens.
		s.state = StateAuth
		return s.reply("235 OK\r\n")
	default:
		return s.reply("500 Error\r\n")
	}
}

func (s *Session) handleAuthPlain(b64cred string) error {
	user, pass, err := decodePlainCredentials(b64cred)
	if err != nil {
		return s.reply("500 Error could not decode credentials\r\n")
	}

	if err := s.store.Login(user, pass); err != nil {
		s.collector.AuthAttempt(false)
		// spec.md's StartTLS row names one failure reply for both
		// distinguished login failures (unknown user, wrong password).
		return s.reply("500 Error user not found\r\n")
	}
	s.collector.AuthAttempt(true)
	s.envelope.LoggedUser = user
	s.state = StateAuth
	return s.reply("235 OK\r\n")
}

func (s *Session) handleAuth(req Request) error {
	if req.Kind != KindMailFrom {
		return s.reply("500 Error\r\n")
	}
	s.envelope.MailFrom = req.Arg
	s.state = StateMailFrom
	return s.reply("250 OK\r\n")
}

func (s *Session) handleMailFrom(req Request) error {
	if req.Kind != KindRcptTo {
		return s.reply("500 Error\r\n")
	}
	s.envelope.RcptTo = append(s.envelope.RcptTo, req.Arg)
	s.state = StateRcptTo
	return s.reply("250 OK\r\n")
}

func (s *Session) handleRcptTo(req Request) error {
	switch req.Kind {
	case KindRcptTo:
		s.envelope.RcptTo = append(s.envelope.RcptTo, req.Arg)
		return s.reply("250 OK\r\n")
	case KindData:
		return s.handleDataCommand()
	default:
		return s.reply("500 Error\r\n")
	}
}

// handleDataCommand implements the RcptTo->DATA row. spec.md §7 states
// "DATA size exceeded and store errors during DATA are reported as
// 500 Error ... but the session remains usable" — so the success reply
// is sent only after a successful InsertMultiple, and an oversize body
// or a store failure replies 500 and leaves the session in RcptTo
// rather than propagating as fatal. Other read errors while collecting
// the body are transport errors and are returned. This differs from the literal original source,
// which writes 250 OK before calling insert_multiple_emails and lets a
// persistence error propagate as fatal; spec.md's explicit policy
// governs here.
func (s *Session) handleDataCommand() error {
	if err := s.reply("354 End data with <CR><LF>.<CR><LF>\r\n"); err != nil {
		return err
	}

	body, err := s.readDataUntilDot()
	if err != nil {
		if errors.Is(err, ErrDataTooBig) {
			return s.replyError(err.Error())
		}
		return err
	}

	subject := extractSubject(body)
	if err := s.store.InsertMultiple(s.envelope.RcptTo, subject, body); err != nil {
		return s.replyError(err.Error())
	}
	s.collector.DataBytes(int64(len(body)))

	s.envelope.Data = body
	s.state = StateData
	return s.reply("250 OK\r\n")
}

// handleData implements the Data row: only MAIL FROM is legal, and per
// spec.md's Open Question (preserved from the original's observed
// behavior) the new address is pushed onto RcptTo, not MailFrom.
func (s *Session) handleData(req Request) error {
	if req.Kind != KindMailFrom {
		return s.reply("500 Error\r\n")
	}
	s.envelope = Envelope{}
	s.envelope.RcptTo = append(s.envelope.RcptTo, req.Arg)
	s.state = StateMailFrom
	return s.reply("250 OK\r\n")
}

// readDataUntilDot accumulates CRLF-terminated lines until the
// accumulation ends with "\r\n.\r\n", then strips that terminator.
// Mirrors the original's read_data_until_dot: the size check runs after
// each append and measures the body without its terminator, so a body
// of exactly maxDataSize is accepted and one byte more is rejected.
func (s *Session) readDataUntilDot() (string, error) {
	var data strings.Builder
	for {
		line, err := s.stream.ReadLine(maxDataLineSize)
		if err != nil {
			return "", err
		}
		data.WriteString(line)
		if strings.HasSuffix(data.String(), dataTerminator) {
			full := data.String()
			body := full[:len(full)-len(dataTerminator)]
			if len(body) > maxDataSize {
				return "", ErrDataTooBig
			}
			return body, nil
		}
		if data.Len() > maxDataSize+len(dataTerminator) {
			return "", ErrDataTooBig
		}
	}
}

// extractSubject scans body for the first line beginning with
// "Subject: " and returns the remainder of that line, or "No Subject"
// if none is present.
func extractSubject(body string) string {
	for _, line := range strings.Split(body, "\r\n") {
		if strings.HasPrefix(line, subjectPrefix) {
			return line[len(subjectPrefix):]
		}
	}
	return defaultSubject
}

// State returns the session's current protocol state; exposed for
// tests and metrics.
func (s *Session) State() State { return s.state }

// Envelope returns a copy of the session's accumulated transaction
// data; exposed for tests.
func (s *Session) Envelope() Envelope { return s.envelope }

// Package stream implements SmartStream, a duplex line-oriented stream
// over a net.Conn that can be upgraded in place from plaintext to TLS
// exactly once. It is the Go counterpart of the original AsyncStream:
// same two states (plain, encrypted), same idempotent close, same
// bounded accumulate-until-terminator read loop — implemented with
// bufio over net.Conn instead of a hand-rolled async reactor, since
// Go's net package and goroutines already provide the suspension point
// the original needed a custom executor for.
package stream

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

type phase int

const (
	phasePlain phase = iota
	phaseEncrypted
	phaseClosed
)

// defaultBufSize mirrors the original AsyncStream's m_buffsize default.
const defaultBufSize = 1024

// SmartStream wraps a net.Conn, tracking whether it is plaintext or has
// been upgraded to TLS, and exposes line-oriented reads bounded by a
// caller-supplied maximum and, optionally, a per-read timeout.
type SmartStream struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	phase   phase
	timeout time.Duration
}

// New wraps conn as a plaintext SmartStream with no read timeout.
func New(conn net.Conn) *SmartStream {
	return NewWithTimeout(conn, 0)
}

// NewWithTimeout wraps conn as a plaintext SmartStream whose ReadLine
// calls are each bounded by timeout, matching spec.md §4.3 ("Each
// underlying read is bounded by the configured timeout; timeout fails
// with Timeout"). timeout of 0 disables the deadline entirely.
func NewWithTimeout(conn net.Conn, timeout time.Duration) *SmartStream {
	return &SmartStream{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, defaultBufSize),
		phase:   phasePlain,
		timeout: timeout,
	}
}

// IsOpen reports whether the stream is still usable. It mirrors the
// original's peer_addr-based liveness check: once Close has run, or the
// wrapped conn reports itself gone, the stream is no longer open.
func (s *SmartStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpenLocked()
}

func (s *SmartStream) isOpenLocked() bool {
	if s.phase == phaseClosed || s.conn == nil {
		return false
	}
	return s.conn.RemoteAddr() != nil
}

// Close shuts the stream down. Close is safe to call more than once and
// safe to call concurrently with Read/Write/Upgrade.
func (s *SmartStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == phaseClosed {
		return nil
	}
	s.phase = phaseClosed
	conn := s.conn
	s.conn = nil
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Write writes p to the underlying connection, whichever phase it is in.
func (s *SmartStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpenLocked() {
		return 0, ErrClosed
	}
	return s.conn.Write(p)
}

// WriteString is a convenience wrapper around Write for reply lines.
func (s *SmartStream) WriteString(str string) error {
	_, err := s.Write([]byte(str))
	return err
}

// ReadLine reads bytes up to and including the next '\n', returning
// ErrLineTooLong if no newline appears within maxSize bytes, or
// ErrTimeout if the stream was constructed with a non-zero timeout and
// no terminator arrives before it elapses. The returned string retains
// any trailing "\r\n"; callers trim as needed. This mirrors the
// original's chunked accumulate-and-check-size loop, built on
// bufio.Reader.ReadSlice instead of a manual recv buffer.
func (s *SmartStream) ReadLine(maxSize int) (string, error) {
	s.mu.Lock()
	open := s.isOpenLocked()
	r := s.r
	conn := s.conn
	timeout := s.timeout
	s.mu.Unlock()
	if !open {
		return "", ErrClosed
	}

	var buf []byte
	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxSize {
			return "", ErrLineTooLong
		}
		if err == nil {
			return string(buf), nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", ErrTimeout
		}
		return string(buf), err
	}
}

// UpgradeServer performs the server side of a TLS handshake in place,
// replacing the plaintext connection with an encrypted one. It fails if
// the stream is closed or has already been upgraded, matching the
// original's single-upgrade invariant.
func (s *SmartStream) UpgradeServer(config *tls.Config) error {
	return s.upgrade(func(conn net.Conn) net.Conn {
		return tls.Server(conn, config)
	})
}

// UpgradeClient performs the client side of a TLS handshake in place.
// It exists alongside UpgradeServer for symmetry with the original's
// connect_tls/accept_tls pair; the package tests drive the client end
// with tls.Client directly rather than through this method.
func (s *SmartStream) UpgradeClient(config *tls.Config) error {
	return s.upgrade(func(conn net.Conn) net.Conn {
		return tls.Client(conn, config)
	})
}

func (s *SmartStream) upgrade(wrap func(net.Conn) net.Conn) error {
	s.mu.Lock()
	if !s.isOpenLocked() {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase == phaseEncrypted {
		s.mu.Unlock()
		return ErrAlreadyEncrypted
	}
	conn := s.conn
	s.mu.Unlock()

	tlsConn := wrap(conn)
	if hs, ok := tlsConn.(*tls.Conn); ok {
		if err := hs.Handshake(); err != nil {
			return fmt.Errorf("tls handshake failed: %w", err)
		}
	}

	s.mu.Lock()
	s.conn = tlsConn
	s.r = bufio.NewReaderSize(tlsConn, defaultBufSize)
	s.phase = phaseEncrypted
	s.mu.Unlock()
	return nil
}

// ConnectionState exposes the negotiated TLS state once upgraded, or the
// zero value before that. Useful for logging/metrics on STARTTLS.
func (s *SmartStream) ConnectionState() (tls.ConnectionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		return tlsConn.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// RemoteAddr returns the peer address, or nil if the stream is closed.
func (s *SmartStream) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

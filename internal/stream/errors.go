package stream

import "errors"

// ErrClosed is returned by any operation attempted on a stream that has
// already been closed or whose peer has gone away.
var ErrClosed = errors.New("stream: connection is closed")

// ErrAlreadyEncrypted is returned by UpgradeServer and UpgradeClient
// when the stream has already
// completed a TLS handshake. A stream may be upgraded at most once.
var ErrAlreadyEncrypted = errors.New("stream: connection is already encrypted")

// ErrLineTooLong is returned by ReadLine when no terminator is found
// within the caller-supplied maximum size.
var ErrLineTooLong = errors.New("stream: line exceeds maximum size")

// ErrTimeout is returned by ReadLine when the stream was constructed
// with a non-zero read timeout and no terminator arrives before it
// elapses, per spec.md §4.3 ("Each underlying read is bounded by the
// configured timeout; timeout fails with Timeout").
var ErrTimeout = errors.New("stream: read timed out")

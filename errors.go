package cmdsock

import (
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Transport errors.
var (
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConnectionRefused is returned by Dial when the peer refused the connection.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrHostUnreachable is returned by Dial when the peer cannot be reached
	// (unresolvable name, no route, dial timeout).
	ErrHostUnreachable = errors.New("host unreachable")
)

// Framing errors. They are caught per message by the read loop and handed
// to the connection's error policy instead of tearing the connection down.
var (
	// ErrMalformedFrame is returned for an empty frame or a field whose
	// declared length is out of range.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrTruncatedPayload is returned when a handler reads past the end of
	// the payload.
	ErrTruncatedPayload = errors.New("truncated payload")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrUnhandledCode is returned when no handler accepts a received code.
	ErrUnhandledCode = errors.New("unhandled code")
)

// Dispatch, client and lifecycle errors.
var (
	// ErrDuplicateRegistration is returned when a code is bound twice.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrRequestTimeout is returned when a synchronous call gets no response in time.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrConcurrentRequest is returned when a synchronous call is issued while
	// another one is still waiting on the same client. Frames carry no
	// correlation id, so only one call may be in flight per connection.
	ErrConcurrentRequest = errors.New("concurrent request not supported")
	// ErrServerStarted is returned by Start on a running server.
	ErrServerStarted = errors.New("server already started")
	// ErrServerStopped is returned by Start after Stop.
	ErrServerStopped = errors.New("server stopped")
	// ErrDisconnect may be returned by a handler to close its connection.
	ErrDisconnect = errors.New("disconnect requested")
)

// BindError is returned by Server.Start when the listen address cannot be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return "bind " + e.Addr + ": " + e.Err.Error()
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// payloadError reports a read past the end of a payload. It matches
// ErrTruncatedPayload and unwraps to the I/O error that caused it, so the
// read loop can still tell a short payload from a dropped peer.
type payloadError struct {
	cause error
}

func (e *payloadError) Error() string {
	return ErrTruncatedPayload.Error() + ": " + e.cause.Error()
}

func (e *payloadError) Is(target error) bool {
	return target == ErrTruncatedPayload
}

func (e *payloadError) Unwrap() error {
	return e.cause
}

// IsFramingError reports whether err is a per-message framing error.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrTruncatedPayload) ||
		errors.Is(err, ErrMessageTooLarge) ||
		errors.Is(err, ErrUnhandledCode)
}

// isTransportError reports whether err means the stream itself is gone.
func isTransportError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// classifyDialError maps a dial failure onto the transport taxonomy.
func classifyDialError(addr string, err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return errors.Wrapf(ErrConnectionRefused, "dial %s: %v", addr, err)
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, os.ErrDeadlineExceeded):
		return errors.Wrapf(ErrHostUnreachable, "dial %s: %v", addr, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errors.Wrapf(ErrHostUnreachable, "dial %s: %v", addr, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(ErrHostUnreachable, "dial %s: %v", addr, err)
	}
	return errors.Wrapf(err, "dial %s", addr)
}

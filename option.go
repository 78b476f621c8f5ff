package cmdsock

import (
	"time"

	"golang.org/x/time/rate"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// FrameFunc handles one received frame. It must consume exactly the payload
// fields of code from r before returning.
type FrameFunc func(code Code, r *Reader) error

// options holds the configuration for a connection.
type options struct {
	logger Logger

	onFrame FrameFunc
	// onStart runs on the read loop before the first frame is read.
	onStart func() error
	// onError is called for framing errors on read and for write errors.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction
	// onClose is called once after the connection is closed, with the
	// error that ended it.
	onClose func(error)

	bufferSize    int           // size of buffered channel
	maxReadLength int           // maximum size of a single message
	idleTimeout   time.Duration // read deadline between messages, 0 disables it

	rateLimit rate.Limit // frames per second accepted from the peer, 0 disables it
	rateBurst int
}

// Option is a function that configures connection options.
type Option func(*options)

// OnFrameOption returns an Option that sets the frame handler callback.
// This callback is required and runs on the read loop, so frames of one
// connection are handled one at a time in the order they arrive.
func OnFrameOption(cb FrameFunc) Option {
	return func(o *options) {
		o.onFrame = cb
	}
}

// OnStartOption returns an Option that sets a callback run once by the read
// loop before it reads the first frame. The write loop is already running,
// so the callback may send. An error closes the connection.
func OnStartOption(cb func() error) Option {
	return func(o *options) {
		o.onStart = cb
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
// A larger buffer allows more frames to be queued before Send blocks.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption returns an Option that closes the connection when no
// frame starts within timeout. Zero keeps idle connections open.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// MessageMaxSize returns an Option that sets the maximum size of one frame.
// Larger frames fail with ErrMessageTooLarge.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked for framing errors and write errors.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnCloseOption returns an Option that sets the close callback.
func OnCloseOption(cb func(error)) Option {
	return func(o *options) {
		o.onClose = cb
	}
}

// RateLimitOption returns an Option that limits how many frames per second
// the read loop accepts from the peer. Excess frames wait; they are not dropped.
func RateLimitOption(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.rateLimit = limit
		o.rateBurst = burst
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

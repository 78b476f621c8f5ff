// Package cmdsock provides a command/response protocol engine over TCP.
// Every frame is a one-byte code followed by a payload whose layout is
// defined by the handler bound to that code. Servers dispatch received
// command codes through an immutable table, clients pair synchronous calls
// with their replies and route unsolicited pushes to their own handlers.
package cmdsock

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Errors returned by connection setup and writes.
var (
	// ErrInvalidOnFrame is returned when no frame handler is provided.
	ErrInvalidOnFrame = errors.New("invalid on frame callback")
	// ErrBufferFull is returned when the send buffer is full and cannot accept more frames.
	// This error indicates backpressure - the receiver is not consuming frames fast enough.
	ErrBufferFull = errors.New("send buffer full")
)

// limitedReader wraps a reader and returns ErrMessageTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// reset resets the limit counter for reuse with a new frame.
// Only remaining is reset because the underlying reader (bufio.Reader)
// maintains its own buffer state and continues reading from where it left off.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn owns one TCP connection. A read loop decodes frames and hands them
// to the frame callback; a write loop drains the send queue, so frames
// queued by concurrent senders never interleave on the wire.
type Conn struct {
	rawConn       *net.TCPConn
	reader        *bufio.Reader
	limitedReader *limitedReader
	payload       *Reader
	limiter       *rate.Limiter
	logger        Logger

	opts options

	sendMsg chan []byte
	state   atomic.Int32
	closed  atomic.Bool
	local   atomic.Bool // closed through Close
	done    chan struct{}
	once    sync.Once
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send channel buffer.
	defaultBufferSize = 16
	// defaultMaxPackageLength is the default maximum size of a single frame (1MB).
	defaultMaxPackageLength = 1024 * 1024
)

// NewConn creates a new connection wrapper around the given TCP connection.
// It applies the provided options and validates them before returning.
// Returns an error if the frame callback is missing.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// defaultOnError keeps the connection on framing errors and drops it on anything else.
func defaultOnError(err error) ErrorAction {
	if IsFramingError(err) {
		return Continue
	}
	return Disconnect
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.onFrame == nil {
		return ErrInvalidOnFrame
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.onError == nil {
		opts.onError = defaultOnError
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// newConnWithOptions creates a new Conn with the given options.
func newConnWithOptions(c *net.TCPConn, opts options) *Conn {
	reader := bufio.NewReaderSize(c, 4096)
	limited := newLimitedReader(reader, int64(opts.maxReadLength))
	cc := &Conn{
		rawConn:       c,
		reader:        reader,
		limitedReader: limited,
		logger:        opts.logger,
		opts:          opts,
		sendMsg:       make(chan []byte, opts.bufferSize),
		done:          make(chan struct{}),
	}
	cc.payload = newStreamReader(limited, opts.maxReadLength, cc.discardBuffered)
	if opts.rateLimit > 0 {
		burst := opts.rateBurst
		if burst <= 0 {
			burst = 1
		}
		cc.limiter = rate.NewLimiter(opts.rateLimit, burst)
	}
	cc.state.Store(int32(StateConnected))

	return cc
}

// Run starts the connection's read and write loops.
// It blocks until the peer goes away, an unrecoverable error occurs,
// the context is canceled or Close is called, then closes the connection
// and invokes the close callback.
//
// Run returns ErrConnectionClosed after Close, ctx.Err() after cancellation
// and the read or write error otherwise.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"idle_timeout", c.opts.idleTimeout)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// A blocked Read only returns once the socket is closed.
	group.Go(func() error {
		select {
		case <-child.Done():
		case <-c.done:
		}
		c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting))
		_ = c.rawConn.Close()
		return nil
	})

	err := group.Wait()
	c.closeConn()

	switch {
	case c.local.Load():
		err = ErrConnectionClosed
	case ctx.Err() != nil:
		err = ctx.Err()
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrConnectionClosed) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	if c.opts.onClose != nil {
		c.opts.onClose(err)
	}
	c.state.Store(int32(StateClosed))

	return err
}

// Close closes the connection. Queued frames that were not written yet are
// dropped. Safe to call multiple times and from the frame callback.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.local.Store(true)
	c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting))
	c.once.Do(func() { close(c.done) })
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// State returns the lifecycle state of the connection.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done returns a channel that is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send encodes a frame and queues it, blocking while the send queue is full.
func (c *Conn) Send(code Code, build func(w *Writer) error) error {
	return c.SendContext(context.Background(), code, build)
}

// SendContext is Send with a bound on how long to wait for queue space.
func (c *Conn) SendContext(ctx context.Context, code Code, build func(w *Writer) error) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := Encode(code, build)
	if err != nil {
		return err
	}

	return c.WriteBlocking(ctx, data)
}

// Write queues an encoded frame without blocking (fire-and-forget).
//
// Returns:
//   - nil: frame was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, frame was NOT queued
//   - ErrConnectionClosed: connection is closed
func (c *Conn) Write(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues an encoded frame, blocking until it is queued, the
// connection closes or the context is canceled.
//
// Returns:
//   - nil: frame was successfully queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closed
func (c *Conn) WriteBlocking(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues an encoded frame, waiting at most timeout for queue space.
//
// Returns:
//   - nil: frame was successfully queued
//   - ErrBufferFull: timeout expired before the frame could be queued
//   - ErrConnectionClosed: connection is closed
func (c *Conn) WriteTimeout(frame []byte, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrBufferFull
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop reads one code byte at a time and lets the frame callback
// consume the payload straight from the stream.
// Framing errors go through onError after the buffered input is dropped,
// which resynchronizes on the next segment the peer sends.
// Transport errors always end the loop.
func (c *Conn) readLoop(ctx context.Context) error {
	if c.opts.onStart != nil {
		if err := c.opts.onStart(); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.opts.idleTimeout > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}

		code, err := c.reader.ReadByte()
		if err != nil {
			return err
		}

		if c.limiter != nil {
			if err = c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		// Reset the limit for each frame
		c.limitedReader.reset(int64(c.opts.maxReadLength))

		err = c.opts.onFrame(Code(code), c.payload)
		if err == nil {
			continue
		}

		if isTransportError(err) || !IsFramingError(err) {
			return err
		}

		c.logger.Debug("framing error", "addr", c.Addr(), "code", code, "error", err)
		c.discardBuffered()
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}
}

// discardBuffered drops input that was received but not consumed.
func (c *Conn) discardBuffered() {
	if n := c.reader.Buffered(); n > 0 {
		_, _ = c.reader.Discard(n)
	}
}

// writeLoop continuously sends frames from the send channel to the connection.
// Returns when the context is canceled or an unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the connection.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the error is suppressed and writing continues.
func (c *Conn) write(data []byte) error {
	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))
	}

	_, err := c.rawConn.Write(data)

	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.once.Do(func() { close(c.done) })
	_ = c.rawConn.Close()
}

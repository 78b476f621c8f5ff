package cmdsock

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// PushFunc handles a frame the server sent without being asked, such as a
// broadcast. It runs on the client's read loop and must consume exactly the
// payload of code from r.
type PushFunc func(c *Client, r *Reader) error

const (
	defaultRequestTimeout = 10 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

type clientOptions struct {
	logger      Logger
	timeout     time.Duration
	dialTimeout time.Duration
	push        *Builder[PushFunc]
	connOpts    []Option
	onClose     func(error)
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// ClientLoggerOption sets the client logger.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// ClientTimeoutOption sets the timeout applied to synchronous calls whose
// context has no deadline. Default is 10 seconds.
func ClientTimeoutOption(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// ClientDialTimeoutOption bounds connection establishment.
func ClientDialTimeoutOption(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.dialTimeout = timeout
	}
}

// WireUpOption binds a push handler to a response code. Push handlers are
// fixed when the client connects; wiring the same code twice makes Dial fail
// with ErrDuplicateRegistration.
func WireUpOption(code Code, h PushFunc) ClientOption {
	return func(o *clientOptions) {
		o.push.On(code, h)
	}
}

// ClientConnOptions adds options for the underlying connection. The frame
// and close callbacks belong to the client and cannot be overridden.
func ClientConnOptions(opts ...Option) ClientOption {
	return func(o *clientOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// ClientCloseOption sets a callback run once the connection is gone.
func ClientCloseOption(cb func(error)) ClientOption {
	return func(o *clientOptions) {
		o.onClose = cb
	}
}

type pendingResult struct {
	value any
	err   error
}

// pending is one request waiting for its reply. A request whose caller gave
// up stays queued as abandoned: its reply is still parsed off the stream so
// the next reply reaches the right caller, then dropped.
type pending struct {
	parse     func(code Code, r *Reader) (any, error)
	result    chan pendingResult
	abandoned atomic.Bool
}

// Client is a connection to a command server. Replies are matched to
// requests by order: frames carry no request id, so at most one synchronous
// call may be waiting at a time, behind any requests whose callers already
// gave up. Frames whose code has a push handler never complete a call.
type Client struct {
	conn    *Conn
	push    *Table[PushFunc]
	logger  Logger
	timeout time.Duration
	onClose func(error)

	mu          sync.Mutex
	outstanding []*pending

	done chan struct{}
	err  error
}

// Dial connects to addr and starts the read loop before returning, so push
// frames are handled even before the first request. A refused connection is
// ErrConnectionRefused, an unreachable peer ErrHostUnreachable.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	o := clientOptions{
		logger:      slog.Default(),
		timeout:     defaultRequestTimeout,
		dialTimeout: defaultDialTimeout,
		push:        NewBuilder[PushFunc](),
	}
	for _, opt := range opts {
		opt(&o)
	}

	push, err := o.push.Build()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: o.dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}
	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		_ = raw.Close()
		return nil, errors.Errorf("dial %s: not a TCP connection", addr)
	}
	_ = tcpConn.SetNoDelay(true)

	c := &Client{
		push:    push,
		logger:  o.logger,
		timeout: o.timeout,
		onClose: o.onClose,
		done:    make(chan struct{}),
	}

	connOpts := make([]Option, 0, len(o.connOpts)+3)
	connOpts = append(connOpts, LoggerOption(o.logger))
	connOpts = append(connOpts, o.connOpts...)
	connOpts = append(connOpts,
		OnFrameOption(c.onFrame),
		OnCloseOption(c.onClosed),
	)
	c.conn, err = NewConn(tcpConn, connOpts...)
	if err != nil {
		_ = tcpConn.Close()
		return nil, err
	}

	go func() {
		c.err = c.conn.Run(context.Background())
		close(c.done)
	}()

	return c, nil
}

// onFrame routes a received frame to its push handler or to the oldest
// outstanding request.
func (c *Client) onFrame(code Code, r *Reader) error {
	if h, ok := c.push.Lookup(code); ok {
		return h(c, r)
	}

	p := c.popOutstanding()
	if p == nil {
		if h, ok := c.push.Resolve(code); ok {
			return h(c, r)
		}
		c.logger.Warn("unsolicited frame discarded", "addr", c.conn.Addr(), "code", code)
		return errors.Wrapf(ErrUnhandledCode, "response %d", code)
	}

	value, err := p.parse(code, r)
	if p.abandoned.Load() {
		c.logger.Debug("late response discarded", "addr", c.conn.Addr(), "code", code)
	} else {
		p.result <- pendingResult{value: value, err: err}
	}
	if err != nil && (IsFramingError(err) || isTransportError(err)) {
		return err
	}
	return nil
}

func (c *Client) popOutstanding() *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outstanding) == 0 {
		return nil
	}
	p := c.outstanding[0]
	c.outstanding[0] = nil
	c.outstanding = c.outstanding[1:]
	return p
}

// enqueue adds p behind the outstanding requests unless a live call is
// already waiting.
func (c *Client) enqueue(p *pending) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.outstanding {
		if !q.abandoned.Load() {
			return ErrConcurrentRequest
		}
	}
	c.outstanding = append(c.outstanding, p)
	return nil
}

// dequeue removes p if its request never went out.
func (c *Client) dequeue(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.outstanding {
		if q == p {
			c.outstanding = append(c.outstanding[:i], c.outstanding[i+1:]...)
			return
		}
	}
}

// onClosed fails the waiting call, if any.
func (c *Client) onClosed(err error) {
	c.mu.Lock()
	outstanding := c.outstanding
	c.outstanding = nil
	c.mu.Unlock()

	for _, p := range outstanding {
		if !p.abandoned.Load() {
			p.result <- pendingResult{err: ErrConnectionClosed}
		}
	}
	if c.onClose != nil {
		c.onClose(err)
	}
}

// Send queues a frame without waiting for any reply.
func (c *Client) Send(code Code, build func(w *Writer) error) error {
	return c.conn.Send(code, build)
}

// talk sends one request and waits for the frame that answers it. It
// returns as soon as ctx ends, even while the read loop is still parsing the
// reply.
func (c *Client) talk(ctx context.Context, code Code, build func(w *Writer) error, parse func(Code, *Reader) (any, error)) (any, error) {
	if c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	frame, err := Encode(code, build)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	p := &pending{parse: parse, result: make(chan pendingResult, 1)}
	if err := c.enqueue(p); err != nil {
		return nil, err
	}

	if err := c.conn.WriteBlocking(ctx, frame); err != nil {
		c.dequeue(p)
		return nil, c.waitError(ctx, err)
	}

	select {
	case res := <-p.result:
		return res.value, res.err
	case <-ctx.Done():
	case <-c.conn.Done():
	}

	// The reply may have landed while the other case fired.
	select {
	case res := <-p.result:
		return res.value, res.err
	default:
	}

	// result has room for one value, so the read loop never blocks on a
	// caller that left.
	p.abandoned.Store(true)
	if ctx.Err() == nil {
		return nil, ErrConnectionClosed
	}
	return nil, c.waitError(ctx, ctx.Err())
}

func (c *Client) waitError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.WithMessagef(ErrRequestTimeout, "no response within deadline")
	case errors.Is(err, ErrConnectionClosed):
		return ErrConnectionClosed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Talk sends a request and blocks until the reply arrives, the context
// ends, or the connection drops. parse runs on the read loop and must
// consume the reply payload; it receives the response code so it can map
// protocol-level refusals to errors.
//
// Only one Talk may be waiting per client; a second concurrent one fails
// with ErrConcurrentRequest. When the context has no deadline the client
// timeout applies and expiry is reported as ErrRequestTimeout. A call that
// gives up leaves its request queued: the reply it would have received is
// parsed and discarded when it arrives, so later calls still get their own
// replies.
func Talk[R any](ctx context.Context, c *Client, code Code, build func(w *Writer) error, parse func(code Code, r *Reader) (R, error)) (R, error) {
	v, err := c.talk(ctx, code, build, func(code Code, r *Reader) (any, error) {
		return parse(code, r)
	})
	result, _ := v.(R)
	return result, err
}

// Close closes the connection and waits for the read loop to finish.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection. It is only meaningful
// after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Addr returns the server address.
func (c *Client) Addr() net.Addr {
	return c.conn.Addr()
}

// Conn returns the underlying connection.
func (c *Client) Conn() *Conn {
	return c.conn
}

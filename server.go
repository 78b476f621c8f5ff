package cmdsock

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// HandlerFunc handles one command received on c. It runs on the
// connection's read loop and must consume exactly the payload of the
// command from r. Returning a framing error makes the server answer with
// the protocol's generic failure code; any other error closes c.
type HandlerFunc[T any] func(c *ClientConn[T], s *Server[T], r *Reader) error

// Protocol describes what a server speaks: the command handlers, the
// response codes and an optional welcome hook.
type Protocol[T any] struct {
	// Name is used in log records.
	Name string
	// Handlers maps command codes to handlers. Required.
	Handlers *Table[HandlerFunc[T]]
	// Commands names the command codes in log records. Optional.
	Commands *CodeSet
	// Responses provides the generic failure code. Optional.
	Responses *CodeSet
	// Welcome runs once per accepted connection before its first frame is
	// read. It may send. Optional.
	Welcome func(c *ClientConn[T], s *Server[T]) error
}

// Announcer publishes the server address while it is running.
type Announcer interface {
	Announce(ctx context.Context, addr string) error
	Withdraw(ctx context.Context) error
}

// ClientConn is the server-side record of one accepted connection. Its
// data slot holds protocol state (for example the logged-in user); it
// starts empty.
type ClientConn[T any] struct {
	id   uint64
	conn *Conn

	mu      sync.RWMutex
	data    T
	hasData bool
}

// ID returns the server-assigned connection id.
func (c *ClientConn[T]) ID() uint64 {
	return c.id
}

// Addr returns the remote address.
func (c *ClientConn[T]) Addr() net.Addr {
	return c.conn.Addr()
}

// Conn returns the underlying connection.
func (c *ClientConn[T]) Conn() *Conn {
	return c.conn
}

// Data returns the client data and whether it is set.
func (c *ClientConn[T]) Data() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.hasData
}

// SetData stores v in the client data slot.
func (c *ClientConn[T]) SetData(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = v
	c.hasData = true
}

// ClearData empties the client data slot.
func (c *ClientConn[T]) ClearData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.data = zero
	c.hasData = false
}

// Send encodes a frame and queues it on the connection.
func (c *ClientConn[T]) Send(code Code, build func(w *Writer) error) error {
	return c.conn.Send(code, build)
}

// Server accepts TCP connections and dispatches the frames they carry
// through a protocol's handler table.
type Server[T any] struct {
	protocol         Protocol[T]
	logger           Logger
	connOpts         []Option
	middlewares      []Middleware[T]
	chain            Middleware[T]
	handlers         *Table[HandlerFunc[T]]
	onDisconnect     func(c *ClientConn[T], err error)
	announcer        Announcer
	broadcastTimeout time.Duration
	rateLimit        rate.Limit
	rateBurst        int

	mu       sync.Mutex
	listener *net.TCPListener
	shutdown bool
	conns    map[uint64]*ClientConn[T]
	nextID   uint64
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	loops    sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption[T any] func(*Server[T])

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption[T any](logger Logger) ServerOption[T] {
	return func(s *Server[T]) {
		s.logger = logger
	}
}

// ServerConnOptions adds options applied to every accepted connection.
// The frame, start, error and close callbacks are owned by the server and
// cannot be overridden.
func ServerConnOptions[T any](opts ...Option) ServerOption[T] {
	return func(s *Server[T]) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// ServerMiddlewareOption appends middlewares around every handler. The first
// one added is the outermost.
func ServerMiddlewareOption[T any](mws ...Middleware[T]) ServerOption[T] {
	return func(s *Server[T]) {
		s.middlewares = append(s.middlewares, mws...)
	}
}

// ServerDisconnectOption sets a callback run after a connection has left
// the live set.
func ServerDisconnectOption[T any](cb func(c *ClientConn[T], err error)) ServerOption[T] {
	return func(s *Server[T]) {
		s.onDisconnect = cb
	}
}

// ServerAnnouncerOption publishes the bound address through the announcer
// while the server runs.
func ServerAnnouncerOption[T any](a Announcer) ServerOption[T] {
	return func(s *Server[T]) {
		s.announcer = a
	}
}

// ServerBroadcastTimeoutOption bounds how long a broadcast waits for queue
// space on a single connection. Default is one second.
func ServerBroadcastTimeoutOption[T any](timeout time.Duration) ServerOption[T] {
	return func(s *Server[T]) {
		s.broadcastTimeout = timeout
	}
}

// ServerRateLimitOption limits the frames per second each connection may send.
func ServerRateLimitOption[T any](limit rate.Limit, burst int) ServerOption[T] {
	return func(s *Server[T]) {
		s.rateLimit = limit
		s.rateBurst = burst
	}
}

// NewServer creates a server for protocol. Nothing is bound until Start.
func NewServer[T any](protocol Protocol[T], opts ...ServerOption[T]) (*Server[T], error) {
	if protocol.Handlers == nil {
		return nil, errors.New("protocol has no handler table")
	}
	if protocol.Name == "" {
		protocol.Name = "cmdsock"
	}

	s := &Server[T]{
		protocol:         protocol,
		logger:           slog.Default(),
		broadcastTimeout: time.Second,
		conns:            make(map[uint64]*ClientConn[T]),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.handlers = protocol.Handlers
	if len(s.middlewares) > 0 {
		s.chain = Chain(s.middlewares...)
		s.handlers = MapCodes(protocol.Handlers, s.chain)
	}

	return s, nil
}

// Start binds addr and starts accepting connections in the background.
// A bind failure is returned as *BindError. Start may be called once.
func (s *Server[T]) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrServerStopped
	}
	if s.listener != nil {
		return ErrServerStarted
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	listener, err := net.ListenTCP(tcpAddr.Network(), tcpAddr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.announcer != nil {
		if err := s.announcer.Announce(s.ctx, listener.Addr().String()); err != nil {
			s.cancel()
			_ = listener.Close()
			s.listener = nil
			return errors.Wrap(err, "announce server")
		}
	}

	s.logger.Info("server started", "protocol", s.protocol.Name, "addr", listener.Addr())
	s.group.Go(func() error {
		return s.serve(listener)
	})

	return nil
}

// serve accepts connections until the listener is closed.
func (s *Server[T]) serve(listener *net.TCPListener) error {
	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "protocol", s.protocol.Name, "addr", listener.Addr())
				return nil
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)
		s.accept(conn)
	}
}

// accept registers conn and starts its loops.
func (s *Server[T]) accept(raw *net.TCPConn) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.nextID++
	cc := &ClientConn[T]{id: s.nextID}

	opts := make([]Option, 0, len(s.connOpts)+6)
	opts = append(opts, LoggerOption(s.logger))
	if s.rateLimit > 0 {
		opts = append(opts, RateLimitOption(s.rateLimit, s.rateBurst))
	}
	opts = append(opts, s.connOpts...)
	opts = append(opts,
		OnFrameOption(func(code Code, r *Reader) error {
			return s.dispatch(cc, code, r)
		}),
		OnErrorOption(func(err error) ErrorAction {
			return s.handleError(cc, err)
		}),
		OnCloseOption(func(err error) {
			s.remove(cc, err)
		}),
	)
	if s.protocol.Welcome != nil {
		opts = append(opts, OnStartOption(func() error {
			return s.protocol.Welcome(cc, s)
		}))
	}

	conn, err := NewConn(raw, opts...)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("connection setup failed", "remote_addr", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}
	cc.conn = conn
	s.conns[cc.id] = cc
	s.loops.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		defer s.loops.Done()
		_ = conn.Run(ctx)
	}()
}

// dispatch routes one received command to its handler.
// Registered handlers are wrapped once in NewServer; only the unknown
// handler is wrapped per frame.
func (s *Server[T]) dispatch(cc *ClientConn[T], code Code, r *Reader) error {
	if h, ok := s.handlers.Lookup(code); ok {
		return h(cc, s, r)
	}
	h, ok := s.protocol.Handlers.Resolve(code)
	if !ok {
		return errors.Wrapf(ErrUnhandledCode, "command %s", s.protocol.Commands.Name(code))
	}
	if s.chain != nil {
		h = s.chain(code, h)
	}
	return h(cc, s, r)
}

// handleError answers framing errors with the generic failure code and
// keeps the connection; everything else disconnects.
func (s *Server[T]) handleError(cc *ClientConn[T], err error) ErrorAction {
	if !IsFramingError(err) {
		return Disconnect
	}
	s.logger.Warn("dropped malformed request", "conn_id", cc.id, "addr", cc.Addr(), "error", err)
	if failure, ok := s.protocol.Responses.Failure(); ok {
		if werr := cc.conn.Write([]byte{byte(failure)}); werr != nil {
			s.logger.Debug("failure response not queued", "conn_id", cc.id, "error", werr)
		}
	}
	return Continue
}

// remove drops cc from the live set and runs the disconnect callback.
func (s *Server[T]) remove(cc *ClientConn[T], err error) {
	s.mu.Lock()
	delete(s.conns, cc.id)
	s.mu.Unlock()

	s.logger.Debug("connection removed", "conn_id", cc.id, "addr", cc.Addr(), "reason", err)
	if s.onDisconnect != nil {
		s.onDisconnect(cc, err)
	}
}

// Disconnect removes c from the live set and closes it. It is safe to call
// from a handler running on c itself.
func (s *Server[T]) Disconnect(c *ClientConn[T]) error {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	return c.conn.Close()
}

// Conns returns a snapshot of the live connections ordered by id.
func (s *Server[T]) Conns() []*ClientConn[T] {
	s.mu.Lock()
	conns := make([]*ClientConn[T], 0, len(s.conns))
	for _, cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
	return conns
}

// Len returns the number of live connections.
func (s *Server[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// BroadcastResult reports the outcome of a broadcast.
type BroadcastResult struct {
	// Delivered counts connections the frame was queued on.
	Delivered int
	// Failed maps connection ids to the error that kept the frame off them.
	Failed map[uint64]error
}

// Broadcast queues the same frame on every live connection. A failure on
// one connection does not stop delivery to the others; it is recorded in
// the result. The error is non-nil only if the frame cannot be encoded.
func (s *Server[T]) Broadcast(code Code, build func(w *Writer) error) (BroadcastResult, error) {
	return s.BroadcastFunc(nil, code, build)
}

// BroadcastFunc is Broadcast restricted to connections accepted by filter.
// A nil filter accepts every connection.
func (s *Server[T]) BroadcastFunc(filter func(c *ClientConn[T]) bool, code Code, build func(w *Writer) error) (BroadcastResult, error) {
	frame, err := Encode(code, build)
	if err != nil {
		return BroadcastResult{}, err
	}

	result := BroadcastResult{Failed: make(map[uint64]error)}
	for _, cc := range s.Conns() {
		if filter != nil && !filter(cc) {
			continue
		}
		if err := cc.conn.WriteTimeout(frame, s.broadcastTimeout); err != nil {
			result.Failed[cc.id] = err
			s.logger.Warn("broadcast delivery failed", "conn_id", cc.id, "addr", cc.Addr(), "error", err)
			continue
		}
		result.Delivered++
	}
	return result, nil
}

// Addr returns the listener's network address, or nil before Start.
func (s *Server[T]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting, closes every live connection and waits until the
// accept loop and all connection loops have returned. It is safe to call
// more than once and on a server that was never started. It must not be
// called from a handler, since it waits for that handler's own loop.
func (s *Server[T]) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	listener := s.listener
	conns := make([]*ClientConn[T], 0, len(s.conns))
	for _, cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()

	if listener == nil {
		return nil
	}

	err := listener.Close()
	s.cancel()
	for _, cc := range conns {
		_ = cc.conn.Close()
	}

	if werr := s.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	s.loops.Wait()

	if s.announcer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if werr := s.announcer.Withdraw(ctx); werr != nil {
			s.logger.Warn("withdraw announcement failed", "error", werr)
		}
		cancel()
	}

	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

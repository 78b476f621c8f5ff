package lightchat

import (
	"sort"
	"sync"
	"time"

	"github.com/Zereker/cmdsock"
)

// Conn is a chat connection; its data slot holds the logged-in user name.
type Conn = cmdsock.ClientConn[string]

// Server is a chat server.
type Server = cmdsock.Server[string]

// pushTimeout bounds how long a private message waits for queue space on
// the receiving connection.
const pushTimeout = time.Second

// roomHandler is a command handler with access to the room it serves.
type roomHandler func(room *Room, c *Conn, s *Server, r *cmdsock.Reader) error

var commands = cmdsock.Lazy(func(b *cmdsock.Builder[roomHandler]) {
	b.On(CommandLogin, (*Room).login)
	b.On(CommandLogout, (*Room).logout)
	b.On(CommandList, (*Room).list)
	b.On(CommandSay, (*Room).say)
	b.On(CommandSayTo, (*Room).sayTo)
	b.Unknown((*Room).unknown)
})

// Room holds the state shared by the connections of one chat server: the
// accounts and who is online where.
type Room struct {
	store  *UserStore
	logger cmdsock.Logger

	mu     sync.Mutex
	online map[string]*Conn
}

// NewRoom returns an empty room backed by store.
func NewRoom(store *UserStore, logger cmdsock.Logger) *Room {
	if logger == nil {
		logger = cmdsock.DiscardLogger()
	}
	return &Room{
		store:  store,
		logger: logger,
		online: make(map[string]*Conn),
	}
}

// Protocol binds the chat commands to room.
func (room *Room) Protocol() cmdsock.Protocol[string] {
	return cmdsock.Protocol[string]{
		Name:      "lightchat",
		Handlers:  cmdsock.Map(commands(), room.bind),
		Commands:  Commands,
		Responses: Responses,
		Welcome:   room.welcome,
	}
}

func (room *Room) bind(h roomHandler) cmdsock.HandlerFunc[string] {
	return func(c *Conn, s *Server, r *cmdsock.Reader) error {
		return h(room, c, s, r)
	}
}

// NewServer creates a chat server for room. The room learns about
// disconnects through the server, so it must not be shared between servers.
func NewServer(room *Room, opts ...cmdsock.ServerOption[string]) (*Server, error) {
	opts = append(opts, cmdsock.ServerDisconnectOption[string](room.leave))
	return cmdsock.NewServer(room.Protocol(), opts...)
}

// Online returns the names of logged-in users in order.
func (room *Room) Online() []string {
	room.mu.Lock()
	names := make([]string, 0, len(room.online))
	for name := range room.online {
		names = append(names, name)
	}
	room.mu.Unlock()
	sort.Strings(names)
	return names
}

func (room *Room) welcome(c *Conn, _ *Server) error {
	room.logger.Info("chat client connected", "conn_id", c.ID(), "addr", c.Addr())
	return nil
}

// leave forgets the user logged in on c, if any.
func (room *Room) leave(c *Conn, err error) {
	name, ok := c.Data()
	if !ok {
		return
	}
	room.mu.Lock()
	if room.online[name] == c {
		delete(room.online, name)
	}
	room.mu.Unlock()
	room.logger.Info("user left", "user", name, "conn_id", c.ID(), "reason", err)
}

func reply(c *Conn, code cmdsock.Code) error {
	return c.Send(code, nil)
}

func (room *Room) login(c *Conn, _ *Server, r *cmdsock.Reader) error {
	name, err := r.ReadString()
	if err != nil {
		return err
	}
	digest, err := r.ReadBlob()
	if err != nil {
		return err
	}

	if _, ok := c.Data(); ok {
		return reply(c, ResponseInvalidCommand)
	}
	if name == "" || len(digest) == 0 {
		return reply(c, ResponseInvalidInfo)
	}

	switch err := room.store.Verify(name, digest); err {
	case nil:
	case errUserBanned:
		room.logger.Warn("banned user refused", "user", name, "conn_id", c.ID())
		return reply(c, ResponseBanned)
	default:
		room.logger.Warn("login refused", "user", name, "conn_id", c.ID(), "error", err)
		return reply(c, ResponseInvalidLogin)
	}

	room.mu.Lock()
	if _, taken := room.online[name]; taken {
		room.mu.Unlock()
		room.logger.Warn("user already online", "user", name, "conn_id", c.ID())
		return reply(c, ResponseInvalidLogin)
	}
	room.online[name] = c
	c.SetData(name)
	room.mu.Unlock()

	room.logger.Info("user logged in", "user", name, "conn_id", c.ID())
	return reply(c, ResponseOk)
}

func (room *Room) logout(c *Conn, _ *Server, _ *cmdsock.Reader) error {
	name, ok := c.Data()
	if !ok {
		return reply(c, ResponseNoLogin)
	}

	room.mu.Lock()
	if room.online[name] == c {
		delete(room.online, name)
	}
	c.ClearData()
	room.mu.Unlock()

	room.logger.Info("user logged out", "user", name, "conn_id", c.ID())
	return reply(c, ResponseOk)
}

func (room *Room) list(c *Conn, _ *Server, _ *cmdsock.Reader) error {
	if _, ok := c.Data(); !ok {
		return reply(c, ResponseNoLogin)
	}

	names := room.Online()
	return c.Send(ResponseOk, func(w *cmdsock.Writer) error {
		w.WriteInt32(int32(len(names)))
		for _, name := range names {
			w.WriteString(name)
		}
		return nil
	})
}

func (room *Room) say(c *Conn, s *Server, r *cmdsock.Reader) error {
	text, err := r.ReadString()
	if err != nil {
		return err
	}

	from, ok := c.Data()
	if !ok {
		return reply(c, ResponseNoLogin)
	}
	if text == "" {
		return reply(c, ResponseInvalidInfo)
	}

	others := func(other *Conn) bool {
		if other.ID() == c.ID() {
			return false
		}
		_, loggedIn := other.Data()
		return loggedIn
	}
	result, err := s.BroadcastFunc(others, ResponseMsg, func(w *cmdsock.Writer) error {
		w.WriteString(from)
		w.WriteString(text)
		return nil
	})
	if err != nil {
		return err
	}
	room.logger.Debug("message broadcast", "user", from, "delivered", result.Delivered, "failed", len(result.Failed))

	return reply(c, ResponseOk)
}

func (room *Room) sayTo(c *Conn, _ *Server, r *cmdsock.Reader) error {
	to, err := r.ReadString()
	if err != nil {
		return err
	}
	text, err := r.ReadString()
	if err != nil {
		return err
	}

	from, ok := c.Data()
	if !ok {
		return reply(c, ResponseNoLogin)
	}
	if to == "" || text == "" {
		return reply(c, ResponseInvalidInfo)
	}

	room.mu.Lock()
	target := room.online[to]
	room.mu.Unlock()
	if target == nil {
		return reply(c, ResponseInvalidInfo)
	}

	frame, err := cmdsock.Encode(ResponseCc, func(w *cmdsock.Writer) error {
		w.WriteString(from)
		w.WriteString(text)
		return nil
	})
	if err != nil {
		return err
	}
	if err := target.Conn().WriteTimeout(frame, pushTimeout); err != nil {
		room.logger.Warn("private message not delivered", "from", from, "to", to, "error", err)
		return reply(c, ResponseInvalidInfo)
	}

	return reply(c, ResponseOk)
}

// unknown answers commands outside the protocol. Their payload layout is
// unknown, so whatever the client sent along is dropped.
func (room *Room) unknown(c *Conn, _ *Server, r *cmdsock.Reader) error {
	r.Skip()
	room.logger.Debug("unknown command", "conn_id", c.ID())
	return reply(c, ResponseUnknown)
}

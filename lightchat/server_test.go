package lightchat

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Zereker/cmdsock"
)

type chatMessage struct {
	from, text string
}

// chatClient is a connected client whose pushed messages land in channels.
type chatClient struct {
	*Client
	messages chan chatMessage
	private  chan chatMessage
}

func startChat(t *testing.T, users ...User) (*Room, *Server) {
	t.Helper()

	room := NewRoom(NewUserStore(users...), nil)
	server, err := NewServer(room, cmdsock.ServerLoggerOption[string](cmdsock.DiscardLogger()))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return room, server
}

func connect(t *testing.T, server *Server) *chatClient {
	t.Helper()

	cc := &chatClient{
		messages: make(chan chatMessage, 16),
		private:  make(chan chatMessage, 16),
	}
	hooks := Hooks{
		OnMessage: func(from, text string) { cc.messages <- chatMessage{from, text} },
		OnPrivate: func(from, text string) { cc.private <- chatMessage{from, text} },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, server.Addr().String(), hooks, cmdsock.ClientLoggerOption(cmdsock.DiscardLogger()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	cc.Client = c
	return cc
}

func login(t *testing.T, c *chatClient, user, password string) {
	t.Helper()

	if err := c.Login(context.Background(), user, password); err != nil {
		t.Fatalf("Login(%s) failed: %v", user, err)
	}
}

func expectMessage(t *testing.T, ch <-chan chatMessage, want chatMessage) {
	t.Helper()

	select {
	case got := <-ch:
		if got != want {
			t.Errorf("message = %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %+v", want)
	}
}

func expectNoMessage(t *testing.T, ch <-chan chatMessage) {
	t.Helper()

	select {
	case got := <-ch:
		t.Errorf("unexpected message %+v", got)
	default:
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func account(name, password string) User {
	return User{Name: name, Digest: HashPassword(password)}
}

func TestLogin(t *testing.T) {
	room, server := startChat(t, account("root", "secret"))
	c := connect(t, server)

	login(t, c, "root", "secret")

	if got := room.Online(); !reflect.DeepEqual(got, []string{"root"}) {
		t.Errorf("Online = %v, want [root]", got)
	}
	expectBoundTo(t, server, "root")

	if err := c.Login(context.Background(), "root", "secret"); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("second login: %v, want ErrInvalidCommand", err)
	}
	expectBoundTo(t, server, "root")
}

// expectBoundTo checks that the server's only connection is logged in as name.
func expectBoundTo(t *testing.T, server *Server, name string) {
	t.Helper()

	conns := server.Conns()
	if len(conns) != 1 {
		t.Fatalf("server has %d connections, want 1", len(conns))
	}
	if got, ok := conns[0].Data(); !ok || got != name {
		t.Errorf("connection data = %q, %v, want %q, true", got, ok, name)
	}
}

func TestLogin_Refused(t *testing.T) {
	banned := account("mallory", "pw")
	banned.Banned = true
	_, server := startChat(t, account("root", "secret"), banned)
	c := connect(t, server)

	tests := []struct {
		name     string
		user, pw string
		want     error
	}{
		{"wrong password", "root", "guess", ErrInvalidLogin},
		{"unknown user", "nobody", "secret", ErrInvalidLogin},
		{"banned", "mallory", "pw", ErrBanned},
		{"banned with wrong password", "mallory", "guess", ErrInvalidLogin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Login(context.Background(), tt.user, tt.pw); !errors.Is(err, tt.want) {
				t.Errorf("Login = %v, want %v", err, tt.want)
			}
		})
	}

	// Refusals leave the connection usable.
	login(t, c, "root", "secret")
}

func TestLogin_AlreadyOnline(t *testing.T) {
	_, server := startChat(t, account("root", "secret"))
	first := connect(t, server)
	second := connect(t, server)

	login(t, first, "root", "secret")
	if err := second.Login(context.Background(), "root", "secret"); !errors.Is(err, ErrInvalidLogin) {
		t.Errorf("login from a second connection: %v, want ErrInvalidLogin", err)
	}
}

func TestLogin_EmptyFields(t *testing.T) {
	_, server := startChat(t, account("root", "secret"))
	c := connect(t, server)

	if err := c.Login(context.Background(), "", "secret"); !errors.Is(err, ErrInvalidInfo) {
		t.Errorf("empty user: %v, want ErrInvalidInfo", err)
	}

	err := c.call(context.Background(), CommandLogin, func(w *cmdsock.Writer) error {
		w.WriteString("root")
		w.WriteBlob(nil)
		return nil
	})
	if !errors.Is(err, ErrInvalidInfo) {
		t.Errorf("empty digest: %v, want ErrInvalidInfo", err)
	}
}

func TestNoLogin(t *testing.T) {
	_, server := startChat(t, account("root", "secret"))
	c := connect(t, server)
	ctx := context.Background()

	if err := c.Logout(ctx); !errors.Is(err, ErrNoLogin) {
		t.Errorf("Logout: %v, want ErrNoLogin", err)
	}
	if _, err := c.List(ctx); !errors.Is(err, ErrNoLogin) {
		t.Errorf("List: %v, want ErrNoLogin", err)
	}
	if err := c.Say(ctx, "hi"); !errors.Is(err, ErrNoLogin) {
		t.Errorf("Say: %v, want ErrNoLogin", err)
	}
	if err := c.SayTo(ctx, "root", "hi"); !errors.Is(err, ErrNoLogin) {
		t.Errorf("SayTo: %v, want ErrNoLogin", err)
	}
}

func TestList(t *testing.T) {
	_, server := startChat(t, account("carol", "c"), account("alice", "a"), account("bob", "b"))

	carol := connect(t, server)
	alice := connect(t, server)
	bob := connect(t, server)
	login(t, carol, "carol", "c")
	login(t, alice, "alice", "a")
	login(t, bob, "bob", "b")

	names, err := bob.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if want := []string{"alice", "bob", "carol"}; !reflect.DeepEqual(names, want) {
		t.Errorf("List = %v, want %v", names, want)
	}
}

func TestLogout(t *testing.T) {
	room, server := startChat(t, account("root", "secret"))
	c := connect(t, server)
	ctx := context.Background()

	login(t, c, "root", "secret")
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if got := room.Online(); len(got) != 0 {
		t.Errorf("Online after logout = %v", got)
	}
	if _, err := c.List(ctx); !errors.Is(err, ErrNoLogin) {
		t.Errorf("List after logout: %v, want ErrNoLogin", err)
	}

	login(t, c, "root", "secret")
}

func TestSay(t *testing.T) {
	_, server := startChat(t, account("a", "1"), account("b", "2"), account("c", "3"))

	a := connect(t, server)
	b := connect(t, server)
	c := connect(t, server)
	lurker := connect(t, server)
	login(t, a, "a", "1")
	login(t, b, "b", "2")
	login(t, c, "c", "3")

	if err := a.Say(context.Background(), "hi all"); err != nil {
		t.Fatalf("Say failed: %v", err)
	}

	expectMessage(t, b.messages, chatMessage{"a", "hi all"})
	expectMessage(t, c.messages, chatMessage{"a", "hi all"})

	// A round trip on the lurker flushes anything that was sent to it.
	if err := lurker.Logout(context.Background()); !errors.Is(err, ErrNoLogin) {
		t.Fatalf("lurker Logout: %v", err)
	}
	expectNoMessage(t, lurker.messages)
	expectNoMessage(t, a.messages)

	if err := a.Say(context.Background(), ""); !errors.Is(err, ErrInvalidInfo) {
		t.Errorf("empty Say: %v, want ErrInvalidInfo", err)
	}
}

func TestSayTo(t *testing.T) {
	_, server := startChat(t, account("a", "1"), account("b", "2"), account("c", "3"))

	a := connect(t, server)
	b := connect(t, server)
	c := connect(t, server)
	login(t, a, "a", "1")
	login(t, b, "b", "2")
	login(t, c, "c", "3")
	ctx := context.Background()

	if err := a.SayTo(ctx, "b", "psst"); err != nil {
		t.Fatalf("SayTo failed: %v", err)
	}
	expectMessage(t, b.private, chatMessage{"a", "psst"})

	if _, err := c.List(ctx); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	expectNoMessage(t, c.private)
	expectNoMessage(t, c.messages)
	expectNoMessage(t, b.messages)

	tests := []struct {
		name     string
		to, text string
	}{
		{"offline user", "zed", "hello"},
		{"empty target", "", "hello"},
		{"empty text", "b", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.SayTo(ctx, tt.to, tt.text); !errors.Is(err, ErrInvalidInfo) {
				t.Errorf("SayTo = %v, want ErrInvalidInfo", err)
			}
		})
	}
}

func TestDisconnectLogsOut(t *testing.T) {
	room, server := startChat(t, account("root", "secret"))
	c := connect(t, server)
	login(t, c, "root", "secret")

	c.Close()
	waitFor(t, "root to leave", func() bool { return len(room.Online()) == 0 })

	again := connect(t, server)
	login(t, again, "root", "secret")
}

func TestUnknownCommand(t *testing.T) {
	_, server := startChat(t, account("root", "secret"))
	c := connect(t, server)

	if err := c.call(context.Background(), 0x42, nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("unknown command: %v, want ErrUnknownCommand", err)
	}

	login(t, c, "root", "secret")
}

func TestResponseError(t *testing.T) {
	tests := []struct {
		code cmdsock.Code
		want error
	}{
		{ResponseOk, nil},
		{ResponseErr, ErrServerFailure},
		{ResponseUnknown, ErrUnknownCommand},
		{ResponseInvalidLogin, ErrInvalidLogin},
		{ResponseBanned, ErrBanned},
		{ResponseInvalidInfo, ErrInvalidInfo},
		{ResponseInvalidCommand, ErrInvalidCommand},
		{ResponseNoLogin, ErrNoLogin},
		{ResponseMsg, cmdsock.ErrUnhandledCode},
		{0x77, cmdsock.ErrUnhandledCode},
	}
	for _, tt := range tests {
		err := ResponseError(tt.code)
		if tt.want == nil {
			if err != nil {
				t.Errorf("ResponseError(%d) = %v, want nil", tt.code, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("ResponseError(%d) = %v, want %v", tt.code, err, tt.want)
		}
	}
}

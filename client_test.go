package cmdsock

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// rawServer accepts connections on a loopback port and hands them to the
// test, which plays the server by hand.
func rawServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return listener.Addr().String(), conns
}

func acceptRaw(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()

	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the client to connect")
		return nil
	}
}

func dialTestClient(t *testing.T, addr string, opts ...ClientOption) *Client {
	t.Helper()

	opts = append([]ClientOption{ClientLoggerOption(DiscardLogger())}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr, opts...)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func ping(ctx context.Context, c *Client, text string) (string, error) {
	return Talk(ctx, c, cmdPing, writeString(text), func(code Code, r *Reader) (string, error) {
		if code != respPong {
			return "", errors.New("not a pong")
		}
		return r.ReadString()
	})
}

// pingLen is the wire size of a ping request carrying text.
func pingLen(text string) int {
	return 1 + 4 + len(text)
}

func TestClient_Talk(t *testing.T) {
	server := startTestServer(t, testProtocol())
	c := dialTestClient(t, server.Addr().String())

	got, err := ping(context.Background(), c, "hello")
	if err != nil {
		t.Fatalf("Talk failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("pong = %q, want hello", got)
	}

	// Calls are sequential, not one-shot.
	for _, text := range []string{"", "again", "and again"} {
		got, err := ping(context.Background(), c, text)
		if err != nil || got != text {
			t.Errorf("ping(%q) = %q, %v", text, got, err)
		}
	}
}

func TestClient_TalkResponseCode(t *testing.T) {
	server := startTestServer(t, testProtocol())
	c := dialTestClient(t, server.Addr().String())

	errEmpty := errors.New("empty")
	get := func() (string, error) {
		return Talk(context.Background(), c, cmdGet, nil, func(code Code, r *Reader) (string, error) {
			switch code {
			case respValue:
				return r.ReadString()
			case respEmpty:
				return "", errEmpty
			}
			return "", ErrUnhandledCode
		})
	}

	if _, err := get(); !errors.Is(err, errEmpty) {
		t.Fatalf("get on fresh connection: %v, want errEmpty", err)
	}

	_, err := Talk(context.Background(), c, cmdStore, writeString("v1"), func(code Code, _ *Reader) (struct{}, error) {
		if code != respOk {
			return struct{}{}, errors.New("store refused")
		}
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	if v, err := get(); err != nil || v != "v1" {
		t.Errorf("get = %q, %v, want v1", v, err)
	}
}

// liveCalls counts queued requests whose caller is still waiting.
func liveCalls(c *Client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.outstanding {
		if !p.abandoned.Load() {
			n++
		}
	}
	return n
}

func TestClient_ConcurrentRequest(t *testing.T) {
	addr, conns := rawServer(t)
	c := dialTestClient(t, addr)
	peer := acceptRaw(t, conns)

	first := make(chan error, 1)
	go func() {
		_, err := ping(context.Background(), c, "a")
		first <- err
	}()

	readN(t, peer, pingLen("a"))
	waitFor(t, "pending call", func() bool { return liveCalls(c) == 1 })

	if _, err := ping(context.Background(), c, "b"); !errors.Is(err, ErrConcurrentRequest) {
		t.Errorf("second call: %v, want ErrConcurrentRequest", err)
	}

	writeFrame(t, peer, respPong, writeString("a"))
	select {
	case err := <-first:
		if err != nil {
			t.Errorf("first call failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first call never completed")
	}
}

func TestClient_Timeout(t *testing.T) {
	addr, conns := rawServer(t)
	c := dialTestClient(t, addr, ClientTimeoutOption(100*time.Millisecond))
	peer := acceptRaw(t, conns)

	start := time.Now()
	_, err := ping(context.Background(), c, "slow")
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
	readN(t, peer, pingLen("slow"))

	// The late reply belongs to no call and must be dropped.
	writeFrame(t, peer, respPong, writeString("slow"))
	time.Sleep(50 * time.Millisecond)

	result := make(chan string, 1)
	go func() {
		got, err := ping(context.Background(), c, "next")
		if err != nil {
			got = "error: " + err.Error()
		}
		result <- got
	}()
	readN(t, peer, pingLen("next"))
	writeFrame(t, peer, respPong, writeString("next"))

	select {
	case got := <-result:
		if got != "next" {
			t.Errorf("next call got %q, want next", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("next call never completed")
	}
}

func TestClient_TimeoutDuringPayload(t *testing.T) {
	addr, conns := rawServer(t)
	c := dialTestClient(t, addr, ClientTimeoutOption(200*time.Millisecond))
	peer := acceptRaw(t, conns)

	result := make(chan error, 1)
	go func() {
		_, err := ping(context.Background(), c, "stall")
		result <- err
	}()

	readN(t, peer, pingLen("stall"))
	// The length promises five bytes that never come, so the read loop sits
	// inside the reply parser.
	if _, err := peer.Write([]byte{byte(respPong), 5, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Errorf("err = %v, want ErrRequestTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call outlived its timeout while the reply was half read")
	}
}

func TestClient_LateReplyAfterNextRequest(t *testing.T) {
	addr, conns := rawServer(t)
	c := dialTestClient(t, addr, ClientTimeoutOption(100*time.Millisecond))
	peer := acceptRaw(t, conns)

	if _, err := ping(context.Background(), c, "first"); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("first call: %v, want ErrRequestTimeout", err)
	}

	result := make(chan string, 1)
	go func() {
		got, err := ping(context.Background(), c, "second")
		if err != nil {
			got = "error: " + err.Error()
		}
		result <- got
	}()

	readN(t, peer, pingLen("first"))
	readN(t, peer, pingLen("second"))
	writeFrame(t, peer, respPong, writeString("first"))
	writeFrame(t, peer, respPong, writeString("second"))

	select {
	case got := <-result:
		if got != "second" {
			t.Errorf("second call got %q, want second", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second call never completed")
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	addr, conns := rawServer(t)
	c := dialTestClient(t, addr)
	acceptRaw(t, conns)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := ping(ctx, c, "x"); !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("err = %v, want ErrRequestTimeout", err)
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	addr, conns := rawServer(t)
	c := dialTestClient(t, addr)
	acceptRaw(t, conns)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	if _, err := ping(ctx, c, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if n := liveCalls(c); n != 0 {
		t.Errorf("%d calls still waiting after cancel", n)
	}
}

func TestClient_DisconnectDuringTalk(t *testing.T) {
	addr, conns := rawServer(t)
	c := dialTestClient(t, addr)
	peer := acceptRaw(t, conns)

	result := make(chan error, 1)
	go func() {
		_, err := ping(context.Background(), c, "bye")
		result <- err
	}()

	readN(t, peer, pingLen("bye"))
	peer.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not fail on disconnect")
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after disconnect")
	}
	if c.Err() == nil {
		t.Error("Err should report why the connection ended")
	}

	if _, err := ping(context.Background(), c, "after"); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("call after disconnect: %v, want ErrConnectionClosed", err)
	}
}

func TestClient_Push(t *testing.T) {
	server := startTestServer(t, testProtocol())

	pushed := make(chan string, 1)
	c := dialTestClient(t, server.Addr().String(),
		WireUpOption(respHello, func(_ *Client, r *Reader) error {
			text, err := r.ReadString()
			if err != nil {
				return err
			}
			pushed <- text
			return nil
		}),
	)
	waitFor(t, "client registered", func() bool { return server.Len() == 1 })

	if _, err := server.Broadcast(respHello, writeString("news")); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	select {
	case text := <-pushed:
		if text != "news" {
			t.Errorf("pushed %q, want news", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push handler not called")
	}

	// The connection keeps serving calls after a push.
	if got, err := ping(context.Background(), c, "still here"); err != nil || got != "still here" {
		t.Errorf("ping after push = %q, %v", got, err)
	}
}

func TestClient_PushWhileWaiting(t *testing.T) {
	addr, conns := rawServer(t)

	pushed := make(chan string, 1)
	c := dialTestClient(t, addr,
		WireUpOption(respHello, func(_ *Client, r *Reader) error {
			text, err := r.ReadString()
			if err != nil {
				return err
			}
			pushed <- text
			return nil
		}),
	)
	peer := acceptRaw(t, conns)

	result := make(chan string, 1)
	go func() {
		got, _ := ping(context.Background(), c, "q")
		result <- got
	}()
	readN(t, peer, pingLen("q"))

	writeFrame(t, peer, respHello, writeString("interleaved"))
	select {
	case text := <-pushed:
		if text != "interleaved" {
			t.Errorf("pushed %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push not delivered while a call was waiting")
	}

	writeFrame(t, peer, respPong, writeString("q"))
	select {
	case got := <-result:
		if got != "q" {
			t.Errorf("reply = %q, want q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete after the push")
	}
}

func TestClient_WireUpDuplicate(t *testing.T) {
	noop := func(*Client, *Reader) error { return nil }
	_, err := Dial(context.Background(), "127.0.0.1:1",
		ClientLoggerOption(DiscardLogger()),
		WireUpOption(respHello, noop),
		WireUpOption(respHello, noop),
	)
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Errorf("err = %v, want ErrDuplicateRegistration", err)
	}
}

func TestClient_Send(t *testing.T) {
	addr, conns := rawServer(t)
	c := dialTestClient(t, addr)
	peer := acceptRaw(t, conns)

	if err := c.Send(cmdStore, writeString("fire")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if code := readCode(t, peer); code != cmdStore {
		t.Errorf("code = %d, want %d", code, cmdStore)
	}
	if s := readStringField(t, peer); s != "fire" {
		t.Errorf("payload = %q, want fire", s)
	}
}

func TestClient_Close(t *testing.T) {
	server := startTestServer(t, testProtocol())

	closed := make(chan error, 1)
	c := dialTestClient(t, server.Addr().String(), ClientCloseOption(func(err error) {
		closed <- err
	}))

	if c.Addr() == nil {
		t.Error("Addr is nil")
	}
	if c.Conn() == nil {
		t.Error("Conn is nil")
	}
	if c.Err() != nil {
		t.Error("Err should be nil while connected")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close returned")
	}
	if !errors.Is(c.Err(), ErrConnectionClosed) {
		t.Errorf("Err = %v, want ErrConnectionClosed", c.Err())
	}

	select {
	case err := <-closed:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("close callback got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close callback not called")
	}

	if _, err := ping(context.Background(), c, "x"); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("ping after Close: %v, want ErrConnectionClosed", err)
	}

	waitFor(t, "server to drop the connection", func() bool { return server.Len() == 0 })
}

func TestClient_UnreachableHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// .invalid never resolves.
	_, err := Dial(ctx, "cmdsock.invalid:51300", ClientLoggerOption(DiscardLogger()))
	if !errors.Is(err, ErrHostUnreachable) {
		t.Errorf("err = %v, want ErrHostUnreachable", err)
	}
}

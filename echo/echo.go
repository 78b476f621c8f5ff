// Package echo implements a protocol that returns every payload unchanged.
package echo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Zereker/cmdsock"
)

// DefaultPort is the port the echo examples listen on.
const DefaultPort = 51200

// Command and response codes.
const (
	CommandEcho     cmdsock.Code = 0x00
	ResponseEcho    cmdsock.Code = 0x00
	ResponseFailure cmdsock.Code = 0xFF
)

var (
	// Commands are the codes a client may send.
	Commands = cmdsock.MustCodeSet(
		cmdsock.CodeDef{Code: CommandEcho, Name: "Echo"},
	)
	// Responses are the codes the server answers with.
	Responses = cmdsock.MustCodeSet(
		cmdsock.CodeDef{Code: ResponseEcho, Name: "Echo"},
		cmdsock.CodeDef{Code: ResponseFailure, Name: "Failure", Failure: true},
	)
)

// ErrFailure is returned when the server could not parse a request.
var ErrFailure = errors.New("echo: server failure")

// Session is the per-connection state of the echo server; it holds nothing.
type Session struct{}

var handlers = cmdsock.Lazy(func(b *cmdsock.Builder[cmdsock.HandlerFunc[Session]]) {
	b.On(CommandEcho, handleEcho)
})

func handleEcho(c *cmdsock.ClientConn[Session], _ *cmdsock.Server[Session], r *cmdsock.Reader) error {
	payload, err := r.ReadBlob()
	if err != nil {
		return err
	}
	return c.Send(ResponseEcho, func(w *cmdsock.Writer) error {
		w.WriteBlob(payload)
		return nil
	})
}

// Protocol returns the echo protocol description.
func Protocol() cmdsock.Protocol[Session] {
	return cmdsock.Protocol[Session]{
		Name:      "echo",
		Handlers:  handlers(),
		Commands:  Commands,
		Responses: Responses,
	}
}

// NewServer creates an echo server.
func NewServer(opts ...cmdsock.ServerOption[Session]) (*cmdsock.Server[Session], error) {
	return cmdsock.NewServer(Protocol(), opts...)
}

// Client talks to an echo server.
type Client struct {
	*cmdsock.Client
}

// Dial connects to an echo server.
func Dial(ctx context.Context, addr string, opts ...cmdsock.ClientOption) (*Client, error) {
	c, err := cmdsock.Dial(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c}, nil
}

// Echo sends payload and returns what the server sent back.
func (c *Client) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	return cmdsock.Talk(ctx, c.Client, CommandEcho,
		func(w *cmdsock.Writer) error {
			w.WriteBlob(payload)
			return nil
		},
		func(code cmdsock.Code, r *cmdsock.Reader) ([]byte, error) {
			switch code {
			case ResponseEcho:
				return r.ReadBlob()
			case ResponseFailure:
				return nil, ErrFailure
			default:
				return nil, errors.Wrapf(cmdsock.ErrUnhandledCode, "echo: unexpected response %s", Responses.Name(code))
			}
		})
}

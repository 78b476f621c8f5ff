package lightchat

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Zereker/cmdsock"
)

// Hooks receive messages the server pushes. Both run on the client's read
// loop and must not call back into the client synchronously.
type Hooks struct {
	// OnMessage receives broadcasts sent with Say.
	OnMessage func(from, text string)
	// OnPrivate receives messages sent to this user with SayTo.
	OnPrivate func(from, text string)
}

// Client talks to a chat server.
type Client struct {
	*cmdsock.Client
}

// Dial connects to a chat server. Push messages go to hooks; nil hooks
// drop them.
func Dial(ctx context.Context, addr string, hooks Hooks, opts ...cmdsock.ClientOption) (*Client, error) {
	opts = append(opts,
		cmdsock.WireUpOption(ResponseMsg, pushHandler(hooks.OnMessage)),
		cmdsock.WireUpOption(ResponseCc, pushHandler(hooks.OnPrivate)),
	)
	c, err := cmdsock.Dial(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c}, nil
}

func pushHandler(hook func(from, text string)) cmdsock.PushFunc {
	return func(_ *cmdsock.Client, r *cmdsock.Reader) error {
		from, err := r.ReadString()
		if err != nil {
			return err
		}
		text, err := r.ReadString()
		if err != nil {
			return err
		}
		if hook != nil {
			hook(from, text)
		}
		return nil
	}
}

// expectOk maps the reply code of a command that carries no result.
func expectOk(code cmdsock.Code, _ *cmdsock.Reader) (struct{}, error) {
	return struct{}{}, ResponseError(code)
}

func (c *Client) call(ctx context.Context, code cmdsock.Code, build func(w *cmdsock.Writer) error) error {
	_, err := cmdsock.Talk(ctx, c.Client, code, build, expectOk)
	return err
}

// Login logs in with a plain password; only its digest is sent.
func (c *Client) Login(ctx context.Context, user, password string) error {
	return c.LoginDigest(ctx, user, HashPassword(password))
}

// LoginDigest logs in with a precomputed password digest.
func (c *Client) LoginDigest(ctx context.Context, user string, digest Digest) error {
	return c.call(ctx, CommandLogin, func(w *cmdsock.Writer) error {
		w.WriteString(user)
		w.WriteBlob(digest[:])
		return nil
	})
}

// Logout ends the session; the connection stays open.
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, CommandLogout, nil)
}

// List returns the logged-in users in order.
func (c *Client) List(ctx context.Context) ([]string, error) {
	return cmdsock.Talk(ctx, c.Client, CommandList, nil, func(code cmdsock.Code, r *cmdsock.Reader) ([]string, error) {
		if err := ResponseError(code); err != nil {
			return nil, err
		}
		n, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.WithMessagef(cmdsock.ErrMalformedFrame, "negative user count %d", n)
		}
		names := make([]string, 0, min(int(n), 256))
		for i := int32(0); i < n; i++ {
			name, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			names = append(names, name)
		}
		return names, nil
	})
}

// Say sends text to every other logged-in user.
func (c *Client) Say(ctx context.Context, text string) error {
	return c.call(ctx, CommandSay, func(w *cmdsock.Writer) error {
		w.WriteString(text)
		return nil
	})
}

// SayTo sends text to one logged-in user.
func (c *Client) SayTo(ctx context.Context, to, text string) error {
	return c.call(ctx, CommandSayTo, func(w *cmdsock.Writer) error {
		w.WriteString(to)
		w.WriteString(text)
		return nil
	})
}

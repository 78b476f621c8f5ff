package cmdsock

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestBindError(t *testing.T) {
	cause := errors.New("address already in use")
	err := error(&BindError{Addr: "127.0.0.1:1", Err: cause})

	if err.Error() != "bind 127.0.0.1:1: address already in use" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("BindError does not unwrap to its cause")
	}
}

func TestIsFramingError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrMalformedFrame, true},
		{ErrTruncatedPayload, true},
		{ErrMessageTooLarge, true},
		{ErrUnhandledCode, true},
		{&payloadError{cause: io.ErrUnexpectedEOF}, true},
		{io.EOF, false},
		{ErrConnectionClosed, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := IsFramingError(tt.err); got != tt.want {
			t.Errorf("IsFramingError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsTransportError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{io.EOF, true},
		{io.ErrUnexpectedEOF, true},
		{net.ErrClosed, true},
		{&net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{ErrMalformedFrame, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := isTransportError(tt.err); got != tt.want {
			t.Errorf("isTransportError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ErrConnectionRefused},
		{"no route", &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, ErrHostUnreachable},
		{"no network", &net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, ErrHostUnreachable},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, ErrHostUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := classifyDialError("addr", tt.err); !errors.Is(err, tt.want) {
				t.Errorf("classifyDialError = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDial_Refused(t *testing.T) {
	// Bind and release a port so nothing listens on it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = Dial(ctx, addr, ClientLoggerOption(DiscardLogger()))
	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("expected ErrConnectionRefused, got %v", err)
	}
}

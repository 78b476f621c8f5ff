package cmdsock

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func applyOptions(opts ...Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func TestOptions_Values(t *testing.T) {
	logger := &mockLogger{}
	o := applyOptions(
		BufferSizeOption(100),
		IdleTimeoutOption(5*time.Minute),
		MessageMaxSize(4096),
		RateLimitOption(rate.Limit(25), 5),
		LoggerOption(logger),
	)

	if o.bufferSize != 100 {
		t.Errorf("bufferSize = %d, want 100", o.bufferSize)
	}
	if o.idleTimeout != 5*time.Minute {
		t.Errorf("idleTimeout = %v, want 5m", o.idleTimeout)
	}
	if o.maxReadLength != 4096 {
		t.Errorf("maxReadLength = %d, want 4096", o.maxReadLength)
	}
	if o.rateLimit != 25 || o.rateBurst != 5 {
		t.Errorf("rate = %v/%d, want 25/5", o.rateLimit, o.rateBurst)
	}
	if o.logger != logger {
		t.Error("logger not set")
	}
}

func TestOptions_LaterWins(t *testing.T) {
	o := applyOptions(BufferSizeOption(1), BufferSizeOption(7))
	if o.bufferSize != 7 {
		t.Errorf("bufferSize = %d, want the last value 7", o.bufferSize)
	}
}

func TestOptions_Callbacks(t *testing.T) {
	var (
		frameCode Code
		started   bool
		closedErr error
		errAction = Continue
	)
	o := applyOptions(
		OnFrameOption(func(code Code, _ *Reader) error {
			frameCode = code
			return nil
		}),
		OnStartOption(func() error {
			started = true
			return nil
		}),
		OnErrorOption(func(error) ErrorAction { return errAction }),
		OnCloseOption(func(err error) { closedErr = err }),
	)

	if o.onFrame == nil || o.onStart == nil || o.onError == nil || o.onClose == nil {
		t.Fatalf("callbacks not set: %+v", o)
	}

	_ = o.onFrame(12, nil)
	if frameCode != 12 {
		t.Errorf("onFrame got code %d, want 12", frameCode)
	}
	_ = o.onStart()
	if !started {
		t.Error("onStart not called")
	}
	if o.onError(ErrMalformedFrame) != Continue {
		t.Error("onError did not return the policy's action")
	}
	o.onClose(ErrConnectionClosed)
	if closedErr != ErrConnectionClosed {
		t.Errorf("onClose got %v, want ErrConnectionClosed", closedErr)
	}
}

func TestErrorAction_ZeroIsDisconnect(t *testing.T) {
	var action ErrorAction
	if action != Disconnect {
		t.Error("the zero ErrorAction must disconnect")
	}
	if Continue == Disconnect {
		t.Error("Continue and Disconnect are equal")
	}
}

package cmdsock

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Middleware wraps the handler bound to code.
type Middleware[T any] func(code Code, next HandlerFunc[T]) HandlerFunc[T]

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B)(code, h) runs A, then B, then h.
func Chain[T any](middlewares ...Middleware[T]) Middleware[T] {
	return func(code Code, next HandlerFunc[T]) HandlerFunc[T] {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](code, next)
		}
		return next
	}
}

// LoggingMiddleware logs every handled command with its duration. names
// may be nil.
func LoggingMiddleware[T any](logger Logger, names *CodeSet) Middleware[T] {
	return func(code Code, next HandlerFunc[T]) HandlerFunc[T] {
		return func(c *ClientConn[T], s *Server[T], r *Reader) error {
			start := time.Now()
			err := next(c, s, r)
			if err != nil {
				logger.Warn("command failed", "conn_id", c.ID(), "command", names.Name(code),
					"duration", time.Since(start), "error", err)
				return err
			}
			logger.Debug("command handled", "conn_id", c.ID(), "command", names.Name(code),
				"duration", time.Since(start))
			return nil
		}
	}
}

// RecoverMiddleware turns a handler panic into an error, which closes only
// the offending connection.
func RecoverMiddleware[T any](logger Logger) Middleware[T] {
	return func(code Code, next HandlerFunc[T]) HandlerFunc[T] {
		return func(c *ClientConn[T], s *Server[T], r *Reader) (err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panic", "conn_id", c.ID(), "code", code, "panic", fmt.Sprint(p))
					err = errors.Errorf("handler for code %d panicked: %v", code, p)
				}
			}()
			return next(c, s, r)
		}
	}
}

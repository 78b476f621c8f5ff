package cmdsock

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Table maps codes to handlers. It is immutable once built and safe for
// concurrent lookups without locking.
type Table[H any] struct {
	handlers   map[Code]H
	unknown    H
	hasUnknown bool
}

// Lookup returns the handler registered for code, without the unknown fallback.
func (t *Table[H]) Lookup(code Code) (H, bool) {
	h, ok := t.handlers[code]
	return h, ok
}

// Resolve returns the handler for code. If none is registered it returns
// the unknown handler when one was set; otherwise ok is false.
func (t *Table[H]) Resolve(code Code) (H, bool) {
	if h, ok := t.handlers[code]; ok {
		return h, true
	}
	if t.hasUnknown {
		return t.unknown, true
	}
	var zero H
	return zero, false
}

// HasUnknown reports whether an unknown handler was set.
func (t *Table[H]) HasUnknown() bool {
	return t.hasUnknown
}

// Codes returns the registered codes in ascending order.
func (t *Table[H]) Codes() []Code {
	codes := make([]Code, 0, len(t.handlers))
	for code := range t.handlers {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Len returns the number of registered codes.
func (t *Table[H]) Len() int {
	return len(t.handlers)
}

// Map returns a table with the same codes whose handlers are fn applied to
// the handlers of t. It lets a process-wide table of unbound handlers be
// bound to per-instance state once.
func Map[H, G any](t *Table[H], fn func(H) G) *Table[G] {
	out := &Table[G]{handlers: make(map[Code]G, len(t.handlers))}
	for code, h := range t.handlers {
		out.handlers[code] = fn(h)
	}
	if t.hasUnknown {
		out.unknown = fn(t.unknown)
		out.hasUnknown = true
	}
	return out
}

// MapCodes is Map for functions that need the code each handler is
// registered under. The unknown handler has no code of its own and is not
// carried over.
func MapCodes[H, G any](t *Table[H], fn func(code Code, h H) G) *Table[G] {
	out := &Table[G]{handlers: make(map[Code]G, len(t.handlers))}
	for code, h := range t.handlers {
		out.handlers[code] = fn(code, h)
	}
	return out
}

// Builder collects registrations for a Table. The first registration error
// is kept and reported by Build.
type Builder[H any] struct {
	handlers   map[Code]H
	unknown    H
	hasUnknown bool
	err        error
}

// NewBuilder returns an empty Builder.
func NewBuilder[H any]() *Builder[H] {
	return &Builder[H]{handlers: make(map[Code]H)}
}

// On binds h to code. Binding a code twice is ErrDuplicateRegistration.
func (b *Builder[H]) On(code Code, h H) *Builder[H] {
	if _, ok := b.handlers[code]; ok {
		if b.err == nil {
			b.err = errors.Wrapf(ErrDuplicateRegistration, "code %d", code)
		}
		return b
	}
	b.handlers[code] = h
	return b
}

// Overwrite binds h to code, replacing any earlier registration.
func (b *Builder[H]) Overwrite(code Code, h H) *Builder[H] {
	b.handlers[code] = h
	return b
}

// Unknown sets the handler used for codes with no registration.
func (b *Builder[H]) Unknown(h H) *Builder[H] {
	b.unknown = h
	b.hasUnknown = true
	return b
}

// Build returns the table, or the first registration error.
func (b *Builder[H]) Build() (*Table[H], error) {
	if b.err != nil {
		return nil, b.err
	}
	handlers := make(map[Code]H, len(b.handlers))
	for code, h := range b.handlers {
		handlers[code] = h
	}
	return &Table[H]{
		handlers:   handlers,
		unknown:    b.unknown,
		hasUnknown: b.hasUnknown,
	}, nil
}

// MustBuild is Build that panics on a registration error.
func (b *Builder[H]) MustBuild() *Table[H] {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}

// Lazy returns a function that builds the table on first call and returns
// the same table afterwards. Use it for a process-wide table per protocol:
// everything register references must be initialized before the first call,
// and a registration error panics at that point.
func Lazy[H any](register func(b *Builder[H])) func() *Table[H] {
	var (
		once  sync.Once
		table *Table[H]
	)
	return func() *Table[H] {
		once.Do(func() {
			b := NewBuilder[H]()
			register(b)
			table = b.MustBuild()
		})
		return table
	}
}

package cmdsock

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies the operation of a request (command code) or a reply
// (response code). It fits in the first byte of every frame.
type Code byte

// CodeDef describes one code of a protocol. At most one definition of a
// set may be marked Failure and at most one Unknown; the engine finds the
// generic-failure and unknown-command responses through these marks, never
// by value.
type CodeDef struct {
	Code    Code
	Name    string
	Failure bool
	Unknown bool
}

// CodeSet is an immutable set of code definitions.
type CodeSet struct {
	names   map[Code]string
	failure *Code
	unknown *Code
}

// NewCodeSet validates defs and builds a set from them.
func NewCodeSet(defs ...CodeDef) (*CodeSet, error) {
	set := &CodeSet{names: make(map[Code]string, len(defs))}
	for _, def := range defs {
		if _, ok := set.names[def.Code]; ok {
			return nil, errors.Wrapf(ErrDuplicateRegistration, "code %d (%s)", def.Code, def.Name)
		}
		set.names[def.Code] = def.Name

		code := def.Code
		if def.Failure {
			if set.failure != nil {
				return nil, errors.Errorf("code %d (%s): failure code already set to %d", def.Code, def.Name, *set.failure)
			}
			set.failure = &code
		}
		if def.Unknown {
			if set.unknown != nil {
				return nil, errors.Errorf("code %d (%s): unknown code already set to %d", def.Code, def.Name, *set.unknown)
			}
			set.unknown = &code
		}
	}
	return set, nil
}

// MustCodeSet is NewCodeSet for package-level protocol definitions.
func MustCodeSet(defs ...CodeDef) *CodeSet {
	set, err := NewCodeSet(defs...)
	if err != nil {
		panic(err)
	}
	return set
}

// Failure returns the code marked as generic failure.
func (s *CodeSet) Failure() (Code, bool) {
	if s == nil || s.failure == nil {
		return 0, false
	}
	return *s.failure, true
}

// Unknown returns the code marked as unknown-command reply.
func (s *CodeSet) Unknown() (Code, bool) {
	if s == nil || s.unknown == nil {
		return 0, false
	}
	return *s.unknown, true
}

// Contains reports whether code is defined in the set.
func (s *CodeSet) Contains(code Code) bool {
	if s == nil {
		return false
	}
	_, ok := s.names[code]
	return ok
}

// Name returns the name of code, or a numeric placeholder.
func (s *CodeSet) Name(code Code) string {
	if s != nil {
		if name, ok := s.names[code]; ok {
			return name
		}
	}
	return fmt.Sprintf("code(%d)", code)
}

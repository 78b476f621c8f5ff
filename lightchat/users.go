package lightchat

import (
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 password digest. Clients send the digest,
// never the password.
type Digest [32]byte

// HashPassword returns the digest a client sends for password.
func HashPassword(password string) Digest {
	return blake3.Sum256([]byte(password))
}

// ParseDigest decodes a hex digest as stored in the config file.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, errors.Wrap(err, "decode password digest")
	}
	if len(raw) != len(d) {
		return d, errors.Errorf("password digest is %d bytes, want %d", len(raw), len(d))
	}
	copy(d[:], raw)
	return d, nil
}

// String returns the hex form of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Verification failures.
var (
	errUnknownUser   = errors.New("unknown user")
	errWrongPassword = errors.New("wrong password")
	errUserBanned    = errors.New("user banned")
)

// User is one account.
type User struct {
	Name   string
	Digest Digest
	Banned bool
}

// UserStore is the in-memory account table.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewUserStore returns a store holding users. A repeated name replaces the
// earlier entry.
func NewUserStore(users ...User) *UserStore {
	s := &UserStore{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.Name] = u
	}
	return s
}

// Add inserts or replaces a user.
func (s *UserStore) Add(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Name] = u
}

// SetBanned changes the banned flag of an existing user.
func (s *UserStore) SetBanned(name string, banned bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return false
	}
	u.Banned = banned
	s.users[name] = u
	return true
}

// Names returns the account names in order.
func (s *UserStore) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Verify checks digest against the stored one in constant time. A banned
// user with the right password gets errUserBanned, so a wrong password
// never reveals the ban.
func (s *UserStore) Verify(name string, digest []byte) error {
	s.mu.RLock()
	u, ok := s.users[name]
	s.mu.RUnlock()

	if !ok {
		return errUnknownUser
	}
	if subtle.ConstantTimeCompare(u.Digest[:], digest) != 1 {
		return errWrongPassword
	}
	if u.Banned {
		return errUserBanned
	}
	return nil
}

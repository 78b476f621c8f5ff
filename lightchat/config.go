package lightchat

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Config is the chat server configuration.
type Config struct {
	Addr        string
	IdleTimeout time.Duration
	RateLimit   rate.Limit
	RateBurst   int
	Etcd        EtcdConfig
	Users       []User
}

// EtcdConfig enables service announcement when Endpoints is not empty.
type EtcdConfig struct {
	Endpoints []string
	Service   string
	TTL       int64
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Addr: fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		Etcd: EtcdConfig{
			Service: "lightchat",
			TTL:     10,
		},
	}
}

type fileConfig struct {
	Addr        string     `toml:"addr"`
	IdleTimeout string     `toml:"idle_timeout"`
	RateLimit   float64    `toml:"rate_limit"`
	RateBurst   int        `toml:"rate_burst"`
	Etcd        fileEtcd   `toml:"etcd"`
	Users       []fileUser `toml:"users"`
}

type fileEtcd struct {
	Endpoints []string `toml:"endpoints"`
	Service   string   `toml:"service"`
	TTL       int64    `toml:"ttl"`
}

type fileUser struct {
	Name         string `toml:"name"`
	PasswordHash string `toml:"password_hash"`
	Password     string `toml:"password"`
	Banned       bool   `toml:"banned"`
}

// LoadConfig reads a TOML file and lays the keys it defines over
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load lightchat config")
	}
	return applyConfig(meta, raw)
}

// ParseConfig is LoadConfig for in-memory TOML.
func ParseConfig(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse lightchat config")
	}
	return applyConfig(meta, raw)
}

func applyConfig(meta toml.MetaData, raw fileConfig) (Config, error) {
	cfg := DefaultConfig()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		if addr := strings.TrimSpace(raw.Addr); addr != "" {
			cfg.Addr = addr
		}
	}

	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse idle_timeout")
		}
		cfg.IdleTimeout = d
	}

	if meta.IsDefined("rate_limit") {
		if raw.RateLimit < 0 {
			return Config{}, errors.Errorf("rate_limit must not be negative, got %v", raw.RateLimit)
		}
		cfg.RateLimit = rate.Limit(raw.RateLimit)
	}

	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}

	if meta.IsDefined("etcd", "endpoints") {
		cfg.Etcd.Endpoints = normalizeEndpoints(raw.Etcd.Endpoints)
	}

	if meta.IsDefined("etcd", "service") {
		if service := strings.TrimSpace(raw.Etcd.Service); service != "" {
			cfg.Etcd.Service = service
		}
	}

	if meta.IsDefined("etcd", "ttl") {
		if raw.Etcd.TTL <= 0 {
			return Config{}, errors.Errorf("etcd.ttl must be positive, got %d", raw.Etcd.TTL)
		}
		cfg.Etcd.TTL = raw.Etcd.TTL
	}

	for i, u := range raw.Users {
		user, err := u.user()
		if err != nil {
			return Config{}, errors.Wrapf(err, "users[%d]", i)
		}
		cfg.Users = append(cfg.Users, user)
	}

	return cfg, nil
}

// user resolves an account entry. password_hash wins over password, which
// exists for local testing only.
func (u fileUser) user() (User, error) {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		return User{}, errors.New("user without name")
	}

	var digest Digest
	switch {
	case u.PasswordHash != "":
		d, err := ParseDigest(strings.TrimSpace(u.PasswordHash))
		if err != nil {
			return User{}, errors.Wrapf(err, "user %s", name)
		}
		digest = d
	case u.Password != "":
		digest = HashPassword(u.Password)
	default:
		return User{}, errors.Errorf("user %s has no password", name)
	}

	return User{Name: name, Digest: digest, Banned: u.Banned}, nil
}

func normalizeEndpoints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ep := range in {
		v := strings.TrimSpace(ep)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Store builds the user store described by cfg.
func (cfg Config) Store() *UserStore {
	return NewUserStore(cfg.Users...)
}

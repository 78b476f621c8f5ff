// Command lightchat runs a chat server or an interactive chat client.
//
// Usage:
//
//	lightchat server [--config file.toml] [host] [port]
//	lightchat client [--etcd endpoints] [host] [port]
//
// Client commands:
//
//	/login user password
//	/logout
//	/list
//	/to user text
//	/quit
//
// Any other line is sent to everyone.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/Zereker/cmdsock"
	"github.com/Zereker/cmdsock/lightchat"
	"github.com/Zereker/cmdsock/registry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing subcommand")
	}

	switch args[0] {
	case "server":
		return runServer(args[1:])
	case "client":
		return runClient(args[1:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return errors.Errorf("unknown subcommand %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  lightchat server [--config file.toml] [--log-level level] [host] [port]
  lightchat client [--etcd endpoints] [--service name] [--log-level level] [host] [port]
`)
}

// address overlays the positional host and port on base.
func address(base string, args []string) (string, error) {
	host, port, err := net.SplitHostPort(base)
	if err != nil {
		return "", errors.Wrapf(err, "invalid address %q", base)
	}
	switch len(args) {
	case 0:
	case 1:
		host = args[0]
	case 2:
		host, port = args[0], args[1]
	default:
		return "", errors.Errorf("unexpected argument: %s", args[2])
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", errors.Errorf("invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "invalid --log-level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func runServer(args []string) error {
	var configPath, logLevel string

	flagSet := pflag.NewFlagSet("lightchat server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "TOML config with users, limits and etcd settings")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger, err := newLogger(os.Stderr, logLevel)
	if err != nil {
		return err
	}

	cfg := lightchat.DefaultConfig()
	if configPath != "" {
		if cfg, err = lightchat.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if len(cfg.Users) == 0 {
		logger.Warn("no users configured, every login will be refused")
	}

	addr, err := address(cfg.Addr, flagSet.Args())
	if err != nil {
		return err
	}

	opts := []cmdsock.ServerOption[string]{
		cmdsock.ServerLoggerOption[string](logger),
		cmdsock.ServerMiddlewareOption(
			cmdsock.RecoverMiddleware[string](logger),
			cmdsock.LoggingMiddleware[string](logger, lightchat.Commands),
		),
	}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, cmdsock.ServerConnOptions[string](cmdsock.IdleTimeoutOption(cfg.IdleTimeout)))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, cmdsock.ServerRateLimitOption[string](cfg.RateLimit, cfg.RateBurst))
	}
	if len(cfg.Etcd.Endpoints) > 0 {
		reg, err := registry.NewEtcd(cfg.Etcd.Endpoints, cfg.Etcd.Service, cfg.Etcd.TTL)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, cmdsock.ServerAnnouncerOption[string](reg))
	}

	room := lightchat.NewRoom(cfg.Store(), logger)
	server, err := lightchat.NewServer(room, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(addr); err != nil {
		return err
	}
	logger.Info("lightchat server listening", "addr", server.Addr(), "users", len(cfg.Users))

	<-ctx.Done()
	logger.Info("shutting down server...")
	return server.Stop()
}

func runClient(args []string) error {
	var (
		endpoints []string
		service   string
		logLevel  string
	)

	flagSet := pflag.NewFlagSet("lightchat client", pflag.ContinueOnError)
	flagSet.StringSliceVar(&endpoints, "etcd", nil, "discover the server through these etcd endpoints")
	flagSet.StringVar(&service, "service", "lightchat", "service name to discover")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr, err := address(net.JoinHostPort("127.0.0.1", strconv.Itoa(lightchat.DefaultPort)), flagSet.Args())
	if err != nil {
		return err
	}
	if len(endpoints) > 0 {
		if addr, err = discover(ctx, endpoints, service); err != nil {
			return err
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lightchat> ",
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return errors.Wrap(err, "create readline")
	}
	defer rl.Close()

	logger, err := newLogger(rl.Stderr(), logLevel)
	if err != nil {
		return err
	}

	out := rl.Stdout()
	client, err := lightchat.Dial(ctx, addr, lightchat.Hooks{
		OnMessage: func(from, text string) {
			fmt.Fprintf(out, "<%s> %s\n", from, text)
		},
		OnPrivate: func(from, text string) {
			fmt.Fprintf(out, "*%s* %s\n", from, text)
		},
	}, cmdsock.ClientLoggerOption(logger))
	if err != nil {
		return err
	}
	defer client.Close()
	fmt.Fprintf(out, "connected to %s\n", addr)

	go func() {
		select {
		case <-client.Done():
			fmt.Fprintln(out, "server closed the connection")
			rl.Close()
		case <-ctx.Done():
			rl.Close()
		}
	}()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return nil
		}
		quit, err := execute(ctx, client, out, strings.TrimSpace(line))
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func discover(ctx context.Context, endpoints []string, service string) (string, error) {
	reg, err := registry.NewEtcd(endpoints, service, 0)
	if err != nil {
		return "", err
	}
	defer reg.Close()

	addrs, err := reg.Discover(ctx)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", errors.Errorf("no %s server registered", service)
	}
	return addrs[0], nil
}

// execute runs one REPL line and reports whether the client should exit.
func execute(ctx context.Context, client *lightchat.Client, out io.Writer, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, client.Say(ctx, line)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return true, nil
	case "/login":
		user, password, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: /login user password")
		}
		if err := client.Login(ctx, user, strings.TrimSpace(password)); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "logged in as %s\n", user)
	case "/logout":
		if err := client.Logout(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "logged out")
	case "/list":
		names, err := client.List(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "online (%d): %s\n", len(names), strings.Join(names, ", "))
	case "/to":
		to, text, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: /to user text")
		}
		return false, client.SayTo(ctx, to, strings.TrimSpace(text))
	default:
		return false, errors.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

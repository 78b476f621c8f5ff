// Command echo runs the echo protocol as a server or as an interactive
// client reading lines from stdin.
//
// Usage:
//
//	echo [--listen | --connect] [host] [port]
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/Zereker/cmdsock"
	"github.com/Zereker/cmdsock/echo"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		listen   bool
		connect  bool
		logLevel string
	)

	flagSet := pflag.NewFlagSet("echo", pflag.ContinueOnError)
	flagSet.BoolVar(&listen, "listen", false, "run the echo server (default)")
	flagSet.BoolVar(&connect, "connect", false, "connect to an echo server and echo stdin lines")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: echo [--listen | --connect] [host] [port]\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if listen && connect {
		return errors.New("--listen and --connect are mutually exclusive")
	}

	addr, err := address(flagSet.Args())
	if err != nil {
		return err
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if connect {
		return runClient(ctx, logger, addr)
	}
	return runServer(ctx, logger, addr)
}

// address builds host:port from the positional arguments.
func address(args []string) (string, error) {
	host, port := "127.0.0.1", strconv.Itoa(echo.DefaultPort)
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

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "invalid --log-level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func runServer(ctx context.Context, logger *slog.Logger, addr string) error {
	server, err := echo.NewServer(
		cmdsock.ServerLoggerOption[echo.Session](logger),
		cmdsock.ServerMiddlewareOption(
			cmdsock.RecoverMiddleware[echo.Session](logger),
			cmdsock.LoggingMiddleware[echo.Session](logger, echo.Commands),
		),
	)
	if err != nil {
		return err
	}

	if err := server.Start(addr); err != nil {
		return err
	}
	logger.Info("echo server listening", "addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutting down server...")
	return server.Stop()
}

func runClient(ctx context.Context, logger *slog.Logger, addr string) error {
	client, err := echo.Dial(ctx, addr, cmdsock.ClientLoggerOption(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return errors.Wrap(client.Err(), "server went away")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			reply, err := client.Echo(ctx, []byte(strings.TrimRight(line, "\r")))
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Println(string(reply))
		}
	}
}

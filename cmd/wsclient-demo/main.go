// Command wsclient-demo connects to a WebSocket server and prints every
// message it receives until interrupted. It exists to exercise the
// websocket package end-to-end; it is not part of the package's public API
// or its tested contract.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/arcwire/wsclient/websocket"
)

func main() {
	cmd := &cli.Command{
		Name:      "wsclient-demo",
		Usage:     "connect to a WebSocket server and print received messages",
		ArgsUsage: "<ws-or-wss-uri>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "compress", Usage: "offer permessage-deflate"},
			&cli.BoolFlag{Name: "pretty-log", Usage: "human-readable console logging"},
			&cli.DurationFlag{Name: "ping-interval", Usage: "keep-alive ping interval, 0 disables it"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsclient-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	target := cmd.Args().First()
	if target == "" {
		target = os.Getenv("WSCLIENT_DEMO_URI")
	}
	if target == "" {
		return errors.New("missing required argument: ws-or-wss-uri")
	}

	logger := newLogger(cmd.Bool("pretty-log"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := websocket.NewClient(target, websocket.Options{
		EnableCompression: cmd.Bool("compress"),
		AutoPongOnPing:    true,
		PingInterval:      cmd.Duration("ping-interval"),
		Logger:            &logger,
	})

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close(context.Background())

	logger.Info().Str("target", target).Msg("connected, waiting for messages (ctrl-c to quit)")

	for {
		mt, payload, err := client.Receive(ctx)
		if err != nil {
			if ce, ok := websocket.IsCloseError(err); ok {
				logger.Info().Int("code", ce.Code).Str("reason", ce.Reason).Msg("server closed the connection")
				return nil
			}
			if websocket.IsCancelled(err) {
				logger.Info().Msg("interrupted")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		fmt.Printf("[%s] %s\n", mt, payload)
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Command wsignal is a minimal demo binary wiring the WebSocket server to
// the command-line, config-file, and logging stack.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/wsignal/internal/logger"
	"github.com/tzrikka/wsignal/pkg/websocket"
	"github.com/tzrikka/xdg"
)

const (
	configDirName  = "wsignal"
	configFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "wsignal",
		Usage:   "WebSocket endpoint: serves inbound connections",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	l := initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))
	ctx = logger.InContext(ctx, l)

	websocket.SetBinaryFragmentation(cmd.Uint("binary-fragmentation"))
	websocket.SetMaxBufferLength(cmd.Uint("max-buffer-length"))

	srv := websocket.NewServer()
	if p := cmd.String("protocol"); p != "" {
		srv.Protocols = []string{p}
	}
	srv.OnAccept = func(c *websocket.Conn) {
		l.Debug().Str("token", c.Token).Str("path", c.Path).Msg("WebSocket connection accepted")
		c.OnClose(func(code uint16, reason string) {
			l.Debug().Str("token", c.Token).Uint16("code", code).Str("reason", reason).Msg("WebSocket connection closed")
		})
	}

	addr := cmd.String("listen-addr")
	srv.OnListening(func() {
		l.Info().Str("addr", addr).Msg("WebSocket server listening")
	})
	srv.OnError(func(err error) {
		l.Error().Err(err).Msg("WebSocket server stopped unexpectedly")
	})
	srv.OnClose(func() {
		l.Info().Msg("WebSocket server shut down")
	})

	return srv.Listen(ctx, addr, cmd.String("tls-cert"), cmd.String("tls-key"))
}

func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "TCP address to listen on, e.g. \":8080\"",
			Value:   ":8080",
			Sources: cli.NewValueSourceChain(toml.TOML("listen_addr", path)),
		},
		&cli.StringFlag{
			Name:    "tls-cert",
			Usage:   "path to a TLS certificate file, for \"wss://\"",
			Sources: cli.NewValueSourceChain(toml.TOML("tls_cert", path)),
		},
		&cli.StringFlag{
			Name:    "tls-key",
			Usage:   "path to a TLS private key file, for \"wss://\"",
			Sources: cli.NewValueSourceChain(toml.TOML("tls_key", path)),
		},
		&cli.UintFlag{
			Name:    "max-buffer-length",
			Usage:   "process-wide cap, in bytes, on a connection's receive buffer",
			Value:   uint64(websocket.DefaultMaxBufferLength),
			Sources: cli.NewValueSourceChain(toml.TOML("max_buffer_length", path)),
		},
		&cli.UintFlag{
			Name:    "binary-fragmentation",
			Usage:   "process-wide threshold, in bytes, for flushing an open OutStream",
			Value:   uint64(websocket.DefaultBinaryFragmentation),
			Sources: cli.NewValueSourceChain(toml.TOML("binary_fragmentation", path)),
		},
		&cli.StringFlag{
			Name:    "protocol",
			Usage:   "WebSocket subprotocol this server accepts, if any",
			Sources: cli.NewValueSourceChain(toml.TOML("protocol", path)),
		},
	}
}

// configFile returns the path to the app's configuration file, creating an
// empty one if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, configDirName, configFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

// initLog builds the process-wide default zerolog logger: pretty
// console output in dev mode, structured JSON otherwise.
func initLog(pretty bool) zerolog.Logger {
	var l zerolog.Logger
	if pretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Caller().Logger()
	} else {
		l = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
	}

	logger.SetDefault(l)
	return l
}

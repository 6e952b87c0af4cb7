package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilnaes/collabpad/internal/auth"
	"github.com/ilnaes/collabpad/internal/config"
	"github.com/ilnaes/collabpad/internal/editor"
	"github.com/ilnaes/collabpad/internal/logging"
	"github.com/ilnaes/collabpad/internal/server"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a yaml/json/toml config file",
		EnvVars: []string{"COLLABPAD_CONFIG"},
	}

	return &cli.App{
		Name:  "collabpad",
		Usage: "collaborative text editing server",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the websocket server",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "addr", Usage: "listen address, overrides server.addr"},
				},
				Action: serve,
			},
			{
				Name:  "token",
				Usage: "sign an access token for a user",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "uid", Required: true},
				},
				Action: token,
			},
			{
				Name:      "push",
				Usage:     "replace a document's content with a local file and save it",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/ws"},
					&cli.StringFlag{Name: "token", EnvVars: []string{"COLLABPAD_TOKEN"}},
					&cli.StringFlag{Name: "doc", Required: true},
					&cli.StringFlag{Name: "key", Usage: "storage key, defaults to the document id"},
					&cli.StringFlag{Name: "mime", Value: "text/plain"},
					&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
				},
				Action: push,
			},
		},
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	log := logging.New(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, cfg, log)
}

func token(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	tok, err := auth.New(cfg.Auth.Secret, false).Sign(c.String("uid"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, tok)
	return nil
}

func push(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("push takes exactly one FILE argument")
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return xerrors.Errorf("failed to read %s: %w", c.Args().First(), err)
	}

	log := logging.New(logging.Config{Level: "info"}, os.Stderr)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	tr, err := editor.Dial(ctx, c.String("url"), c.String("token"))
	if err != nil {
		return err
	}
	defer tr.Close()

	e := editor.New(tr, editor.Options{
		DocumentID: c.String("doc"),
		StorageKey: c.String("key"),
		MimeType:   c.String("mime"),
		Log:        logging.Component(log, "editor"),
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = e.Run(runCtx) }()

	if err := e.Join(ctx); err != nil {
		return err
	}
	e.Edit(string(data))
	if err := e.Save(ctx); err != nil {
		return err
	}

	log.Info().
		Str("document", c.String("doc")).
		Int("revision", e.Revision()).
		Msg("document saved")
	return e.Leave(ctx)
}

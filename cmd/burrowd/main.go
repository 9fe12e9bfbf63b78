package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/prxssh/burrow/internal/daemon"
	"github.com/prxssh/burrow/pkg/logging"
)

func main() {
	app := &cli.App{
		Name:  "burrowd",
		Usage: "BitTorrent Mainline DHT node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
			},
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "UDP address to bind",
			},
			&cli.StringSliceFlag{
				Name:    "bootstrap",
				Aliases: []string{"b"},
				Usage:   "bootstrap node host:port (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "read-only",
				Usage: "advertise as read-only and answer no queries",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "log level: debug, info, warn, error",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("burrowd exited", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := setupLogger(c.String("verbosity"))

	cfg := daemon.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := daemon.LoadFile(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr := c.String("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	if nodes := c.StringSlice("bootstrap"); len(nodes) != 0 {
		cfg.BootstrapNodes = nodes
	}
	if c.IsSet("read-only") {
		cfg.ReadOnly = c.Bool("read-only")
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func setupLogger(verbosity string) *slog.Logger {
	level := slog.LevelInfo
	switch verbosity {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = level
	opts.ShowSource = level == slog.LevelDebug

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

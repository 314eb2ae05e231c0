package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/zsiec/volcast/internal/config"
)

var version = "dev"

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to volcast config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "volcast config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"VOLCAST_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn or error; overrides log_level",
		EnvVars: []string{"VOLCAST_LOG_LEVEL"},
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	app := &cli.App{
		Name:  "volcast",
		Usage: "volumetric stream player and synthetic sender",
		Flags: baseFlags,
		Commands: []*cli.Command{
			{
				Name:   "play",
				Usage:  "connect to a sender and play its stream",
				Flags:  playFlags,
				Action: play,
			},
			{
				Name:   "serve",
				Usage:  "publish a synthetic geometry and audio stream",
				Flags:  serveFlags,
				Action: serve,
			},
			{
				Name:   "gen-cert",
				Usage:  "write a self-signed certificate and key for serve",
				Flags:  certFlags,
				Action: generateCert,
			},
		},
		Version: version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	strictMode := !c.Bool("disable-strict-config")

	var (
		conf *config.Config
		err  error
	)
	if body := c.String("config-body"); body != "" {
		conf, err = config.NewConfig(body, strictMode)
	} else {
		conf, err = config.Load(c.String("config"), strictMode)
	}
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		conf.LogLevel = c.String("log-level")
	}
	initLogger(conf.SlogLevel())
	return conf, nil
}

func initLogger(level slog.Level) {
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

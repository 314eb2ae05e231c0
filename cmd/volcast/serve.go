package main

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/volcast/internal/api"
	"github.com/zsiec/volcast/internal/certs"
	"github.com/zsiec/volcast/internal/config"
	"github.com/zsiec/volcast/internal/metrics"
	"github.com/zsiec/volcast/internal/synth"
	"github.com/zsiec/volcast/internal/transport"
)

var serveFlags = []cli.Flag{
	&cli.StringFlag{Name: "listen", Usage: "geometry listen address; audio uses the next port"},
	&cli.StringFlag{Name: "cert-file", Usage: "PEM certificate; a self-signed one is generated when empty"},
	&cli.StringFlag{Name: "key-file", Usage: "PEM private key for cert-file"},
	&cli.StringFlag{Name: "token", Usage: "access token receivers must present", EnvVars: []string{"VOLCAST_TOKEN"}},
	&cli.StringFlag{Name: "transport", Usage: "quic or srt"},
	&cli.StringFlag{Name: "stream-type", Usage: "mesh or voxel"},
	&cli.IntFlag{Name: "fps", Usage: "geometry frames per second"},
	&cli.StringFlag{Name: "api-addr", Usage: "serve the HTTP API on this address"},
}

func applyServeFlags(c *cli.Context, conf *config.Config) {
	if c.IsSet("listen") {
		conf.Publish.Listen = c.String("listen")
	}
	if c.IsSet("cert-file") {
		conf.Publish.CertFile = c.String("cert-file")
	}
	if c.IsSet("key-file") {
		conf.Publish.KeyFile = c.String("key-file")
	}
	if c.IsSet("token") {
		conf.Auth.AccessToken = c.String("token")
	}
	if c.IsSet("transport") {
		conf.Transport = c.String("transport")
	}
	if c.IsSet("stream-type") {
		conf.Publish.StreamType = c.String("stream-type")
	}
	if c.IsSet("fps") {
		conf.Publish.FPS = c.Int("fps")
	}
	if c.IsSet("api-addr") {
		conf.API.Addr = c.String("api-addr")
	}
}

// trackAddrs returns the geometry and audio listen addresses.
func trackAddrs(listen string) (string, string, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "", "", fmt.Errorf("listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port >= 65535 {
		return "", "", fmt.Errorf("listen port %q out of range", portStr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}

func loadOrGenerateCert(conf *config.Config) (*certs.CertInfo, error) {
	if conf.Publish.CertFile != "" {
		return certs.Load(conf.Publish.CertFile, conf.Publish.KeyFile)
	}
	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		return nil, err
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

func serve(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	applyServeFlags(c, conf)

	geomAddr, audioAddr, err := trackAddrs(conf.Publish.Listen)
	if err != nil {
		return err
	}
	streamType, err := synth.ParseStreamType(conf.Publish.StreamType)
	if err != nil {
		return err
	}

	var auth transport.AuthFunc
	if conf.Auth.AccessToken != "" {
		auth = transport.TokenAuth(conf.Auth.AccessToken)
	} else {
		slog.Warn("no access token configured, accepting every receiver")
	}

	var cert *certs.CertInfo
	newPublisher := func(addr string) transport.Publisher {
		cfg := transport.ServerConfig{
			Addr:         addr,
			Cert:         cert,
			Authenticate: auth,
			QueueSize:    conf.Playback.QueueSize,
		}
		if conf.Transport == config.TransportSRT {
			return transport.NewSRTServer(cfg)
		}
		return transport.NewServer(cfg)
	}
	switch conf.Transport {
	case config.TransportQUIC:
		if cert, err = loadOrGenerateCert(conf); err != nil {
			return err
		}
	case config.TransportSRT:
	default:
		return fmt.Errorf("%w, got %q", config.ErrBadProtocol, conf.Transport)
	}

	gen, err := synth.New(synth.Config{
		StreamType: streamType,
		FPS:        conf.Publish.FPS,
		SampleRate: conf.Publish.SampleRate,
		Channels:   conf.Publish.Channels,
	})
	if err != nil {
		return err
	}
	defer gen.Close()

	geometry := newPublisher(geomAddr)
	audio := newPublisher(audioAddr)

	reg := metrics.NewRegistry()
	if err := metrics.RegisterSender(reg, "geometry", geometry); err != nil {
		return err
	}
	if err := metrics.RegisterSender(reg, "audio", audio); err != nil {
		return err
	}

	slog.Info("volcast serving",
		"version", version,
		"transport", conf.Transport,
		"geometry", geomAddr,
		"audio", audioAddr,
		"stream_type", streamType.String(),
	)

	ctx, cancel := signalContext(c.Context)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return geometry.Start(ctx)
	})
	g.Go(func() error {
		return audio.Start(ctx)
	})
	g.Go(func() error {
		return gen.Run(ctx, geometry, audio)
	})
	if conf.API.Addr != "" {
		srv := api.NewServer(api.ServerConfig{
			Addr: conf.API.Addr,
			Senders: map[string]transport.Publisher{
				"geometry": geometry,
				"audio":    audio,
			},
			Gatherer: reg,
			Cert:     cert,
		})
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	return g.Wait()
}

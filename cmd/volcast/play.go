package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/volcast/internal/api"
	"github.com/zsiec/volcast/internal/config"
	"github.com/zsiec/volcast/internal/decode"
	"github.com/zsiec/volcast/internal/metrics"
	"github.com/zsiec/volcast/internal/player"
)

// audioPullInterval is the period of the simulated audio device.
const audioPullInterval = 10 * time.Millisecond

var playFlags = []cli.Flag{
	&cli.StringFlag{Name: "address", Usage: "sender host name or IP", EnvVars: []string{"VOLCAST_ADDRESS"}},
	&cli.IntFlag{Name: "port", Usage: "geometry port; audio uses port+1", EnvVars: []string{"VOLCAST_PORT"}},
	&cli.StringFlag{Name: "username", Usage: "name presented to the sender"},
	&cli.StringFlag{Name: "token", Usage: "access token", EnvVars: []string{"VOLCAST_TOKEN"}},
	&cli.StringFlag{Name: "cert", Usage: "PEM file of certificates to trust"},
	&cli.StringFlag{Name: "transport", Usage: "quic or srt"},
	&cli.BoolFlag{Name: "ignore-audio", Usage: "show geometry as soon as it is decoded"},
	&cli.BoolFlag{Name: "skip-stale", Usage: "deliver only the newest due frame per tick"},
	&cli.StringFlag{Name: "api-addr", Usage: "serve the HTTP API on this address"},
	&cli.DurationFlag{Name: "duration", Usage: "stop after this long; 0 plays until interrupted"},
}

func applyPlayFlags(c *cli.Context, conf *config.Config) {
	if c.IsSet("address") {
		conf.Server.Address = c.String("address")
	}
	if c.IsSet("port") {
		conf.Server.Port = c.Int("port")
	}
	if c.IsSet("username") {
		conf.Auth.Username = c.String("username")
	}
	if c.IsSet("token") {
		conf.Auth.AccessToken = c.String("token")
	}
	if c.IsSet("cert") {
		conf.Auth.CertificatePath = c.String("cert")
	}
	if c.IsSet("transport") {
		conf.Transport = c.String("transport")
	}
	if c.IsSet("ignore-audio") {
		conf.Playback.IgnoreAudio = c.Bool("ignore-audio")
	}
	if c.IsSet("skip-stale") {
		conf.Playback.SkipStale = c.Bool("skip-stale")
	}
	if c.IsSet("api-addr") {
		conf.API.Addr = c.String("api-addr")
	}
}

func play(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	applyPlayFlags(c, conf)
	if err := conf.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context)
	defer cancel()
	if d := c.Duration("duration"); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	log := slog.Default()
	p := player.New(player.Config{
		Dial:          conf.DialConfig(log),
		DialFunc:      conf.DialFunc(),
		Renderer:      player.RendererFunc(logFrame),
		IgnoreAudio:   conf.Playback.IgnoreAudio,
		SkipStale:     conf.Playback.SkipStale,
		Warmup:        conf.Playback.WarmupTime,
		MaxBacklog:    conf.Playback.MaxBacklog,
		RetryDelay:    conf.Playback.RetryDelay,
		CounterWindow: conf.Playback.CounterWindow,
		OnConnected: func() {
			log.Info("stream connected")
		},
		OnFailure: func(reason string) {
			log.Error("playback failed", "reason", reason)
			cancel()
		},
		Log: log,
	})

	reg := metrics.NewRegistry()
	if err := metrics.RegisterPlayer(reg, p); err != nil {
		return err
	}

	started := time.Now()
	if err := p.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Info("volcast playing",
		"version", version,
		"addr", conf.DialConfig(nil).Addr(),
		"transport", conf.Transport,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runTicks(ctx, p, conf.Playback.TickRate)
	})
	g.Go(func() error {
		return pullAudio(ctx, p)
	})
	if conf.API.Addr != "" {
		srv := api.NewServer(api.ServerConfig{
			Addr:     conf.API.Addr,
			Player:   p,
			Gatherer: reg,
			Log:      log,
		})
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	err = g.Wait()
	printSummary(os.Stdout, finish(p), time.Since(started))

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if p.HasFatalError() {
		return cli.Exit(p.FatalError(), 1)
	}
	return nil
}

func logFrame(r *decode.Result) {
	slog.Debug("frame",
		"index", r.FrameIndex,
		"ts", r.Timestamp,
		"stream_type", r.StreamType.String(),
	)
}

// runTicks drives the player at rate ticks per second.
func runTicks(ctx context.Context, p *player.Player, rate int) error {
	interval := time.Second / time.Duration(rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.Tick(now.Sub(last).Seconds())
			last = now
		}
	}
}

// pullAudio stands in for an audio device, consuming PCM in real time
// once the stream format is known.
func pullAudio(ctx context.Context, p *player.Player) error {
	ticker := time.NewTicker(audioPullInterval)
	defer ticker.Stop()

	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		f, ok := p.AudioFormat()
		if !ok {
			continue
		}
		frameBytes := int(f.Channels) * 2
		n := f.BytesPerSecond() * int(audioPullInterval/time.Millisecond) / 1000
		n -= n % frameBytes
		if cap(buf) < n {
			buf = make([]byte, n)
		}
		p.GeneratePCM(buf[:n])
	}
}

// finish snapshots the session and then disconnects, which resets the
// counters and the audio clock.
func finish(p *player.Player) player.Stats {
	s := p.Snapshot()
	p.Disconnect()
	return s
}

// formatMillis renders a count-averaged latency in seconds. Counters
// report -1 when they hold no samples.
func formatMillis(seconds float64) string {
	if seconds == -1 {
		return "n/a"
	}
	return humanize.FormatFloat("#,###.##", seconds*1000)
}

func printSummary(w io.Writer, s player.Stats, elapsed time.Duration) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAutoWrapText(false)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})

	rows := [][]string{
		{"Played", elapsed.Round(time.Millisecond).String()},
		{"Status", s.Status.String()},
		{"Frames uploaded", humanize.Comma(s.UploadedFrames)},
		{"Receive rate (fps)", humanize.Comma(s.ReceiveRate)},
		{"Decode rate (fps)", humanize.Comma(s.DecodeRate)},
		{"Discarded frames", humanize.Comma(s.Discarded)},
		{"Audio missing frames", humanize.Comma(s.AudioMissing)},
		{"Video lag (ms)", formatMillis(s.VideoLag)},
		{"Video behind audio (ms)", formatMillis(s.VideoBehind)},
		{"Audio synced", fmt.Sprint(s.AudioSynced)},
	}
	if s.FatalError != "" {
		rows = append(rows, []string{"Error", s.FatalError})
	}
	table.AppendBulk(rows)
	table.Render()
}

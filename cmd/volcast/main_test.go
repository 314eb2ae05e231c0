package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/volcast/internal/player"
	"github.com/zsiec/volcast/internal/transport"
	"github.com/zsiec/volcast/internal/transport/transporttest"
)

func TestTrackAddrs(t *testing.T) {
	t.Parallel()
	geom, audio, err := trackAddrs(":6655")
	if err != nil {
		t.Fatalf("trackAddrs: %v", err)
	}
	if geom != ":6655" || audio != ":6656" {
		t.Errorf("addrs = %q, %q", geom, audio)
	}

	geom, audio, err = trackAddrs("127.0.0.1:7000")
	if err != nil || geom != "127.0.0.1:7000" || audio != "127.0.0.1:7001" {
		t.Errorf("addrs = %q, %q, %v", geom, audio, err)
	}

	for _, bad := range []string{"6655", "host:abc", "host:65535"} {
		if _, _, err := trackAddrs(bad); err == nil {
			t.Errorf("trackAddrs(%q): expected error", bad)
		}
	}
}

func TestPrintSummary(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printSummary(&buf, player.Stats{
		Status:         transport.StatusFailedToAuthenticate,
		UploadedFrames: 12345,
		VideoLag:       0.0125,
		FatalError:     "bad token",
	}, 90*time.Second)

	out := buf.String()
	for _, want := range []string{"12,345", "12.5", "FailedToAuthenticate", "bad token", "1m30s"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrintSummaryWithoutSamples(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printSummary(&buf, player.Stats{VideoLag: -1, VideoBehind: -1}, time.Second)

	out := buf.String()
	if strings.Contains(out, "-1,000") {
		t.Errorf("empty counters printed as values:\n%s", out)
	}
	if got := strings.Count(out, "n/a"); got != 2 {
		t.Errorf("n/a count = %d, want 2:\n%s", got, out)
	}
}

func TestFinishSnapshotsBeforeDisconnect(t *testing.T) {
	t.Parallel()
	dial, _ := transporttest.Dialer(transport.StatusConnected)
	p := player.New(player.Config{
		Dial:       transport.DialConfig{Address: "localhost", Port: 6655},
		DialFunc:   dial,
		RetryDelay: 10 * time.Millisecond,
	})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s := finish(p)
	if !s.Connected || s.Status != transport.StatusConnected {
		t.Errorf("snapshot = connected %v status %v, want a live session", s.Connected, s.Status)
	}
	if p.IsConnected() {
		t.Error("player still connected after finish")
	}
}

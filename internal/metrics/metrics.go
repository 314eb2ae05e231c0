// Package metrics exports playback and server statistics as Prometheus
// gauges read on scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "volcast"

// PlayerSource is the read side of a player.
type PlayerSource interface {
	ReceiveRate() int64
	DecodeRate() int64
	AudioMissingFrames() int64
	VideoLag() float64
	VideoBehindAudio() float64
	DiscardedFrames() int64
	BacklogDepth() int
	IsAudioVideoSynced() bool
	CachedAudioTime() float64
	UploadedFrames() int64
	IsStatusGood() bool
}

// SessionSource reports the sessions attached to a sender.
type SessionSource interface {
	SessionCount() int
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func gauge(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "player",
		Name:      name,
		Help:      help,
	}, fn)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RegisterPlayer registers gauges over p.
func RegisterPlayer(reg prometheus.Registerer, p PlayerSource) error {
	collectors := []prometheus.Collector{
		gauge("receive_rate", "Geometry frames received per second.", func() float64 { return float64(p.ReceiveRate()) }),
		gauge("decode_rate", "Geometry frames decoded per second.", func() float64 { return float64(p.DecodeRate()) }),
		gauge("audio_missing_frames", "Audio frames missing in the counter window.", func() float64 { return float64(p.AudioMissingFrames()) }),
		gauge("video_lag_seconds", "Mean audio lead over compared frames.", p.VideoLag),
		gauge("video_behind_audio_seconds", "Mean delay of popped frames behind the newest audio.", p.VideoBehindAudio),
		gauge("discarded_frames", "Frames discarded in the counter window.", func() float64 { return float64(p.DiscardedFrames()) }),
		gauge("backlog_depth", "Decoded frames waiting for their audio time.", func() float64 { return float64(p.BacklogDepth()) }),
		gauge("audio_synced", "1 when the audio clock is locked to geometry.", func() float64 { return boolValue(p.IsAudioVideoSynced()) }),
		gauge("cached_audio_seconds", "Queued audio duration.", p.CachedAudioTime),
		gauge("uploaded_frames", "Frames handed to the renderer.", func() float64 { return float64(p.UploadedFrames()) }),
		gauge("status_good", "1 while connecting or connected.", func() float64 { return boolValue(p.IsStatusGood()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSender registers a session gauge per track.
func RegisterSender(reg prometheus.Registerer, track string, s SessionSource) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "sender",
		Name:        "sessions",
		Help:        "Authenticated receiving sessions.",
		ConstLabels: prometheus.Labels{"track": track},
	}, func() float64 { return float64(s.SessionCount()) }))
}

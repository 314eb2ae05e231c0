package player

import (
	"github.com/zsiec/volcast/internal/decode"
	"github.com/zsiec/volcast/internal/receiver"
	"github.com/zsiec/volcast/internal/transport"
)

// ReceiveRate returns geometry frames received per second.
func (p *Player) ReceiveRate() int64 { return p.received.AverageIntOnDuration() }

// DecodeRate returns geometry frames decoded per second.
func (p *Player) DecodeRate() int64 { return p.decoded.AverageIntOnDuration() }

// AudioMissingFrames returns the audio frames lost in the counter window.
func (p *Player) AudioMissingFrames() int64 { return p.missing.SumInt() }

// VideoLag returns the average delay of delivered geometry behind the
// audio-fed clock, in seconds. Negative means no data.
func (p *Player) VideoLag() float64 { return p.lag.AverageFloatOnCount() }

// VideoBehindAudio returns the average distance between the newest
// received audio and each decoded geometry frame, in seconds.
func (p *Player) VideoBehindAudio() float64 { return p.behind.AverageFloatOnCount() }

// DiscardedFrames returns the geometry frames dropped in the counter window.
func (p *Player) DiscardedFrames() int64 { return p.discarded.SumInt() }

// BacklogDepth returns the frames waiting for the audio clock.
func (p *Player) BacklogDepth() int { return p.sync.Len() }

// IsAudioVideoSynced reports whether the audio buffer has locked onto the
// geometry timeline.
func (p *Player) IsAudioVideoSynced() bool { return p.audio.IsSynced() }

// CachedAudioTime returns the seconds of audio queued as segments.
func (p *Player) CachedAudioTime() float64 { return p.audio.CachedAudioTime() }

// SecondaryCachedAudioTime returns the seconds of audio pumped but not yet
// played.
func (p *Player) SecondaryCachedAudioTime() float64 { return p.audio.SecondaryCachedAudioTime() }

// UploadedFrames returns the number of frames delivered to the renderer.
func (p *Player) UploadedFrames() int64 { return p.uploaded.Load() }

// Stats is a JSON snapshot of a player.
type Stats struct {
	Connected        bool             `json:"connected"`
	Status           transport.Status `json:"status"`
	Paused           bool             `json:"paused"`
	FatalError       string           `json:"fatalError,omitempty"`
	ReceiveRate      int64            `json:"receiveRate"`
	DecodeRate       int64            `json:"decodeRate"`
	UploadedFrames   int64            `json:"uploadedFrames"`
	LastUploadedTs   float64          `json:"lastUploadedTs"`
	LatestFrame      int64            `json:"latestFrame"`
	LatestVertices   int              `json:"latestVertices,omitempty"`
	LatestVoxels     int              `json:"latestVoxels,omitempty"`
	AudioMissing     int64            `json:"audioMissing"`
	AudioSynced      bool             `json:"audioSynced"`
	AudioReady       bool             `json:"audioReady"`
	CachedAudio      float64          `json:"cachedAudio"`
	SecondaryAudio   float64          `json:"secondaryCachedAudio"`
	AudioFed         float64          `json:"audioFed"`
	VideoLag         float64          `json:"videoLag"`
	VideoBehind      float64          `json:"videoBehindAudio"`
	Discarded        int64            `json:"discarded"`
	BacklogDepth     int              `json:"backlogDepth"`
	RecommendedDelay float64          `json:"recommendedDelay"`
	Receiver         *receiver.Stats  `json:"receiver,omitempty"`
}

// Snapshot returns the current stats.
func (p *Player) Snapshot() Stats {
	p.mu.Lock()
	fatal, last := p.fatal, p.lastUploaded
	p.mu.Unlock()

	st := Stats{
		Connected:        p.IsConnected(),
		Status:           p.Status(),
		Paused:           p.IsPaused(),
		FatalError:       fatal,
		ReceiveRate:      p.ReceiveRate(),
		DecodeRate:       p.DecodeRate(),
		UploadedFrames:   p.UploadedFrames(),
		LastUploadedTs:   last,
		LatestFrame:      -1,
		AudioMissing:     p.AudioMissingFrames(),
		AudioSynced:      p.audio.IsSynced(),
		AudioReady:       p.audio.IsReady(),
		CachedAudio:      p.CachedAudioTime(),
		SecondaryAudio:   p.SecondaryCachedAudioTime(),
		AudioFed:         p.audio.LastFed(),
		VideoLag:         p.VideoLag(),
		VideoBehind:      p.VideoBehindAudio(),
		Discarded:        p.DiscardedFrames(),
		BacklogDepth:     p.BacklogDepth(),
		RecommendedDelay: p.sync.RecommendedDelay(),
	}
	if s := p.sess.Load(); s != nil {
		rs := s.loop.Stats()
		st.Receiver = &rs
	}
	latest := p.Latest()
	defer latest.Release()
	if latest.OK {
		st.LatestFrame = latest.FrameIndex
		st.LatestVertices = latestVertices(latest)
		st.LatestVoxels = len(latest.Voxels)
	}
	return st
}

func latestVertices(r *decode.Result) int {
	if r.Mesh == nil {
		return 0
	}
	return r.Mesh.VertexCount()
}

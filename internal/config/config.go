// Package config loads the YAML configuration shared by the play and
// serve commands.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/volcast/internal/transport"
)

const (
	TransportQUIC = "quic"
	TransportSRT  = "srt"
)

var (
	ErrNoAddress   = errors.New("server address is required")
	ErrBadPort     = errors.New("server port must be between 1 and 65534")
	ErrNoToken     = errors.New("access token is required")
	ErrBadProtocol = errors.New("transport must be quic or srt")
)

type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Auth      AuthConfig     `yaml:"auth"`
	Transport string         `yaml:"transport"`
	Playback  PlaybackConfig `yaml:"playback"`
	Publish   PublishConfig  `yaml:"publish"`
	API       APIConfig      `yaml:"api"`
	LogLevel  string         `yaml:"log_level"`
}

type ServerConfig struct {
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	ServerName string `yaml:"server_name,omitempty"`
}

type AuthConfig struct {
	Username        string `yaml:"username"`
	AccessToken     string `yaml:"access_token"`
	CertificatePath string `yaml:"certificate_path,omitempty"`
}

type PlaybackConfig struct {
	IgnoreAudio   bool          `yaml:"ignore_audio"`
	SkipStale     bool          `yaml:"skip_stale_frames"`
	WarmupTime    time.Duration `yaml:"warmup_time"`
	MaxBacklog    int           `yaml:"max_backlog"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	QueueSize     int           `yaml:"queue_size"`
	TickRate      int           `yaml:"tick_rate"`
	CounterWindow time.Duration `yaml:"counter_window"`
}

// PublishConfig configures the synthetic sender of the serve command.
type PublishConfig struct {
	Listen     string `yaml:"listen"`
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	StreamType string `yaml:"stream_type"`
	FPS        int    `yaml:"fps"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type APIConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

var DefaultConfig = Config{
	Server: ServerConfig{
		Address: "localhost",
		Port:    6655,
	},
	Auth: AuthConfig{
		Username: "playback",
	},
	Transport: TransportQUIC,
	Playback: PlaybackConfig{
		WarmupTime:    300 * time.Millisecond,
		MaxBacklog:    120,
		RetryDelay:    200 * time.Millisecond,
		QueueSize:     transport.DefaultQueueSize,
		TickRate:      60,
		CounterWindow: 2 * time.Second,
	},
	Publish: PublishConfig{
		Listen:     ":6655",
		StreamType: "mesh",
		FPS:        30,
		SampleRate: 48000,
		Channels:   1,
	},
	LogLevel: "info",
}

// NewConfig returns the defaults overlaid with confString. In strict mode
// unknown keys are an error.
func NewConfig(confString string, strictMode bool) (*Config, error) {
	// start with a deep copy of the defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}
	var conf Config
	if err := yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %w", err)
		}
	}
	conf.Auth.CertificatePath = os.ExpandEnv(conf.Auth.CertificatePath)
	conf.Publish.CertFile = os.ExpandEnv(conf.Publish.CertFile)
	conf.Publish.KeyFile = os.ExpandEnv(conf.Publish.KeyFile)
	return &conf, nil
}

// Load reads path, or returns the defaults when path is empty.
func Load(path string, strictMode bool) (*Config, error) {
	body, err := getConfigString(path)
	if err != nil {
		return nil, err
	}
	return NewConfig(body, strictMode)
}

func getConfigString(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}
	return string(b), nil
}

// Validate checks the settings used to connect a player.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, ErrNoAddress)
	}
	// The audio connection uses Port+1.
	if c.Server.Port <= 0 || c.Server.Port >= 65535 {
		errs = append(errs, ErrBadPort)
	}
	if c.Auth.AccessToken == "" {
		errs = append(errs, ErrNoToken)
	}
	if c.Transport != TransportQUIC && c.Transport != TransportSRT {
		errs = append(errs, fmt.Errorf("%w, got %q", ErrBadProtocol, c.Transport))
	}
	if c.Playback.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("tick rate must be positive, got %d", c.Playback.TickRate))
	}
	return errors.Join(errs...)
}

// DialConfig returns the connection settings for a player.
func (c *Config) DialConfig(log *slog.Logger) transport.DialConfig {
	return transport.DialConfig{
		Address:         c.Server.Address,
		Port:            c.Server.Port,
		ServerName:      c.Server.ServerName,
		Username:        c.Auth.Username,
		AccessToken:     c.Auth.AccessToken,
		CertificatePath: c.Auth.CertificatePath,
		QueueSize:       c.Playback.QueueSize,
		Log:             log,
	}
}

// DialFunc returns the dialer for the configured transport.
func (c *Config) DialFunc() transport.DialFunc {
	if c.Transport == TransportSRT {
		return transport.DialSRT
	}
	return transport.DialQUIC
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

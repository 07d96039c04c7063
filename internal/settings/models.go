// Package settings persists stream configurations and application settings
// as one document keyed by StorageName. Runtime status is never stored.
package settings

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rtsp2hls/internal/supervisor"
)

// StorageName keys the persisted document.
const StorageName = "rtsp2hls-storage"

var (
	ErrConfigNotFound = errors.New("stream configuration not found")
	ErrConfigFixed    = errors.New("stream configuration is fixed")
	ErrInvalidConfig  = errors.New("invalid stream configuration")
)

// StreamConfig is a stored camera definition.
type StreamConfig struct {
	ID           string    `json:"id" toml:"id"`
	Name         string    `json:"name" toml:"name"`
	RTSPURL      string    `json:"rtspUrl" toml:"rtsp_url"`
	Username     string    `json:"username,omitempty" toml:"username,omitempty"`
	Password     string    `json:"password,omitempty" toml:"password,omitempty"`
	Resolution   string    `json:"resolution" toml:"resolution"`
	Bitrate      string    `json:"bitrate" toml:"bitrate"` // "2000k"
	FrameRate    int       `json:"frameRate" toml:"frame_rate"`
	AudioEnabled bool      `json:"audioEnabled" toml:"audio_enabled"`
	Fixed        bool      `json:"fixed,omitempty" toml:"fixed,omitempty"`
	CreatedAt    time.Time `json:"createdAt" toml:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" toml:"updated_at"`
}

// Validate checks the fields a user must fill in.
func (c StreamConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RTSPURL) == "" {
		return fmt.Errorf("%w: rtspUrl is required", ErrInvalidConfig)
	}
	if _, err := ParseBitrate(c.Bitrate); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.FrameRate < 0 {
		return fmt.Errorf("%w: frameRate must not be negative", ErrInvalidConfig)
	}
	return nil
}

// SourceURL returns the RTSP URL with the stored credentials injected as
// userinfo. Credentials already present in the URL are replaced.
func (c StreamConfig) SourceURL() (string, error) {
	if c.Username == "" {
		return c.RTSPURL, nil
	}
	u, err := url.Parse(c.RTSPURL)
	if err != nil {
		return "", fmt.Errorf("%w: rtspUrl: %v", ErrInvalidConfig, err)
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	} else {
		u.User = url.User(c.Username)
	}
	return u.String(), nil
}

// Request converts the configuration into a supervisor request. The output
// directory is left to the supervisor.
func (c StreamConfig) Request(app AppSettings) (supervisor.StreamRequest, error) {
	src, err := c.SourceURL()
	if err != nil {
		return supervisor.StreamRequest{}, err
	}
	kbps, err := ParseBitrate(c.Bitrate)
	if err != nil {
		return supervisor.StreamRequest{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	audio := c.AudioEnabled
	return supervisor.StreamRequest{
		ID:        supervisor.StreamID(c.ID),
		SourceURL: src,
		Options: supervisor.EncodingOptions{
			Resolution:             c.Resolution,
			BitrateKbps:            kbps,
			FrameRate:              c.FrameRate,
			AudioEnabled:           &audio,
			SegmentDurationSeconds: app.HLSSegmentDuration,
			PlaylistSegmentCount:   app.HLSPlaylistSize,
		},
	}, nil
}

// ParseBitrate converts "2000k", "2M" or "1500" to kbit/s. Empty is zero.
func ParseBitrate(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	mult := 1
	switch s[len(s)-1] {
	case 'k', 'K':
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1000
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid bitrate %q", s)
	}
	return n * mult, nil
}

// AppSettings are the user preferences shown on the settings page.
type AppSettings struct {
	OutputDirectory      string `json:"outputDirectory" toml:"output_directory"`
	LogLevel             string `json:"logLevel" toml:"log_level"`
	AutoStart            bool   `json:"autoStart" toml:"auto_start"`
	MaxConcurrentStreams int    `json:"maxConcurrentStreams" toml:"max_concurrent_streams"`
	HLSSegmentDuration   int    `json:"hlsSegmentDuration" toml:"hls_segment_duration"`
	HLSPlaylistSize      int    `json:"hlsPlaylistSize" toml:"hls_playlist_size"`
}

// DefaultSettings returns the settings used before the user changes anything.
// An empty OutputDirectory means the server's configured output root.
func DefaultSettings() AppSettings {
	return AppSettings{
		LogLevel:             "info",
		AutoStart:            false,
		MaxConcurrentStreams: 5,
		HLSSegmentDuration:   supervisor.DefaultSegmentDuration,
		HLSPlaylistSize:      supervisor.DefaultPlaylistSize,
	}
}

// withDefaults fills zero numeric fields and an empty log level.
func (s AppSettings) withDefaults() AppSettings {
	d := DefaultSettings()
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
	if s.MaxConcurrentStreams <= 0 {
		s.MaxConcurrentStreams = d.MaxConcurrentStreams
	}
	if s.HLSSegmentDuration <= 0 {
		s.HLSSegmentDuration = d.HLSSegmentDuration
	}
	if s.HLSPlaylistSize <= 0 {
		s.HLSPlaylistSize = d.HLSPlaylistSize
	}
	return s
}

// Validate rejects values the transcoder or logger cannot use.
func (s AppSettings) Validate() error {
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", s.LogLevel)
	}
	if s.MaxConcurrentStreams < 1 {
		return errors.New("maxConcurrentStreams must be at least 1")
	}
	if s.HLSSegmentDuration < 1 || s.HLSSegmentDuration > 60 {
		return errors.New("hlsSegmentDuration must be between 1 and 60")
	}
	if s.HLSPlaylistSize < 1 || s.HLSPlaylistSize > 100 {
		return errors.New("hlsPlaylistSize must be between 1 and 100")
	}
	return nil
}

// Document is everything that is persisted.
type Document struct {
	Streams  []StreamConfig `toml:"streams"`
	Settings AppSettings    `toml:"settings"`
}

// NewDocument returns an empty document with default settings.
func NewDocument() Document {
	return Document{Settings: DefaultSettings()}
}

func (d Document) clone() Document {
	out := Document{Settings: d.Settings}
	if d.Streams != nil {
		out.Streams = make([]StreamConfig, len(d.Streams))
		copy(out.Streams, d.Streams)
	}
	return out
}

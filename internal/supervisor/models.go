package supervisor

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StreamID is the caller-chosen key of a stream. It doubles as the manifest
// base name, so it must be a plain file name.
type StreamID string

// Phase is the lifecycle phase reported for a stream.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseError    Phase = "error"
)

// Defaults applied to a StreamRequest when the caller leaves a field empty.
const (
	DefaultVideoCodec      = "libx264"
	DefaultAudioCodec      = "aac"
	DefaultSegmentDuration = 1
	DefaultPlaylistSize    = 3
	ManifestExt            = ".m3u8"
	maxStreamIDLength      = 128
	resolutionOriginal     = "original"
)

var resolutionPattern = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)

// EncodingOptions overrides the transcoder defaults. Zero values keep the default.
type EncodingOptions struct {
	VideoCodec             string `json:"videoCodec,omitempty"`
	AudioCodec             string `json:"audioCodec,omitempty"`
	Resolution             string `json:"resolution,omitempty"` // "1280x720"; "original" keeps the source size
	BitrateKbps            int    `json:"bitrateKbps,omitempty"`
	FrameRate              int    `json:"frameRate,omitempty"`
	AudioEnabled           *bool  `json:"audioEnabled,omitempty"` // nil means enabled
	SegmentDurationSeconds int    `json:"hlsTime,omitempty"`
	PlaylistSegmentCount   int    `json:"hlsListSize,omitempty"`
}

// Audio reports whether an audio track is encoded.
func (o EncodingOptions) Audio() bool {
	return o.AudioEnabled == nil || *o.AudioEnabled
}

// StreamRequest describes one transcoding job. It is copied into the
// ProcessHandle at spawn time and never modified afterwards.
type StreamRequest struct {
	ID              StreamID        `json:"id"`
	SourceURL       string          `json:"rtspUrl"`
	OutputDirectory string          `json:"outputDir,omitempty"`
	Options         EncodingOptions `json:"options"`
}

// withDefaults fills empty fields; outputDir is the supervisor's default directory.
func (r StreamRequest) withDefaults(outputDir string) StreamRequest {
	if r.OutputDirectory == "" {
		r.OutputDirectory = outputDir
	}
	o := &r.Options
	if o.VideoCodec == "" {
		o.VideoCodec = DefaultVideoCodec
	}
	if o.AudioCodec == "" {
		o.AudioCodec = DefaultAudioCodec
	}
	if o.SegmentDurationSeconds <= 0 {
		o.SegmentDurationSeconds = DefaultSegmentDuration
	}
	if o.PlaylistSegmentCount <= 0 {
		o.PlaylistSegmentCount = DefaultPlaylistSize
	}
	return r
}

// Validate checks the request shape. The source URL is not interpreted.
func (r StreamRequest) Validate() error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if strings.TrimSpace(r.SourceURL) == "" {
		return fmt.Errorf("source url is required")
	}
	if r.OutputDirectory == "" {
		return fmt.Errorf("output directory is required")
	}
	o := r.Options
	if o.Resolution != "" && o.Resolution != resolutionOriginal && !resolutionPattern.MatchString(o.Resolution) {
		return fmt.Errorf("invalid resolution %q, want WIDTHxHEIGHT", o.Resolution)
	}
	if o.BitrateKbps < 0 {
		return fmt.Errorf("bitrate must not be negative")
	}
	if o.FrameRate < 0 || o.FrameRate > 240 {
		return fmt.Errorf("frame rate %d out of range", o.FrameRate)
	}
	return nil
}

// ValidateID rejects identifiers that could not be used as a manifest file name.
func ValidateID(id StreamID) error {
	s := string(id)
	switch {
	case s == "":
		return fmt.Errorf("stream id is required")
	case len(s) > maxStreamIDLength:
		return fmt.Errorf("stream id longer than %d bytes", maxStreamIDLength)
	case s == "." || s == "..":
		return fmt.Errorf("invalid stream id %q", s)
	case strings.ContainsAny(s, "/\\\x00"):
		return fmt.Errorf("stream id %q must not contain path separators", s)
	}
	return nil
}

// ManifestName is the manifest file name for a stream.
func ManifestName(id StreamID) string {
	return string(id) + ManifestExt
}

// ReadyInfo is the successful result of Start.
type ReadyInfo struct {
	ID           StreamID `json:"id"`
	PlaybackURL  string   `json:"playbackUrl"`
	ManifestPath string   `json:"outputPath"`
}

// StatusRecord is derived from the current ProcessHandle (or last error) on demand.
type StatusRecord struct {
	ID           StreamID   `json:"id"`
	Phase        Phase      `json:"phase"`
	PID          int        `json:"pid,omitempty"`
	ManifestPath string     `json:"outputPath,omitempty"`
	PlaybackURL  string     `json:"playbackUrl,omitempty"`
	ErrorClass   ErrorClass `json:"errorClass,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
}

// ErrorRecord is the last failure observed for a stream. It outlives the
// process so a UI can explain why a stream died.
type ErrorRecord struct {
	ID        StreamID   `json:"id"`
	Class     ErrorClass `json:"type"`
	Message   string     `json:"message"`
	Output    string     `json:"fullOutput,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// StatusEvent is published on every phase transition.
type StatusEvent struct {
	Status   StatusRecord `json:"status"`
	ExitCode *int         `json:"exitCode,omitempty"`
	At       time.Time    `json:"at"`
}

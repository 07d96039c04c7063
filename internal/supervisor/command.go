package supervisor

import (
	"strconv"
	"strings"
)

// Command is a fully assembled transcoder invocation.
type Command struct {
	Binary string
	Args   []string
	Output string
}

// String returns the command as a single line.
func (c Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// CommandBuilder builds transcoder command lines with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a builder for the binary at path. The log level
// defaults to "info" because startup markers are printed at that level.
func NewCommandBuilder(path string) *CommandBuilder {
	return &CommandBuilder{binary: path, logLevel: "info"}
}

// Quiet hides the banner, disables the periodic progress line and stdin
// interaction. The progress line would otherwise grow the diagnostic buffer
// once per second for the life of the process.
func (b *CommandBuilder) Quiet() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner", "-nostats", "-nostdin")
	return b
}

// Overwrite enables overwriting of output files.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// LowLatencyInput adds input flags that minimise probing and buffering of an
// RTSP source, pulling it over TCP.
func (b *CommandBuilder) LowLatencyInput() *CommandBuilder {
	b.inputArgs = append(b.inputArgs,
		"-fflags", "nobuffer+fastseek+flush_packets",
		"-flags", "low_delay",
		"-probesize", "32",
		"-analyzeduration", "100000",
		"-max_delay", "0",
		"-rtsp_transport", "tcp")
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// VideoCodec sets the video codec and, for x264, the zero-latency tuning
// with a short fixed GOP.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	if codec == DefaultVideoCodec {
		b.outputArgs = append(b.outputArgs,
			"-preset", "ultrafast",
			"-tune", "zerolatency")
	}
	b.outputArgs = append(b.outputArgs,
		"-g", "15",
		"-keyint_min", "15",
		"-sc_threshold", "0")
	return b
}

// Resolution scales the output. Empty and "original" keep the source size.
func (b *CommandBuilder) Resolution(res string) *CommandBuilder {
	if res != "" && res != resolutionOriginal {
		b.outputArgs = append(b.outputArgs, "-s", res)
	}
	return b
}

// VideoBitrate sets the video bitrate in kbit/s when positive.
func (b *CommandBuilder) VideoBitrate(kbps int) *CommandBuilder {
	if kbps > 0 {
		b.outputArgs = append(b.outputArgs, "-b:v", strconv.Itoa(kbps)+"k")
	}
	return b
}

// FrameRate sets the output frame rate when positive.
func (b *CommandBuilder) FrameRate(fps int) *CommandBuilder {
	if fps > 0 {
		b.outputArgs = append(b.outputArgs, "-r", strconv.Itoa(fps))
	}
	return b
}

// Audio encodes stereo 44.1kHz with codec, or drops audio when disabled.
func (b *CommandBuilder) Audio(enabled bool, codec string) *CommandBuilder {
	if !enabled {
		b.outputArgs = append(b.outputArgs, "-an")
		return b
	}
	b.outputArgs = append(b.outputArgs,
		"-c:a", codec,
		"-ac", "2",
		"-ar", "44100")
	return b
}

// HLSArgs adds live HLS output arguments: rolling window, deleted segments,
// MPEG-TS segments and no client caching.
func (b *CommandBuilder) HLSArgs(segmentTime int, playlistSize int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentTime),
		"-hls_list_size", strconv.Itoa(playlistSize),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_allow_cache", "0")
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	args = append(args, b.outputArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}
	args = append(args, b.output)

	return Command{Binary: b.binary, Args: args, Output: b.output}
}

// BuildTranscodeCommand assembles the low-latency RTSP to HLS command for req.
// Request options override the defaults only when present.
func BuildTranscodeCommand(binary string, req StreamRequest, manifestPath string) Command {
	o := req.Options
	return NewCommandBuilder(binary).
		Quiet().
		LowLatencyInput().
		Input(req.SourceURL).
		VideoCodec(o.VideoCodec).
		Resolution(o.Resolution).
		VideoBitrate(o.BitrateKbps).
		FrameRate(o.FrameRate).
		Audio(o.Audio(), o.AudioCodec).
		HLSArgs(o.SegmentDurationSeconds, o.PlaylistSegmentCount).
		Overwrite().
		Output(manifestPath).
		Build()
}

package ffmpeg

import (
	"fmt"
	"path/filepath"

	"media-server/internal/plan"
)

// SegmentPattern is the printf pattern for segment files inside a
// rendition's output directory. The zero-padded index keeps directory
// listings in playback order.
const SegmentPattern = "segment-%05d.ts"

// EncodeParams describes one rendition encode of a whole source file.
type EncodeParams struct {
	InputPath        string
	OutputDir        string
	VideoStreamIndex int
	// AudioTrackCount is how many audio streams to carry into the
	// output, zero when the source has none. Every retained track is
	// mapped so the master playlist's track list matches the segments.
	AudioTrackCount int
	Rendition       plan.Rendition
	SegmentDuration float64
}

// CommandBuilder turns rendition decisions into ffmpeg argument lists.
type CommandBuilder struct {
	AudioBitrate  int
	AudioChannels int
}

func NewCommandBuilder() *CommandBuilder {
	return &CommandBuilder{
		AudioBitrate:  128_000,
		AudioChannels: 2,
	}
}

// Encode builds the argument list for segmenting a full source file
// into one rendition. Progress is emitted on stdout as key=value
// records for the runner to parse.
func (b *CommandBuilder) Encode(p EncodeParams) []string {
	args := []string{
		"-nostats", "-hide_banner", "-loglevel", "warning",
		"-i", p.InputPath,
		"-map", fmt.Sprintf("0:V:%d", p.VideoStreamIndex),
	}

	args = append(args, b.videoArgs(p)...)

	for i := 0; i < p.AudioTrackCount; i++ {
		args = append(args, "-map", fmt.Sprintf("0:a:%d", i))
	}
	if p.AudioTrackCount > 0 {
		args = append(args, b.audioArgs(p)...)
	}

	args = append(args,
		"-progress", "pipe:1",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%.3f", p.SegmentDuration),
		"-segment_time_delta", "0.05",
		"-segment_format", "mpegts",
		filepath.Join(p.OutputDir, SegmentPattern),
	)

	return args
}

func (b *CommandBuilder) videoArgs(p EncodeParams) []string {
	if p.Rendition.VideoAction == plan.ActionCopy {
		return []string{"-c:v", "copy"}
	}

	bitrate := p.Rendition.TargetBitrate
	return []string{
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-vf", fmt.Sprintf("scale=%d:%d", p.Rendition.Width, p.Rendition.Height),
		"-b:v", fmt.Sprintf("%d", bitrate),
		"-maxrate", fmt.Sprintf("%d", int(float64(bitrate)*1.5)),
		"-bufsize", fmt.Sprintf("%d", bitrate*5),
		// Keyframes pinned to segment boundaries so every segment is
		// independently decodable.
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%.3f)", p.SegmentDuration),
	}
}

func (b *CommandBuilder) audioArgs(p EncodeParams) []string {
	if p.Rendition.AudioAction == plan.ActionCopy {
		return []string{"-c:a", "copy"}
	}

	return []string{
		"-c:a", "aac",
		"-ac", fmt.Sprintf("%d", b.AudioChannels),
		"-b:a", fmt.Sprintf("%d", b.AudioBitrate),
	}
}

// ExtractSubtitle builds the argument list for converting one embedded
// subtitle stream to WebVTT.
func (b *CommandBuilder) ExtractSubtitle(inputPath string, subtitleStreamIndex int, outputPath string) []string {
	return []string{
		"-nostats", "-hide_banner", "-loglevel", "warning",
		"-i", inputPath,
		"-map", fmt.Sprintf("0:s:%d", subtitleStreamIndex),
		"-f", "webvtt",
		outputPath,
	}
}

package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"media-server/internal/logging"
)

// Sentinel errors for probe failures. Both are fatal for the upload
// flow: no job is ever created for a file that fails to probe.
var (
	// ErrUnreadable indicates the container could not be parsed.
	ErrUnreadable = errors.New("media container unreadable")

	// ErrNoPlayableStreams indicates the container parsed but holds
	// neither a video nor an audio track.
	ErrNoPlayableStreams = errors.New("no playable streams")
)

// Cache persists probe results keyed by content hash so re-uploads of
// identical bytes skip re-probing. The job store provides the durable
// implementation.
type Cache interface {
	GetProbe(ctx context.Context, contentHash string) (*MediaProbe, bool, error)
	PutProbe(ctx context.Context, contentHash string, p *MediaProbe) error
}

// Prober inspects source media files with ffprobe.
type Prober struct {
	binary string
	cache  Cache
}

// NewProber creates a Prober backed by the given probe cache.
// The cache may be nil, in which case every call shells out to ffprobe.
func NewProber(cache Cache) *Prober {
	return &Prober{binary: "ffprobe", cache: cache}
}

// Probe returns the media facts for the file at path. Results are
// cached by content hash; the probe for a given hash is computed once
// and never mutated afterwards.
func (p *Prober) Probe(ctx context.Context, path, contentHash string) (*MediaProbe, error) {
	if p.cache != nil && contentHash != "" {
		cached, ok, err := p.cache.GetProbe(ctx, contentHash)
		if err != nil {
			logging.Warn("probe cache lookup failed for %s: %v", contentHash, err)
		} else if ok {
			logging.Debug("probe cache hit for %s", contentHash)
			return cached, nil
		}
	}

	result, err := p.run(ctx, path)
	if err != nil {
		return nil, err
	}

	if p.cache != nil && contentHash != "" {
		if err := p.cache.PutProbe(ctx, contentHash, result); err != nil {
			logging.Warn("probe cache store failed for %s: %v", contentHash, err)
		}
	}

	return result, nil
}

func (p *Prober) run(ctx context.Context, path string) (*MediaProbe, error) {
	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		logging.Debug("ffprobe failed for %s: %v - %s", path, err, stderr.String())
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	return parseFFprobe(stdout.Bytes())
}

// ffprobe JSON output shapes. Only the fields we consume are declared.
type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	Index       int               `json:"index"`
	CodecName   string            `json:"codec_name"`
	CodecType   string            `json:"codec_type"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Channels    int               `json:"channels"`
	BitRate     string            `json:"bit_rate"`
	Tags        map[string]string `json:"tags"`
	Disposition ffprobeDisp       `json:"disposition"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

type ffprobeDisp struct {
	Forced int `json:"forced"`
}

// parseFFprobe converts raw ffprobe JSON into a MediaProbe.
func parseFFprobe(data []byte) (*MediaProbe, error) {
	var ff ffprobeOutput
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	result := &MediaProbe{
		Container: normalizeContainer(ff.Format.FormatName),
	}

	if dur, err := strconv.ParseFloat(ff.Format.Duration, 64); err == nil {
		result.Duration = dur
	}

	for _, s := range ff.Streams {
		switch s.CodecType {
		case "video":
			result.Tracks = append(result.Tracks, Track{
				Index:   s.Index,
				Type:    TrackVideo,
				Codec:   s.CodecName,
				Width:   s.Width,
				Height:  s.Height,
				Bitrate: parseBitrate(s.BitRate, s.Tags["BPS"]),
			})
		case "audio":
			result.Tracks = append(result.Tracks, Track{
				Index:    s.Index,
				Type:     TrackAudio,
				Codec:    s.CodecName,
				Language: s.Tags["language"],
				Channels: s.Channels,
				Bitrate:  parseBitrate(s.BitRate, s.Tags["BPS"]),
			})
		case "subtitle":
			result.Tracks = append(result.Tracks, Track{
				Index:    s.Index,
				Type:     TrackSubtitle,
				Codec:    s.CodecName,
				Language: s.Tags["language"],
				Forced:   s.Disposition.Forced == 1,
			})
		}
	}

	if !result.HasPlayableStream() {
		return nil, ErrNoPlayableStreams
	}

	return result, nil
}

// normalizeContainer maps ffprobe's comma-separated format aliases
// (e.g. "mov,mp4,m4a,3gp,3g2,mj2") to a single canonical name.
func normalizeContainer(formatName string) string {
	switch {
	case strings.Contains(formatName, "mp4"):
		return "mp4"
	case strings.Contains(formatName, "matroska"):
		return "mkv"
	case strings.Contains(formatName, "webm"):
		return "webm"
	case formatName == "":
		return "unknown"
	default:
		return strings.SplitN(formatName, ",", 2)[0]
	}
}

// parseBitrate takes the stream-level bit_rate with the BPS tag
// (MKV convention) as fallback.
func parseBitrate(bitRate, bps string) int {
	if v, err := strconv.Atoi(bitRate); err == nil && v > 0 {
		return v
	}
	if v, err := strconv.Atoi(bps); err == nil && v > 0 {
		return v
	}
	return 0
}

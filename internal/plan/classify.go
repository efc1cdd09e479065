package plan

import (
	"errors"
	"strings"

	"media-server/internal/probe"
)

// ErrNoRenditions indicates the classifier found no viable rendition
// for the source, e.g. an audio-only container or a ladder entirely
// above the source resolution with no rung at or below it.
var ErrNoRenditions = errors.New("no viable renditions for source")

// Compatibility lists the codecs the target browsers play natively.
// Which profiles count as web-compatible is deployment-dependent, so
// the lists are configuration rather than constants.
type Compatibility struct {
	Video map[string]bool
	Audio map[string]bool
}

// DefaultCompatibility returns the compatibility lists used when the
// WEB_COMPATIBLE_* variables are not set.
func DefaultCompatibility() Compatibility {
	return Compatibility{
		Video: map[string]bool{
			"h264": true,
			"vp8":  true,
			"vp9":  true,
			"av1":  true,
		},
		Audio: map[string]bool{
			"aac":  true,
			"mp3":  true,
			"opus": true,
		},
	}
}

// ParseCodecList parses a comma-separated codec list into a set.
// An empty string yields nil so callers can fall back to defaults.
func ParseCodecList(s string) map[string]bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		codec := strings.ToLower(strings.TrimSpace(part))
		if codec != "" {
			set[codec] = true
		}
	}
	return set
}

// Classify derives the delivery plan for a probed source against the
// configured ladder.
//
// Rules, in order:
//   - rungs above the source height are dropped (never upscale);
//   - a source height strictly between two rungs gets the next rung at
//     or below it, never above;
//   - video copies (transmux) only at native resolution with a
//     web-compatible codec, otherwise it transcodes;
//   - audio copies when the primary audio codec is web-compatible.
//
// All audio tracks survive; all text subtitle tracks survive and
// target WebVTT.
func Classify(mp *probe.MediaProbe, ladder Ladder, compat Compatibility) (*DeliveryPlan, error) {
	video, ok := mp.VideoTrack()
	if !ok {
		return nil, ErrNoRenditions
	}

	audioAction := ActionCopy
	audios := mp.AudioTracks()
	if len(audios) > 0 && !compat.Audio[audios[0].Codec] {
		audioAction = ActionTranscode
	}

	result := &DeliveryPlan{
		AudioTracks:      audios,
		SubtitleTracks:   mp.SubtitleTracks(),
		SubtitleFormat:   SubtitleFormatWebVTT,
		SourceVideoCodec: video.Codec,
	}

	for _, rung := range ladder {
		if rung.Height > video.Height {
			continue
		}

		r := Rendition{
			Label:       rung.Label,
			Height:      rung.Height,
			Width:       scaledWidth(video.Width, video.Height, rung.Height),
			VideoAction: ActionTranscode,
			AudioAction: audioAction,
		}

		if rung.Height == video.Height && compat.Video[video.Codec] {
			r.VideoAction = ActionCopy
		}

		if r.VideoAction == ActionCopy && video.Bitrate > 0 {
			r.TargetBitrate = video.Bitrate
		} else {
			r.TargetBitrate = rung.Bitrate
		}

		result.Renditions = append(result.Renditions, r)
	}

	if len(result.Renditions) == 0 {
		return nil, ErrNoRenditions
	}

	return result, nil
}

// scaledWidth preserves the source aspect ratio, rounded up to an even
// number because encoders reject odd dimensions.
func scaledWidth(srcWidth, srcHeight, targetHeight int) int {
	if srcHeight == 0 {
		return 0
	}
	if targetHeight == srcHeight {
		if srcWidth%2 != 0 {
			return srcWidth + 1
		}
		return srcWidth
	}
	aspect := float64(srcWidth) / float64(srcHeight)
	width := int(float64(targetHeight) * aspect)
	if width%2 != 0 {
		width++
	}
	return width
}

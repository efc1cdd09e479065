package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"media-server/internal/probe"
)

// CodecAction says whether a rendition re-encodes a stream or
// repackages it as-is.
type CodecAction string

const (
	// ActionCopy repackages the existing encoded stream into segments
	// without re-encoding (transmux).
	ActionCopy CodecAction = "copy"
	// ActionTranscode re-encodes the stream.
	ActionTranscode CodecAction = "transcode"
)

// SubtitleFormatWebVTT is the only subtitle output format served to
// browsers.
const SubtitleFormatWebVTT = "webvtt"

// Rendition is one target quality variant of a source video.
type Rendition struct {
	Label         string      `json:"label"`
	Width         int         `json:"width"`
	Height        int         `json:"height"`
	VideoAction   CodecAction `json:"videoAction"`
	AudioAction   CodecAction `json:"audioAction"`
	TargetBitrate int         `json:"targetBitrate"`
}

// DeliveryPlan is the classifier's verdict for one source file:
// the ordered rendition ladder to produce plus the audio and subtitle
// tracks that survive into the HLS output. A given probe and ladder
// always produce the same plan.
type DeliveryPlan struct {
	Renditions     []Rendition   `json:"renditions"`
	AudioTracks    []probe.Track `json:"audioTracks"`
	SubtitleTracks []probe.Track `json:"subtitleTracks"`
	SubtitleFormat string        `json:"subtitleFormat"`
	// SourceVideoCodec is the probed codec of the video track. Copy
	// renditions keep this codec, so the master playlist needs it to
	// advertise accurate CODECS attributes.
	SourceVideoCodec string `json:"sourceVideoCodec"`
}

// Rendition returns the rendition with the given label.
func (p *DeliveryPlan) Rendition(label string) (Rendition, bool) {
	for _, r := range p.Renditions {
		if r.Label == label {
			return r, true
		}
	}
	return Rendition{}, false
}

// TransmuxOnly reports whether every rendition is pure copy/copy,
// meaning no encode work is needed at all.
func (p *DeliveryPlan) TransmuxOnly() bool {
	for _, r := range p.Renditions {
		if r.VideoAction != ActionCopy || r.AudioAction != ActionCopy {
			return false
		}
	}
	return len(p.Renditions) > 0
}

// Fingerprint returns a stable digest of the plan. Identical probes
// classified against identical ladders fingerprint identically, which
// is what makes rendition cache keys content-addressed.
func (p *DeliveryPlan) Fingerprint() string {
	// Struct fields marshal in declaration order, so the encoding is
	// deterministic for a given plan value.
	data, err := json.Marshal(p)
	if err != nil {
		// A plan is plain data; this cannot fail for real values.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

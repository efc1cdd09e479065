package playlist

import (
	"fmt"
	"math"
	"strings"

	"media-server/internal/plan"
	"media-server/internal/probe"
)

// SubtitleEntry is one selectable subtitle track in a master playlist.
type SubtitleEntry struct {
	ID       string
	Language string
	Forced   bool
}

// MasterParams carries everything needed to render a master playlist.
// Servable maps rendition labels to their current segment counts; a
// rendition with no servable segments is omitted so a player never
// selects a variant it cannot start.
type MasterParams struct {
	Plan      *plan.DeliveryPlan
	Servable  map[string]int
	Subtitles []SubtitleEntry
}

// Master renders the master playlist. Variant and subtitle URIs are
// relative, resolved by the player against the master's own URL.
func Master(p MasterParams) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:4\n")
	b.WriteString("\n")

	// Audio is muxed into the variant segments. With more than one
	// source audio track the alternatives are declared without URIs,
	// which is how HLS marks in-stream audio.
	audioGroup := ""
	if len(p.Plan.AudioTracks) > 1 {
		audioGroup = "audio"
		for i, track := range p.Plan.AudioTracks {
			b.WriteString(fmt.Sprintf(
				"#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=%q,NAME=%q,LANGUAGE=%q,DEFAULT=%s,AUTOSELECT=YES\n",
				audioGroup, audioName(track, i), track.Language, yesNo(i == 0),
			))
		}
		b.WriteString("\n")
	}

	subtitleGroup := ""
	if len(p.Subtitles) > 0 {
		subtitleGroup = "subs"
		for i, sub := range p.Subtitles {
			b.WriteString(fmt.Sprintf(
				"#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID=%q,NAME=%q,LANGUAGE=%q,DEFAULT=NO,AUTOSELECT=YES,FORCED=%s,URI=%q\n",
				subtitleGroup, subtitleName(sub, i), sub.Language, yesNo(sub.Forced),
				"subtitles/"+sub.ID,
			))
		}
		b.WriteString("\n")
	}

	for _, r := range p.Plan.Renditions {
		if p.Servable[r.Label] < 1 {
			continue
		}
		attrs := fmt.Sprintf(
			"BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=%q",
			r.TargetBitrate, r.Width, r.Height,
			videoCodecString(r, p.Plan.SourceVideoCodec)+","+audioCodecString(r, sourceAudioCodec(p.Plan)),
		)
		if audioGroup != "" {
			attrs += fmt.Sprintf(",AUDIO=%q", audioGroup)
		}
		if subtitleGroup != "" {
			attrs += fmt.Sprintf(",SUBTITLES=%q", subtitleGroup)
		}
		b.WriteString("#EXT-X-STREAM-INF:" + attrs + "\n")
		b.WriteString(r.Label + "/index.m3u8\n")
	}

	return b.String()
}

// VariantParams describes one rendition's playlist. While the encode
// is still running only the durably written prefix is listed and the
// playlist carries no ENDLIST, telling the player to reload.
type VariantParams struct {
	SegmentCount    int
	SegmentDuration float64
	TotalDuration   float64
	Finalized       bool
}

// Variant renders a rendition playlist over relative segment URIs.
func Variant(p VariantParams) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:4\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(p.SegmentDuration))))
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("\n")

	for i := 0; i < p.SegmentCount; i++ {
		dur := p.SegmentDuration
		if p.Finalized && i == p.SegmentCount-1 {
			if last := p.TotalDuration - p.SegmentDuration*float64(p.SegmentCount-1); last > 0 && last <= p.SegmentDuration {
				dur = last
			}
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", dur))
		b.WriteString(fmt.Sprintf("segment-%05d.ts\n", i))
	}

	if p.Finalized {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "YES"
	}
	return "NO"
}

func audioName(track probe.Track, index int) string {
	if track.Language != "" {
		return track.Language
	}
	return fmt.Sprintf("audio-%d", index)
}

func subtitleName(sub SubtitleEntry, index int) string {
	if sub.Language != "" {
		return sub.Language
	}
	return fmt.Sprintf("subtitle-%d", index)
}

func sourceAudioCodec(p *plan.DeliveryPlan) string {
	if len(p.AudioTracks) == 0 {
		return ""
	}
	return p.AudioTracks[0].Codec
}

// videoCodecString picks the CODECS value for a rendition. Copy
// renditions keep the source codec, so the advertised string must
// follow it; only transcodes are guaranteed H.264.
func videoCodecString(r plan.Rendition, sourceCodec string) string {
	if r.VideoAction == plan.ActionCopy {
		switch sourceCodec {
		case "hevc":
			return "hvc1.1.6.L123.B0"
		case "vp9":
			return "vp09.00.40.08"
		case "av1":
			return "av01.0.08M.08"
		case "vp8":
			return "vp8"
		}
	}
	return avc1ByHeight(r.Height)
}

func avc1ByHeight(height int) string {
	switch height {
	case 2160:
		return "avc1.640033"
	case 1080:
		return "avc1.640028"
	case 720:
		return "avc1.64001f"
	case 480:
		return "avc1.64001e"
	default:
		return "avc1.640015"
	}
}

func audioCodecString(r plan.Rendition, sourceCodec string) string {
	if r.AudioAction == plan.ActionCopy {
		switch sourceCodec {
		case "opus":
			return "opus"
		case "mp3":
			return "mp4a.40.34"
		case "ac3":
			return "ac-3"
		case "eac3":
			return "ec-3"
		case "flac":
			return "flac"
		}
	}
	return "mp4a.40.2"
}

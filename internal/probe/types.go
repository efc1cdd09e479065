package probe

// TrackType identifies the kind of stream a track carries.
type TrackType string

const (
	// TrackVideo is a video stream.
	TrackVideo TrackType = "video"
	// TrackAudio is an audio stream.
	TrackAudio TrackType = "audio"
	// TrackSubtitle is a subtitle stream.
	TrackSubtitle TrackType = "subtitle"
)

// Track describes a single stream inside a media container.
type Track struct {
	Index    int       `json:"index"`
	Type     TrackType `json:"type"`
	Codec    string    `json:"codec"`
	Language string    `json:"language,omitempty"`
	Channels int       `json:"channels,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	Bitrate  int       `json:"bitrate,omitempty"`
	Forced   bool      `json:"forced,omitempty"`
}

// MediaProbe is the immutable result of inspecting a source file.
// It is derived once per content hash and cached; identical bytes
// never get probed twice.
type MediaProbe struct {
	Duration  float64 `json:"duration"`
	Container string  `json:"container"`
	Tracks    []Track `json:"tracks"`
}

// VideoTrack returns the first video track, if any.
func (m *MediaProbe) VideoTrack() (Track, bool) {
	for _, t := range m.Tracks {
		if t.Type == TrackVideo {
			return t, true
		}
	}
	return Track{}, false
}

// AudioTracks returns all audio tracks in container order.
func (m *MediaProbe) AudioTracks() []Track {
	return m.tracksOfType(TrackAudio)
}

// SubtitleTracks returns all subtitle tracks in container order.
func (m *MediaProbe) SubtitleTracks() []Track {
	return m.tracksOfType(TrackSubtitle)
}

func (m *MediaProbe) tracksOfType(tt TrackType) []Track {
	var out []Track
	for _, t := range m.Tracks {
		if t.Type == tt {
			out = append(out, t)
		}
	}
	return out
}

// HasPlayableStream reports whether the probe found at least one
// video or audio track.
func (m *MediaProbe) HasPlayableStream() bool {
	for _, t := range m.Tracks {
		if t.Type == TrackVideo || t.Type == TrackAudio {
			return true
		}
	}
	return false
}

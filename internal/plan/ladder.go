package plan

import (
	"fmt"
	"strings"
)

// Rung is one configured step of the rendition ladder.
type Rung struct {
	Label   string
	Height  int
	Bitrate int
}

// Ladder is the ordered list of target renditions, highest first.
// It is configuration, never inferred from the source.
type Ladder []Rung

// knownRungs are the rungs a ladder label can resolve to. Bitrates
// follow common HLS ladder guidance for H.264.
var knownRungs = map[string]Rung{
	"2160p": {Label: "2160p", Height: 2160, Bitrate: 15000000},
	"1440p": {Label: "1440p", Height: 1440, Bitrate: 9000000},
	"1080p": {Label: "1080p", Height: 1080, Bitrate: 5000000},
	"720p":  {Label: "720p", Height: 720, Bitrate: 2500000},
	"480p":  {Label: "480p", Height: 480, Bitrate: 1200000},
	"360p":  {Label: "360p", Height: 360, Bitrate: 800000},
}

// DefaultLadder returns the ladder used when RENDITION_LADDER is not
// configured.
func DefaultLadder() Ladder {
	return Ladder{knownRungs["1080p"], knownRungs["720p"], knownRungs["480p"]}
}

// ParseLadder parses a comma-separated list of rung labels
// (e.g. "1080p,720p,480p") into a Ladder, preserving order.
func ParseLadder(s string) (Ladder, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultLadder(), nil
	}

	var ladder Ladder
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		label := strings.TrimSpace(part)
		if label == "" {
			continue
		}
		rung, ok := knownRungs[label]
		if !ok {
			return nil, fmt.Errorf("unknown rendition label %q", label)
		}
		if seen[label] {
			return nil, fmt.Errorf("duplicate rendition label %q", label)
		}
		seen[label] = true
		ladder = append(ladder, rung)
	}

	if len(ladder) == 0 {
		return nil, fmt.Errorf("rendition ladder is empty")
	}

	// Highest first, matching how master playlists list variants.
	for i := 1; i < len(ladder); i++ {
		if ladder[i].Height > ladder[i-1].Height {
			return nil, fmt.Errorf("rendition ladder must be ordered highest to lowest, got %q after %q",
				ladder[i].Label, ladder[i-1].Label)
		}
	}

	return ladder, nil
}

// Labels returns the rung labels in ladder order.
func (l Ladder) Labels() []string {
	labels := make([]string, len(l))
	for i, r := range l {
		labels[i] = r.Label
	}
	return labels
}

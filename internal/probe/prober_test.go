package probe

import (
	"context"
	"errors"
	"testing"
)

const mkvFixture = `{
	"streams": [
		{
			"index": 0,
			"codec_name": "hevc",
			"codec_type": "video",
			"width": 1920,
			"height": 1080,
			"tags": {"BPS": "4500000"}
		},
		{
			"index": 1,
			"codec_name": "opus",
			"codec_type": "audio",
			"channels": 6,
			"tags": {"language": "eng"}
		},
		{
			"index": 2,
			"codec_name": "aac",
			"codec_type": "audio",
			"channels": 2,
			"bit_rate": "128000",
			"tags": {"language": "jpn"}
		},
		{
			"index": 3,
			"codec_name": "subrip",
			"codec_type": "subtitle",
			"tags": {"language": "eng"},
			"disposition": {"forced": 1}
		}
	],
	"format": {
		"format_name": "matroska,webm",
		"duration": "5400.123000"
	}
}`

const mp4Fixture = `{
	"streams": [
		{
			"index": 0,
			"codec_name": "h264",
			"codec_type": "video",
			"width": 1920,
			"height": 1080,
			"bit_rate": "6000000"
		},
		{
			"index": 1,
			"codec_name": "aac",
			"codec_type": "audio",
			"channels": 2,
			"bit_rate": "160000"
		}
	],
	"format": {
		"format_name": "mov,mp4,m4a,3gp,3g2,mj2",
		"duration": "120.500000"
	}
}`

func TestParseFFprobeMKV(t *testing.T) {
	p, err := parseFFprobe([]byte(mkvFixture))
	if err != nil {
		t.Fatalf("parseFFprobe returned error: %v", err)
	}

	if p.Container != "mkv" {
		t.Errorf("Container = %q, want %q", p.Container, "mkv")
	}
	if p.Duration != 5400.123 {
		t.Errorf("Duration = %v, want 5400.123", p.Duration)
	}
	if len(p.Tracks) != 4 {
		t.Fatalf("len(Tracks) = %d, want 4", len(p.Tracks))
	}

	video, ok := p.VideoTrack()
	if !ok {
		t.Fatal("VideoTrack not found")
	}
	if video.Codec != "hevc" || video.Width != 1920 || video.Height != 1080 {
		t.Errorf("video track = %+v, want hevc 1920x1080", video)
	}
	if video.Bitrate != 4500000 {
		t.Errorf("video bitrate = %d, want 4500000 (from BPS tag)", video.Bitrate)
	}

	audios := p.AudioTracks()
	if len(audios) != 2 {
		t.Fatalf("len(AudioTracks) = %d, want 2", len(audios))
	}
	if audios[0].Language != "eng" || audios[0].Channels != 6 {
		t.Errorf("first audio = %+v, want eng 6ch", audios[0])
	}
	if audios[1].Language != "jpn" || audios[1].Bitrate != 128000 {
		t.Errorf("second audio = %+v, want jpn 128000", audios[1])
	}

	subs := p.SubtitleTracks()
	if len(subs) != 1 {
		t.Fatalf("len(SubtitleTracks) = %d, want 1", len(subs))
	}
	if !subs[0].Forced {
		t.Error("subtitle forced flag not set")
	}
}

func TestParseFFprobeMP4(t *testing.T) {
	p, err := parseFFprobe([]byte(mp4Fixture))
	if err != nil {
		t.Fatalf("parseFFprobe returned error: %v", err)
	}
	if p.Container != "mp4" {
		t.Errorf("Container = %q, want %q", p.Container, "mp4")
	}
	video, ok := p.VideoTrack()
	if !ok || video.Codec != "h264" {
		t.Errorf("video track = %+v, want h264", video)
	}
}

func TestParseFFprobeErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "garbage input",
			input:   "not json at all",
			wantErr: ErrUnreadable,
		},
		{
			name:    "subtitle only",
			input:   `{"streams":[{"index":0,"codec_name":"subrip","codec_type":"subtitle"}],"format":{"format_name":"matroska","duration":"10.0"}}`,
			wantErr: ErrNoPlayableStreams,
		},
		{
			name:    "no streams",
			input:   `{"streams":[],"format":{"format_name":"mp4","duration":"0"}}`,
			wantErr: ErrNoPlayableStreams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFFprobe([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("parseFFprobe error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeContainer(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mov,mp4,m4a,3gp,3g2,mj2", "mp4"},
		{"matroska,webm", "mkv"},
		{"webm", "webm"},
		{"avi", "avi"},
		{"mpegts,ts", "mpegts"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := normalizeContainer(tt.in); got != tt.want {
			t.Errorf("normalizeContainer(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// fakeCache records puts and serves a canned probe.
type fakeCache struct {
	probes map[string]*MediaProbe
	puts   int
}

func (f *fakeCache) GetProbe(_ context.Context, hash string) (*MediaProbe, bool, error) {
	p, ok := f.probes[hash]
	return p, ok, nil
}

func (f *fakeCache) PutProbe(_ context.Context, hash string, p *MediaProbe) error {
	f.puts++
	f.probes[hash] = p
	return nil
}

func TestProbeUsesCache(t *testing.T) {
	cached := &MediaProbe{Duration: 42, Container: "mp4", Tracks: []Track{{Type: TrackVideo, Codec: "h264"}}}
	cache := &fakeCache{probes: map[string]*MediaProbe{"abc123": cached}}

	p := NewProber(cache)
	got, err := p.Probe(context.Background(), "/nonexistent/file.mp4", "abc123")
	if err != nil {
		t.Fatalf("Probe returned error for cached hash: %v", err)
	}
	if got.Duration != 42 {
		t.Errorf("Probe returned %+v, want cached result", got)
	}
	if cache.puts != 0 {
		t.Errorf("cache.puts = %d, want 0 for a cache hit", cache.puts)
	}
}

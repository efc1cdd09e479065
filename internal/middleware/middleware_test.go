package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

func TestResponseWriterCapturesStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)

	rw.WriteHeader(http.StatusNotFound)
	n, err := rw.Write([]byte("not found"))
	if err != nil {
		t.Fatal(err)
	}

	if rw.statusCode != http.StatusNotFound {
		t.Errorf("statusCode = %d, want 404", rw.statusCode)
	}
	if rw.bytesWritten != int64(n) {
		t.Errorf("bytesWritten = %d, want %d", rw.bytesWritten, n)
	}

	// Second WriteHeader is ignored
	rw.WriteHeader(http.StatusOK)
	if rw.statusCode != http.StatusNotFound {
		t.Error("second WriteHeader overwrote the status")
	}
}

func TestShouldSkip(t *testing.T) {
	config := DefaultLoggingConfig()

	tests := []struct {
		path string
		want bool
	}{
		{"/stream/abc/720p/segment-00001.ts", true},
		{"/stream/abc/720p/index.m3u8", false},
		{"/stream/abc/master.m3u8", false},
		{"/subtitles/abc.vtt", true},
		{"/api/stats", false},
		{"/health", false}, // LogHealthChecks defaults to true
	}

	for _, tt := range tests {
		if got := shouldSkip(tt.path, config); got != tt.want {
			t.Errorf("shouldSkip(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	config.LogHealthChecks = false
	if !shouldSkip("/health", config) {
		t.Error("health check not skipped when LogHealthChecks=false")
	}

	config.LogStaticFiles = true
	if shouldSkip("/stream/abc/720p/segment-00001.ts", config) {
		t.Error("segment skipped when LogStaticFiles=true")
	}
}

func TestSanitizeLogField(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "GET", "GET"},
		{"newline forging", "a\nGET /evil", "a GET /evil"},
		{"carriage return", "a\rb", "a b"},
		{"ansi escape", "a\x1b[31mred", "a[31mred"},
		{"null byte", "a\x00b", "ab"},
		{"tab preserved", "a\tb", "a\tb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeLogField(tt.input); got != tt.want {
				t.Errorf("sanitizeLogField(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "192.0.2.1:54321",
			want:       "192.0.2.1",
		},
		{
			name:       "x-forwarded-for single",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5"},
			want:       "203.0.113.5",
		},
		{
			name:       "x-forwarded-for chain takes first",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.2"},
			want:       "203.0.113.5",
		},
		{
			name:       "x-real-ip",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Real-IP": "198.51.100.7"},
			want:       "198.51.100.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := getClientIP(r); got != tt.want {
				t.Errorf("getClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouteLabelUsesTemplate(t *testing.T) {
	router := mux.NewRouter()
	var label string
	router.HandleFunc("/stream/{fileId}/{rendition}/{segment}", func(w http.ResponseWriter, r *http.Request) {
		label = routeLabel(r)
	})

	req := httptest.NewRequest("GET", "/stream/abc123/720p/segment-00042.ts", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	if label != "/stream/{fileId}/{rendition}/{segment}" {
		t.Errorf("routeLabel = %q, want route template", label)
	}
}

func TestTrimPathCapsCardinality(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/stats", "/api/stats"},
		{"/a/b/c", "/a/b/c"},
		{"/a/b/c/d/e/f", "/a/b/c/{path}"},
	}

	for _, tt := range tests {
		if got := trimPath(tt.path); got != tt.want {
			t.Errorf("trimPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestMetricsMiddlewarePassesThrough(t *testing.T) {
	handler := Metrics(DefaultMetricsConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}

func TestCompressionCompressesManifests(t *testing.T) {
	manifest := strings.Repeat("#EXTINF:6.000,\nsegment-00001.ts\n", 100)
	handler := Compression(DefaultCompressionConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		if _, err := w.Write([]byte(manifest)); err != nil {
			t.Error(err)
		}
	}))

	req := httptest.NewRequest("GET", "/stream/abc/720p/index.m3u8", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}

	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != manifest {
		t.Error("decompressed body does not match original")
	}
}

func TestCompressionSkipsSegments(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	handler := Compression(DefaultCompressionConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		if _, err := w.Write([]byte(payload)); err != nil {
			t.Error(err)
		}
	}))

	req := httptest.NewRequest("GET", "/stream/abc/720p/segment-00001.ts", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Error("segment response was gzip compressed")
	}
	if rec.Body.String() != payload {
		t.Error("segment body modified")
	}
}

func TestCompressionSkipsSmallResponses(t *testing.T) {
	handler := Compression(DefaultCompressionConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"ok":true}`)); err != nil {
			t.Error(err)
		}
	}))

	req := httptest.NewRequest("GET", "/api/stats", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Error("small response was compressed")
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestCompressionRespectsAcceptEncoding(t *testing.T) {
	payload := strings.Repeat("compressible text ", 200)
	handler := Compression(DefaultCompressionConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if _, err := w.Write([]byte(payload)); err != nil {
			t.Error(err)
		}
	}))

	req := httptest.NewRequest("GET", "/api/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Error("compressed without Accept-Encoding: gzip")
	}
}

package mediatypes

import (
	"path/filepath"
	"strings"
)

// FileType represents the type of a media file.
type FileType string

const (
	// FileTypeVideo represents a video file.
	FileTypeVideo FileType = "video"
	// FileTypeSubtitle represents a standalone subtitle file.
	FileTypeSubtitle FileType = "subtitle"
	// FileTypeOther represents an unknown or unsupported file type.
	FileTypeOther FileType = "other"
)

// VideoExtensions maps file extensions to whether they are supported video formats.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpeg": true,
	".mpg":  true,
	".3gp":  true,
	".ts":   true,
}

// SubtitleExtensions maps file extensions to whether they are supported
// sidecar subtitle formats.
var SubtitleExtensions = map[string]bool{
	".srt": true,
	".vtt": true,
	".ass": true,
	".ssa": true,
	".sub": true,
}

// MimeTypes maps file extensions to their MIME types.
var MimeTypes = map[string]string{
	// Videos
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".3gp":  "video/3gpp",
	".ts":   "video/mp2t",

	// Subtitles
	".srt": "application/x-subrip",
	".vtt": "text/vtt",
	".ass": "text/x-ssa",
	".ssa": "text/x-ssa",
	".sub": "text/plain",

	// HLS
	".m3u8": "application/vnd.apple.mpegurl",
}

// GetFileType returns the FileType for a given file extension.
// The extension should be lowercase and include the leading dot (e.g., ".mp4").
// Returns FileTypeOther if the extension is not recognized.
func GetFileType(ext string) FileType {
	if VideoExtensions[ext] {
		return FileTypeVideo
	}
	if SubtitleExtensions[ext] {
		return FileTypeSubtitle
	}
	return FileTypeOther
}

// GetMimeType returns the MIME type for a given file extension.
// The extension should be lowercase and include the leading dot (e.g., ".mp4").
// Returns "application/octet-stream" if the extension is not recognized.
func GetMimeType(ext string) string {
	if mime, ok := MimeTypes[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// IsVideoFile returns true if the path has a supported video extension.
func IsVideoFile(path string) bool {
	return VideoExtensions[normalizeExt(path)]
}

// IsMediaFile returns true if the extension represents a supported media file.
func IsMediaFile(ext string) bool {
	return GetFileType(ext) != FileTypeOther
}

func normalizeExt(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// Package ffmpeg builds and runs ffmpeg invocations for rendition
// encodes and subtitle extraction. Command construction is pure and
// separately testable; process execution lives behind the Runner
// interface so the worker pool can be tested without a binary.
package ffmpeg

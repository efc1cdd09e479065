// Package playback tracks a viewer's session against renditions that
// may still be encoding. A Controller loads a file, polls a bounded
// number of times for a servable rendition, and reports Ready when
// the preferred rendition has segments or Degraded when playback has
// to fall back to another rendition or wait for the encoder.
package playback

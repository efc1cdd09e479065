// Package cache is the content-addressed store for encoded rendition
// artifacts. Keys are derived from the source content hash, the
// rendition label, and the encode plan fingerprint, so an entry can
// never be stale relative to the bytes it was encoded from. Entries
// are filled segment by segment and become immutable once their
// manifest is written.
package cache

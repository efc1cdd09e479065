// Package probe inspects source media files and extracts the
// container, duration and track facts the delivery planner needs.
//
// Probing shells out to ffprobe and decodes its JSON output. Results
// are immutable and cached by content hash, so re-uploading identical
// bytes never triggers a second ffprobe run.
package probe

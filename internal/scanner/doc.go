// Package scanner reconciles the media directory with the registered
// library. It periodically walks the directory, ingests new or changed
// videos at backlog priority, and tears down registrations whose
// source file has vanished from disk.
package scanner

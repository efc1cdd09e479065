// Package mediatypes defines shared types and extension tables for
// classifying files found in the media library.
package mediatypes

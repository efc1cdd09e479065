// Package logging provides leveled logging for the media server.
//
// It is a thin facade over logrus with the level taken from the
// LOG_LEVEL environment variable (or DEBUG=true as a shortcut for
// debug level). All packages in this module log through it so output
// formatting stays consistent.
package logging

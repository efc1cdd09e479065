// Package streaming provides timeout-protected writing of media bytes
// to HTTP clients. A TimeoutWriter cuts loose clients that stop
// reading, so a stalled segment download cannot pin a handler
// goroutine or an open file for long.
package streaming

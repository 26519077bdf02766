/*
Package logging wraps the standard log package with the bracketed-level
tags this codebase has always used ([INFO], [FAIL], [ERROR]), colorized
with ANSI codes (whether or not the output is a terminal), and stamped with a per-run session ID so
concurrent or repeated runs stay distinguishable in the log stream.
*/
package logging

import (
	"log"

	"github.com/google/uuid"
	"github.com/mitchellh/colorstring"
)

// Session tags every log line emitted through it with a short correlation
// ID, unique per download run.
type Session struct {
	id string
}

// NewSession mints a session with a fresh correlation ID.
func NewSession() *Session {
	return &Session{id: uuid.NewString()[:8]}
}

// Info logs a routine event.
func (s *Session) Info(format string, args ...interface{}) {
	s.logf("[green][INFO][reset]", format, args...)
}

// Fail logs a recoverable failure (a dropped peer, a tracker miss).
func (s *Session) Fail(format string, args ...interface{}) {
	s.logf("[yellow][FAIL][reset]", format, args...)
}

// Error logs an unrecoverable or noteworthy error.
func (s *Session) Error(format string, args ...interface{}) {
	s.logf("[red][ERROR][reset]", format, args...)
}

func (s *Session) logf(tag, format string, args ...interface{}) {
	line := colorstring.Color(tag) + "\t" + s.id + "\t" + format
	log.Printf(line, args...)
}

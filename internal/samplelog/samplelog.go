// Package samplelog logs forwarded request and response bodies at a
// configurable sampling rate.
package samplelog

import (
	"log/slog"
	"math/rand/v2"
	"strings"
	"unicode/utf8"
)

// emptyBody is logged in place of a body with no bytes.
const emptyBody = "<empty>"

// Decider reports whether a single log event should be written.
type Decider func() bool

// Always logs every event.
func Always() bool { return true }

// Never drops every event.
func Never() bool { return false }

// Rate returns a Decider that logs each event independently with probability r.
func Rate(r float64) Decider {
	switch {
	case r >= 1:
		return Always
	case r <= 0:
		return Never
	}
	return func() bool { return rand.Float64() < r }
}

// Logger writes sampled request and response lines.
type Logger struct {
	logger *slog.Logger
	decide Decider
}

// New creates a Logger. A nil decide logs everything.
func New(logger *slog.Logger, decide Decider) *Logger {
	if decide == nil {
		decide = Always
	}
	return &Logger{
		logger: logger.With("component", "sample_log"),
		decide: decide,
	}
}

// Request logs an outbound request when sampled.
func (l *Logger) Request(method, url string, body []byte) {
	defer guard()
	if !l.decide() {
		return
	}
	l.logger.Info("request",
		"method", method,
		"url", url,
		"body", DecodeBody(body),
	)
}

// Response logs an upstream response when sampled. The decision is made
// independently of the one taken for the matching request.
func (l *Logger) Response(status int, body []byte) {
	defer guard()
	if !l.decide() {
		return
	}
	l.logger.Info("response",
		"status", status,
		"body", DecodeBody(body),
	)
}

// DecodeBody renders a body as text, replacing each invalid UTF-8 sequence
// with U+FFFD.
func DecodeBody(b []byte) string {
	if len(b) == 0 {
		return emptyBody
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// guard swallows panics from handlers so logging never affects forwarding.
func guard() {
	_ = recover()
}

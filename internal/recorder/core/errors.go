package core

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrSessionActive is returned when Start is called while a session is still running.
	ErrSessionActive = errors.New("a recording session is already active")
	// ErrUnknownSession is returned for handles this manager never issued.
	ErrUnknownSession = errors.New("unknown session handle")
	// ErrNotRecording is returned by Pause/Resume outside of the recording states.
	ErrNotRecording = errors.New("session is not recording")
)

// ConfigError rejects a SessionConfig before any goroutine starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Reason
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CaptureFailure reports a lost screen source.
type CaptureFailure struct {
	Err error
}

func (e *CaptureFailure) Error() string { return "screen capture failed: " + e.Err.Error() }
func (e *CaptureFailure) Unwrap() error { return e.Err }
func (e *CaptureFailure) Cause() error  { return e.Err }

// AudioFailure reports a disconnected or unreadable audio device.
type AudioFailure struct {
	Err error
}

func (e *AudioFailure) Error() string { return "audio capture failed: " + e.Err.Error() }
func (e *AudioFailure) Unwrap() error { return e.Err }
func (e *AudioFailure) Cause() error  { return e.Err }

// BufferOverflow is a warning: the audio queue stayed full for longer than
// the configured threshold. It never fails a session.
type BufferOverflow struct {
	Queue   string
	Blocked int64 // nanoseconds the producer was held
}

func (e *BufferOverflow) Error() string {
	return fmt.Sprintf("%s queue persistently full (producer blocked %dms)", e.Queue, e.Blocked/1e6)
}

// EncodingFailure carries the encoder's exit status and the tail of its diagnostics.
type EncodingFailure struct {
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *EncodingFailure) Error() string {
	msg := "encoding failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}

func (e *EncodingFailure) Unwrap() error { return e.Err }

// Reason returns a short label for a session failure, used in status reports.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var (
		ce *ConfigError
		cf *CaptureFailure
		af *AudioFailure
		ef *EncodingFailure
	)
	switch {
	case errors.As(err, &ce):
		return "ConfigError"
	case errors.As(err, &cf):
		return "CaptureFailure"
	case errors.As(err, &af):
		return "AudioFailure"
	case errors.As(err, &ef):
		return "EncodingFailure"
	default:
		return "InternalError"
	}
}

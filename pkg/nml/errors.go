package nml

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid is matched by configuration errors caused by a bad line.
	ErrInvalid = errors.New("nml: invalid configuration")

	// ErrDuplicateName is matched when a file defines a name another loaded file already owns.
	ErrDuplicateName = errors.New("nml: duplicate name")

	// ErrNotLoaded is matched when unloading a file the registry never loaded.
	ErrNotLoaded = errors.New("nml: file not loaded")

	// ErrMalformedLine is matched by every LineError.
	ErrMalformedLine = errors.New("nml: malformed line")
)

// ErrorKind classifies a ConfigError.
type ErrorKind int

const (
	Invalid ErrorKind = iota + 1
	DuplicateName
	NotLoaded
)

func (k ErrorKind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case DuplicateName:
		return "duplicate name"
	case NotLoaded:
		return "not loaded"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case Invalid:
		return ErrInvalid
	case DuplicateName:
		return ErrDuplicateName
	case NotLoaded:
		return ErrNotLoaded
	default:
		return nil
	}
}

// ConfigError is returned by registry Load and Unload.
// Line is 1-based and zero when the error is not tied to a line.
type ConfigError struct {
	Kind   ErrorKind
	File   string
	Line   int
	Name   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	msg := fmt.Sprintf("nml: %s: %s", loc, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the sentinel for e.Kind.
func (e *ConfigError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LineError describes why a single line could not be parsed.
type LineError struct {
	Keyword string
	Reason  string
}

func (e *LineError) Error() string {
	if e.Keyword == "" {
		return "nml: malformed line: " + e.Reason
	}
	return fmt.Sprintf("nml: malformed %s line: %s", e.Keyword, e.Reason)
}

func (e *LineError) Unwrap() error { return ErrMalformedLine }

func malformed(keyword, format string, args ...interface{}) *LineError {
	return &LineError{Keyword: keyword, Reason: fmt.Sprintf(format, args...)}
}

package cms

import (
	"errors"
	"fmt"
)

// Channel construction errors. They are returned wrapped in a *TransportError.
var (
	ErrUnknownBuffer  = errors.New("cms: unknown buffer")
	ErrUnknownProcess = errors.New("cms: unknown process")
	ErrConnectFailed  = errors.New("cms: connect failed")
	ErrAlreadyBound   = errors.New("cms: already bound")
)

// Per-message errors. A real-time caller drops the message or retries next cycle.
var (
	ErrTooLarge    = errors.New("cms: message larger than buffer")
	ErrTorn        = errors.New("cms: torn read")
	ErrNoTransport = errors.New("cms: no transport")
	ErrBusy        = errors.New("cms: slot held by another writer")
)

// TransportError reports why Factory.Create could not build a channel.
// errors.Is matches both Kind and the underlying Cause.
type TransportError struct {
	Buffer  string
	Process string
	Kind    error
	Cause   error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s (buffer %q, process %q)", e.Kind, e.Buffer, e.Process)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func transportErr(kind error, buffer, process string, cause error) error {
	return &TransportError{Buffer: buffer, Process: process, Kind: kind, Cause: cause}
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/kscan/lib/backend"
	"io"
	"net"
	"syscall"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// ErrCode classifies every failure the executor (and the scanner on top of it)
// can report. The set is closed: any error is mapped to exactly one code.
type ErrCode uint8

const (
	// ErrCTransient is a timeout or a temporarily exhausted pool, retried locally
	ErrCTransient ErrCode = iota + 1
	// ErrCConnectionLost means the handle is unusable and a reconnect is needed
	ErrCConnectionLost
	// ErrCMalformedResponse is a reply with an unexpected shape
	ErrCMalformedResponse
	// ErrCUnsafeFallback is a refused bulk listing above the safe size threshold
	ErrCUnsafeFallback
	// ErrCCommand means the server rejected the command (error reply)
	ErrCCommand
	// ErrCCanceled means the caller's context was canceled
	ErrCCanceled
)

func (c ErrCode) String() string {
	switch c {
	case ErrCTransient:
		return "Transient"
	case ErrCConnectionLost:
		return "ConnectionLost"
	case ErrCMalformedResponse:
		return "MalformedResponse"
	case ErrCUnsafeFallback:
		return "UnsafeFallback"
	case ErrCCommand:
		return "Command"
	case ErrCCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Error is the typed failure returned by the executor
type Error struct {
	Code ErrCode // The failure class
	Cmd  string  // The command name, may be empty
	Err  error   // The underlying error, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Cmd != "" && e.Err != nil:
		return fmt.Sprintf("%s (code %s): %v", e.Cmd, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("code %s: %v", e.Code, e.Err)
	case e.Cmd != "":
		return fmt.Sprintf("%s (code %s)", e.Cmd, e.Code)
	default:
		return fmt.Sprintf("code %s", e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new Error with the given code
func NewError(code ErrCode, cmd string, err error) *Error {
	return &Error{Code: code, Cmd: cmd, Err: err}
}

// CodeOf returns the code of err. Errors that are not an *Error are classified.
func CodeOf(err error) ErrCode {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return classify(err)
}

// IsConnectionLost reports whether err requires a reconnect
func IsConnectionLost(err error) bool {
	return err != nil && CodeOf(err) == ErrCConnectionLost
}

// IsTransient reports whether err may succeed when retried on the same handle
func IsTransient(err error) bool {
	return err != nil && CodeOf(err) == ErrCTransient
}

// --------------------------------------------------------------------------
// Classification
// --------------------------------------------------------------------------

// classify maps a raw backend error to a code. It relies on error identity and
// types only, never on message text.
func classify(err error) ErrCode {
	switch {
	case backend.IsReplyError(err):
		return ErrCCommand
	case errors.Is(err, context.Canceled):
		return ErrCCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, backend.ErrPoolTimeout):
		return ErrCTransient
	case errors.Is(err, backend.ErrConnClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return ErrCConnectionLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrCTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrCConnectionLost
	}
	return ErrCTransient
}

package adapter

import (
	"errors"
	"fmt"

	"github.com/roach88/ihop/internal/protocol"
)

// SessionError is a failure of one adapter session.
//
// Session errors include:
//   - Protocol: malformed reply, mismatched seq, wrong result count, unsolicited output
//   - Timeout: no reply within the call deadline
//   - Crash: the adapter's output closed or its process exited
//   - Precondition: the caller used the session out of order
//   - Rejected: the adapter answered ok:false to a dialect
//   - Config: the adapter speaks another IHOP version or is not ready
//
// Protocol, Timeout, Crash and Config are fatal to the session. Rejected
// affects one dialect block only. Precondition is a caller bug and leaves the
// session untouched.
type SessionError struct {
	// Kind identifies the failure category.
	Kind ErrorKind

	// Implementation is the roster name of the adapter.
	Implementation string

	// Command is the request that was outstanding, if any.
	Command protocol.Command

	// Message is a human-readable description.
	Message string

	// Stderr is the tail of the adapter's stderr when the failure happened.
	Stderr string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorKind categorizes session errors.
type ErrorKind string

const (
	KindProtocol     ErrorKind = "protocol"
	KindTimeout      ErrorKind = "timeout"
	KindCrash        ErrorKind = "crash"
	KindPrecondition ErrorKind = "precondition"
	KindRejected     ErrorKind = "rejected"
	KindConfig       ErrorKind = "config"
)

// Error implements the error interface.
func (e *SessionError) Error() string {
	msg := fmt.Sprintf("%s: %s error", e.Implementation, e.Kind)
	if e.Command != "" {
		msg += " during " + string(e.Command)
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Detail is the message and cause without the implementation and kind
// prefix, as recorded on report cells.
func (e *SessionError) Detail() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the session is unusable after this error.
func (e *SessionError) Fatal() bool {
	switch e.Kind {
	case KindProtocol, KindTimeout, KindCrash, KindConfig:
		return true
	}
	return false
}

func kindOf(err error) (ErrorKind, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsTimeout returns true if err is (or wraps) a timeout session error.
func IsTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTimeout
}

// IsCrash returns true if err is (or wraps) a crash session error.
func IsCrash(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindCrash
}

// IsProtocol returns true if err is (or wraps) a protocol violation.
func IsProtocol(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindProtocol
}

// IsPrecondition returns true if err is (or wraps) a misuse of the session.
func IsPrecondition(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPrecondition
}

// IsRejected returns true if err is (or wraps) a dialect rejection.
func IsRejected(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRejected
}

// IsConfig returns true if err is (or wraps) a version or readiness mismatch.
func IsConfig(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConfig
}

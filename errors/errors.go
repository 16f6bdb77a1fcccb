// Package errors provides the error types of the plugin hosting subsystem.
// All error types support unwrapping via errors.As() and errors.Is().
package errors

import (
	stdErrors "errors"
	"fmt"
	"time"
)

// ErrorDetail is the structured form of an error as it crosses the control
// channel between host and server.
type ErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	IsTimeout bool   `json:"is_timeout,omitempty"`
}

func (e *ErrorDetail) Error() string {
	return e.Message
}

// DetailedError is implemented by error types that can convert themselves to
// a structured ErrorDetail. New error types only need to implement this
// interface without modifying ToErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *ErrorDetail
}

// ToErrorDetail converts a Go error to a structured ErrorDetail.
func ToErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}

	var e *ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	return &ErrorDetail{Message: err.Error(), Type: "internal"}
}

// SpawnError represents a failure to start or connect to the server process.
type SpawnError struct {
	Err        error
	Executable string
	Stage      string // "start", "connect", "handshake"
}

func (e *SpawnError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("spawn %s failed for %s: %v", e.Stage, e.Executable, e.Err)
	}
	return fmt.Sprintf("spawn failed for %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *SpawnError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "spawn", Code: e.Stage}
}

// LoadError represents a plugin load failure: file not found, unrecognized
// format, or a rejection by the plugin's own initialization.
type LoadError struct {
	Err    error
	Path   string
	Stage  string // "scanning", "opening", "factory", "instantiation", "initialization", "setup", "activation"
	Reason string
}

func (e *LoadError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("load failed for %s at %s: %s", e.Path, e.Stage, e.Reason)
	}
	return fmt.Sprintf("load failed for %s at %s: %v", e.Path, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *LoadError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "load", Code: e.Stage}
}

// ProtocolError represents a malformed, out-of-order, or oversized control
// channel message.
type ProtocolError struct {
	Err     error
	Message string // offending message tag, when known
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("protocol violation in %s: %s", e.Message, e.reason())
	}
	return fmt.Sprintf("protocol violation: %s", e.reason())
}

func (e *ProtocolError) reason() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprint(e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ProtocolError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "protocol", Code: e.Message}
}

// TimeoutError represents a bounded wait that expired, most importantly a
// process cycle exceeding its deadline.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// ToErrorDetail implements DetailedError.
func (e *TimeoutError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "timeout", Code: e.Operation, IsTimeout: true}
}

// CrashError represents operations attempted against an instance whose server
// process terminated abnormally or stopped responding.
type CrashError struct {
	Reason string // "timeout", "signal", "exit", "disconnect"
	Detail string
	PID    int
}

func (e *CrashError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("plugin process crashed (%s, pid %d): %s", e.Reason, e.PID, e.Detail)
	}
	return fmt.Sprintf("plugin process crashed (%s, pid %d)", e.Reason, e.PID)
}

// ToErrorDetail implements DetailedError.
func (e *CrashError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "crash", Code: e.Reason}
}

// CancelledError represents an operation abandoned because of an orderly
// shutdown, not a failure of the instance.
type CancelledError struct {
	Operation string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled by shutdown", e.Operation)
}

// ToErrorDetail implements DetailedError.
func (e *CancelledError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "cancelled", Code: e.Operation}
}

// StateError represents an operation invoked while the instance was in a
// state that does not permit it.
type StateError struct {
	Operation string
	State     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Operation, e.State)
}

// ToErrorDetail implements DetailedError.
func (e *StateError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "state", Code: e.Operation}
}

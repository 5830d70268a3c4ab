// Package kernelerr defines the error taxonomy shared by the socket,
// connection and session layers.
//
// Callers match failures with errors.Is against the sentinels below, or
// errors.As against the structured types when they need the details.
package kernelerr

import (
	"errors"
	"fmt"
	"time"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrDisposed          = errors.New("kernel connection disposed")
	ErrSessionDisposed   = errors.New("session disposed, please restart")
	ErrTimeout           = errors.New("operation timed out")
	ErrConnectTimedOut   = errors.New("kernel connect timed out")
	ErrInterruptTimedOut = errors.New("kernel interrupt timed out")
	ErrKernelDied        = errors.New("kernel died")
	ErrSocketClosed      = errors.New("kernel socket closed")
)

// ── Structured error types ───────────────────────────────────────────

// TimeoutError reports an operation that did not finish in time.
type TimeoutError struct {
	Op      string // "connect", "interrupt", "shutdown", "kernel_info"
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// Is matches ErrTimeout for every op and the op-specific sentinel.
func (e *TimeoutError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return true
	case ErrConnectTimedOut:
		return e.Op == "connect"
	case ErrInterruptTimedOut:
		return e.Op == "interrupt"
	}
	return false
}

// KernelDiedError reports that the kernel process exited underneath a
// live connection.
type KernelDiedError struct {
	ExitCode int
	Reason   string
}

func (e *KernelDiedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("kernel died (exit code %d): %s", e.ExitCode, e.Reason)
	}
	return fmt.Sprintf("kernel died (exit code %d)", e.ExitCode)
}

func (e *KernelDiedError) Is(target error) bool { return target == ErrKernelDied }

// StartError wraps a failure to launch or connect to a kernel.
type StartError struct {
	Kernel string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start kernel %s: %v", e.Kernel, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ProtocolError reports a message that could not be decoded or sent on a
// kernel channel.
type ProtocolError struct {
	Channel string
	MsgType string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.MsgType != "" {
		return fmt.Sprintf("%s %s: %v", e.Channel, e.MsgType, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Channel, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ── Classification helpers ───────────────────────────────────────────

// IsTimeout reports whether err is any kind of timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsDisposed reports whether err means the connection or session is gone.
func IsDisposed(err error) bool {
	return errors.Is(err, ErrDisposed) || errors.Is(err, ErrSessionDisposed) || errors.Is(err, ErrKernelDied)
}

package kernelerr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTimeoutErrorMatching(t *testing.T) {
	interrupt := fmt.Errorf("session: %w", &TimeoutError{Op: "interrupt", Timeout: time.Second})
	if !errors.Is(interrupt, ErrTimeout) {
		t.Error("interrupt timeout should match ErrTimeout")
	}
	if !errors.Is(interrupt, ErrInterruptTimedOut) {
		t.Error("interrupt timeout should match ErrInterruptTimedOut")
	}
	if errors.Is(interrupt, ErrConnectTimedOut) {
		t.Error("interrupt timeout should not match ErrConnectTimedOut")
	}

	connect := &TimeoutError{Op: "connect", Timeout: 30 * time.Second}
	if !errors.Is(connect, ErrConnectTimedOut) {
		t.Error("connect timeout should match ErrConnectTimedOut")
	}
	if !IsTimeout(connect) {
		t.Error("IsTimeout(connect) = false")
	}

	var te *TimeoutError
	if !errors.As(interrupt, &te) || te.Timeout != time.Second {
		t.Errorf("errors.As: got %+v", te)
	}
}

func TestKernelDiedError(t *testing.T) {
	err := fmt.Errorf("execute: %w", &KernelDiedError{ExitCode: 137, Reason: "killed"})
	if !errors.Is(err, ErrKernelDied) {
		t.Fatal("should match ErrKernelDied")
	}
	if !IsDisposed(err) {
		t.Fatal("kernel death counts as disposed")
	}
	var kd *KernelDiedError
	if !errors.As(err, &kd) || kd.ExitCode != 137 {
		t.Fatalf("errors.As: got %+v", kd)
	}
}

func TestStartErrorUnwrap(t *testing.T) {
	cause := errors.New("exec: python: not found")
	err := &StartError{Kernel: "python3", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("StartError should unwrap to its cause")
	}
	if got := err.Error(); got != "failed to start kernel python3: exec: python: not found" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestProtocolError(t *testing.T) {
	cause := errors.New("bad frame")
	err := &ProtocolError{Channel: "shell", MsgType: "execute_reply", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("ProtocolError should unwrap to its cause")
	}
	if got := err.Error(); got != "shell execute_reply: bad frame" {
		t.Fatalf("Error() = %q", got)
	}
}

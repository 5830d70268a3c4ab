package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/codewiresh/jupyterwire/internal/kernel"
	"github.com/codewiresh/jupyterwire/internal/kernelerr"
	"github.com/codewiresh/jupyterwire/internal/launcher"
)

func launchShell(t *testing.T, script string) *rawKernel {
	t.Helper()
	l := launcher.NewProcessLauncher(launcher.Config{RuntimeDir: t.TempDir(), ShutdownGrace: time.Second})
	spec := &launcher.KernelSpec{Name: "sh", Argv: []string{"sh", "-c", script}}
	proc, err := l.Launch(context.Background(), spec, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { proc.Dispose(context.Background()) })
	return &rawKernel{proc: proc, spec: spec, log: slog.Default()}
}

// ---------------------------------------------------------------------------
// Socket loss
// ---------------------------------------------------------------------------

func TestSocketLossReportsExitStatus(t *testing.T) {
	k := launchShell(t, "sleep 0.2; exit 3")
	sock := newFakeSocket()
	conn := kernel.NewConnection(sock, kernel.WithSocketLossReason(func() error { return k.socketLost(5 * time.Second) }))
	t.Cleanup(func() { conn.Dispose(nil) })

	f, err := conn.RequestExecute(context.Background(), "hang", kernel.DefaultExecuteOptions(), kernel.RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// The peer vanishes while the process is still being reaped.
	sock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	var died *kernelerr.KernelDiedError
	if !errors.As(err, &died) || died.ExitCode != 3 {
		t.Fatalf("pending execute rejected with %v, want exit code 3", err)
	}
	if !errors.As(conn.Err(), &died) {
		t.Fatalf("connection disposed with %v", conn.Err())
	}
}

func TestSocketLossWithLiveProcess(t *testing.T) {
	k := launchShell(t, "sleep 30")
	err := k.socketLost(50 * time.Millisecond)
	if !errors.Is(err, kernelerr.ErrSocketClosed) || !errors.Is(err, kernelerr.ErrDisposed) {
		t.Fatalf("socketLost = %v, want disposed by socket close", err)
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewiresh/jupyterwire/internal/kernel"
	"github.com/codewiresh/jupyterwire/internal/kernelerr"
	"github.com/codewiresh/jupyterwire/internal/launcher"
	"github.com/codewiresh/jupyterwire/internal/rawsocket"
	"github.com/codewiresh/jupyterwire/internal/retry"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// Kernel is one running kernel together with the connection talking to it.
type Kernel interface {
	Connection() *kernel.Connection
	Spec() *launcher.KernelSpec
	// Exited is closed when the kernel process is gone.
	Exited() <-chan struct{}
	// ExitErr describes why the kernel exited. Only meaningful after Exited.
	ExitErr() error
	// Interrupt interrupts the running execution, by signal or by
	// interrupt_request depending on the kernel spec.
	Interrupt(ctx context.Context) error
	// Info is the content of the kernel_info_reply seen at connect time.
	Info() map[string]any
}

// Transport creates and destroys kernels. A Session owns exactly one
// Transport and never looks beneath the Kernel interface.
type Transport interface {
	Connect(ctx context.Context, spec *launcher.KernelSpec, interp *launcher.Interpreter) (Kernel, error)
	// CreateRestartKernel builds a replacement kernel for spec. It is used
	// both for restarts and for the warm standby.
	CreateRestartKernel(ctx context.Context, spec *launcher.KernelSpec, interp *launcher.Interpreter) (Kernel, error)
	ShutdownKernel(ctx context.Context, k Kernel) error
}

// ---------------------------------------------------------------------------
// Raw ZeroMQ transport
// ---------------------------------------------------------------------------

// RawConfig configures a RawTransport.
type RawConfig struct {
	Launcher   launcher.Launcher
	WorkingDir string
	// Dialer overrides how channel sockets are opened. Defaults to ZeroMQ.
	Dialer   rawsocket.Dialer
	Username string
	// HandshakeTimeout bounds the kernel_info exchange after the ports are
	// open. Default 30s.
	HandshakeTimeout time.Duration
	// ShutdownGrace is how long a kernel gets to answer shutdown_request
	// before its process is terminated. Default 3s.
	ShutdownGrace time.Duration
	Logger        *slog.Logger
}

// RawTransport launches local kernel processes and talks to them over raw
// ZeroMQ sockets.
type RawTransport struct {
	cfg RawConfig
}

// NewRawTransport fills in defaults for cfg.
func NewRawTransport(cfg RawConfig) *RawTransport {
	if cfg.Dialer == nil {
		cfg.Dialer = rawsocket.DialZMQ
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RawTransport{cfg: cfg}
}

// Connect launches spec and returns once the kernel has answered a
// kernel_info_request. Everything created along the way is torn down on
// failure.
func (t *RawTransport) Connect(ctx context.Context, spec *launcher.KernelSpec, interp *launcher.Interpreter) (Kernel, error) {
	log := t.cfg.Logger.With("kernel", spec.Name)

	proc, err := t.cfg.Launcher.Launch(ctx, spec, t.cfg.WorkingDir, interp)
	if err != nil {
		return nil, err
	}
	k := &rawKernel{proc: proc, spec: spec, log: log}
	ok := false
	defer func() {
		if !ok {
			t.teardown(k)
		}
	}()

	for _, port := range []int{proc.Info.HBPort, proc.Info.ShellPort} {
		if err := proc.WaitForPort(ctx, port); err != nil {
			return nil, fmt.Errorf("waiting for kernel ports: %w", err)
		}
	}

	k.sock, err = rawsocket.Open(ctx, proc.Info,
		rawsocket.WithDialer(t.cfg.Dialer),
		rawsocket.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	grace := t.cfg.ShutdownGrace
	connOpts := []kernel.Option{
		kernel.WithLogger(log),
		kernel.WithSocketLossReason(func() error { return k.socketLost(grace) }),
	}
	if t.cfg.Username != "" {
		connOpts = append(connOpts, kernel.WithUsername(t.cfg.Username))
	}
	k.conn = kernel.NewConnection(k.sock, connOpts...)

	reply, err := t.handshake(ctx, k)
	if err != nil {
		return nil, err
	}
	k.info = reply.Content
	ok = true
	log.Info("kernel connected", "pid", proc.PID(), "implementation", reply.Content["implementation"])
	return k, nil
}

// CreateRestartKernel launches a fresh kernel for spec.
func (t *RawTransport) CreateRestartKernel(ctx context.Context, spec *launcher.KernelSpec, interp *launcher.Interpreter) (Kernel, error) {
	return t.Connect(ctx, spec, interp)
}

// handshake sends kernel_info_request until one is answered. Early requests
// can be lost while the kernel's sockets are still binding, so each attempt
// waits a little longer than the last.
func (t *RawTransport) handshake(ctx context.Context, k *rawKernel) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	var reply *wire.Message
	b := &retry.Backoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	err := b.Do(ctx, func(attempt int) error {
		select {
		case <-k.proc.Exited():
			return retry.Permanent(k.ExitErr())
		default:
		}
		f, err := k.conn.RequestKernelInfo(ctx)
		if err != nil {
			return retry.Permanent(err)
		}
		wait := min(time.Duration(attempt)*500*time.Millisecond, 5*time.Second)
		actx, acancel := context.WithTimeout(ctx, wait)
		defer acancel()

		select {
		case <-f.Done():
			if err := f.Err(); err != nil {
				return retry.Permanent(err)
			}
			reply = f.Reply()
			return nil
		case <-k.proc.Exited():
			f.Dispose()
			return retry.Permanent(k.ExitErr())
		case <-actx.Done():
			f.Dispose()
			return &kernelerr.TimeoutError{Op: "kernel_info", Timeout: wait}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("kernel_info handshake: %w", err)
	}
	return reply, nil
}

// ShutdownKernel asks the kernel to exit, then disposes the connection and
// terminates the process whether or not it answered.
func (t *RawTransport) ShutdownKernel(ctx context.Context, k Kernel) error {
	rk, ok := k.(*rawKernel)
	if !ok {
		return fmt.Errorf("kernel %T was not created by this transport", k)
	}
	if rk.conn != nil && !rk.conn.Disposed() {
		gctx, cancel := context.WithTimeout(ctx, t.cfg.ShutdownGrace)
		if f, err := rk.conn.RequestShutdown(gctx, false); err == nil {
			if _, err := f.Wait(gctx); err != nil {
				rk.log.Debug("shutdown_request not answered", "err", err)
			}
			select {
			case <-rk.proc.Exited():
			case <-gctx.Done():
			}
		}
		cancel()
	}
	return t.teardown(rk)
}

func (t *RawTransport) teardown(k *rawKernel) error {
	if k.conn != nil {
		k.conn.Dispose(kernelerr.ErrDisposed)
	} else if k.sock != nil {
		k.sock.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	return k.proc.Dispose(ctx)
}

// rawKernel is a kernel process plus its socket and connection.
type rawKernel struct {
	proc *launcher.Process
	spec *launcher.KernelSpec
	sock *rawsocket.KernelSocket
	conn *kernel.Connection
	info map[string]any
	log  *slog.Logger
}

func (k *rawKernel) Connection() *kernel.Connection { return k.conn }
func (k *rawKernel) Spec() *launcher.KernelSpec     { return k.spec }
func (k *rawKernel) Exited() <-chan struct{}        { return k.proc.Exited() }
func (k *rawKernel) Info() map[string]any           { return k.info }

func (k *rawKernel) ExitErr() error {
	e := &kernelerr.KernelDiedError{ExitCode: k.proc.ExitCode()}
	if err := k.proc.ExitErr(); err != nil {
		e.Reason = err.Error()
	}
	return e
}

// socketLost explains a socket that closed on its own. The transport sees
// the peer go away before the process is reaped, so it waits up to grace
// for the exit status that pending requests should fail with.
func (k *rawKernel) socketLost(grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-k.proc.Exited():
		return k.ExitErr()
	case <-timer.C:
		k.log.Warn("kernel socket closed while the process is still running")
		return fmt.Errorf("%w: %w", kernelerr.ErrDisposed, kernelerr.ErrSocketClosed)
	}
}

func (k *rawKernel) Interrupt(ctx context.Context) error {
	if !k.spec.InterruptByMessage() {
		if err := k.proc.Interrupt(); err != nil {
			if errors.Is(err, launcher.ErrExited) {
				return k.ExitErr()
			}
			return fmt.Errorf("signalling kernel: %w", err)
		}
		return nil
	}
	f, err := k.conn.RequestInterrupt(ctx)
	if err != nil {
		return err
	}
	if _, err := f.Wait(ctx); err != nil {
		return fmt.Errorf("interrupt_request: %w", err)
	}
	return nil
}

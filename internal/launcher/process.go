package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/codewiresh/jupyterwire/internal/retry"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// ErrExited is returned while waiting on a kernel that has already exited.
var ErrExited = errors.New("kernel process exited")

// Launcher starts kernel processes.
type Launcher interface {
	Launch(ctx context.Context, spec *KernelSpec, workingDir string, interp *Interpreter) (*Process, error)
}

// Config controls how ProcessLauncher starts kernels.
type Config struct {
	RuntimeDir      string        // connection files and output logs
	IP              string        // default 127.0.0.1
	Transport       string        // tcp or ipc, default tcp
	SignatureScheme string        // default hmac-sha256
	ShutdownGrace   time.Duration // SIGTERM to SIGKILL, default 5s
	Logger          *slog.Logger
}

// ProcessLauncher runs kernels as local child processes under a PTY.
type ProcessLauncher struct {
	cfg Config
}

// NewProcessLauncher fills in defaults for cfg.
func NewProcessLauncher(cfg Config) *ProcessLauncher {
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = filepath.Join(os.TempDir(), "jupyterwire")
	}
	if cfg.IP == "" {
		cfg.IP = "127.0.0.1"
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if cfg.SignatureScheme == "" {
		cfg.SignatureScheme = wire.DefaultSignatureScheme
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProcessLauncher{cfg: cfg}
}

// Launch writes a connection file and starts the kernel. The returned
// Process owns the connection file and must be disposed.
func (l *ProcessLauncher) Launch(ctx context.Context, spec *KernelSpec, workingDir string, interp *Interpreter) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.cfg.RuntimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating runtime dir: %w", err)
	}

	info := &wire.ConnectionInfo{
		Transport:       l.cfg.Transport,
		IP:              l.cfg.IP,
		SignatureScheme: l.cfg.SignatureScheme,
		Key:             uuid.NewString(),
		KernelName:      spec.Name,
	}
	if err := allocatePorts(info); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	connFile := filepath.Join(l.cfg.RuntimeDir, "kernel-"+id+".json")
	if err := info.WriteConnectionFile(connFile); err != nil {
		return nil, err
	}

	argv := buildArgv(spec, interp, connFile)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workingDir
	cmd.Env = buildEnv(spec, interp)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		os.Remove(connFile)
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	p := &Process{
		Spec:           spec,
		Info:           info,
		ConnectionFile: connFile,
		LogPath:        filepath.Join(l.cfg.RuntimeDir, "kernel-"+id+".log"),
		cmd:            cmd,
		ptmx:           ptmx,
		exitCode:       -1,
		exited:         make(chan struct{}),
		grace:          l.cfg.ShutdownGrace,
		log:            l.cfg.Logger.With("kernel", spec.Name, "pid", cmd.Process.Pid),
	}
	go p.readOutput()
	go p.wait()

	p.log.Info("kernel launched", "argv", strings.Join(argv, " "), "connection_file", connFile)
	return p, nil
}

// allocatePorts binds five ephemeral ports at once so they are distinct,
// then releases them for the kernel.
func allocatePorts(info *wire.ConnectionInfo) error {
	if info.Transport != "tcp" {
		info.ShellPort, info.IOPubPort, info.StdinPort, info.ControlPort, info.HBPort = 1, 2, 3, 4, 5
		return nil
	}
	var ls []net.Listener
	defer func() {
		for _, l := range ls {
			l.Close()
		}
	}()
	ports := make([]int, 5)
	for i := range ports {
		l, err := net.Listen("tcp", net.JoinHostPort(info.IP, "0"))
		if err != nil {
			return fmt.Errorf("allocating kernel port: %w", err)
		}
		ls = append(ls, l)
		ports[i] = l.Addr().(*net.TCPAddr).Port
	}
	info.ShellPort, info.IOPubPort, info.StdinPort, info.ControlPort, info.HBPort =
		ports[0], ports[1], ports[2], ports[3], ports[4]
	return nil
}

func buildArgv(spec *KernelSpec, interp *Interpreter, connFile string) []string {
	argv := make([]string, len(spec.Argv))
	for i, a := range spec.Argv {
		a = strings.ReplaceAll(a, "{connection_file}", connFile)
		a = strings.ReplaceAll(a, "{resource_dir}", spec.ResourceDir)
		argv[i] = a
	}
	if interp != nil && interp.Path != "" && isPython(argv[0]) {
		argv[0] = interp.Path
	}
	return argv
}

func isPython(exe string) bool {
	base := filepath.Base(exe)
	return base == "python" || base == "python3" || strings.HasPrefix(base, "python3.")
}

// buildEnv layers the spec env and interpreter env over ours. Variables
// that would confuse a child kernel are dropped.
func buildEnv(spec *KernelSpec, interp *Interpreter) []string {
	env := make([]string, 0, len(os.Environ())+8)
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "JPY_PARENT_PID=") || strings.HasPrefix(e, "JW_TOKEN=") {
			continue
		}
		env = append(env, e)
	}
	env = append(env, "JPY_PARENT_PID="+strconv.Itoa(os.Getpid()))
	if spec != nil {
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
	}
	if interp != nil {
		for k, v := range interp.Env {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// ---------------------------------------------------------------------------
// Process
// ---------------------------------------------------------------------------

// Process is a running kernel.
type Process struct {
	Spec           *KernelSpec
	Info           *wire.ConnectionInfo
	ConnectionFile string
	LogPath        string

	cmd   *exec.Cmd
	ptmx  *os.File
	grace time.Duration
	log   *slog.Logger

	mu       sync.Mutex
	exitCode int
	exitErr  error
	exited   chan struct{}

	disposeOnce sync.Once
	disposeErr  error
}

// PID returns the kernel process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Exited is closed when the process has exited.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitCode returns the exit code, or -1 before exit or when killed by a
// signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// ExitErr returns the error cmd.Wait reported, if any.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Interrupt sends SIGINT to the kernel's process group.
func (p *Process) Interrupt() error { return p.signal(syscall.SIGINT) }

func (p *Process) signal(sig syscall.Signal) error {
	select {
	case <-p.exited:
		return ErrExited
	default:
	}
	pid := p.PID()
	// pty.Start makes the kernel a session leader, so -pid is its group.
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

// Dispose terminates the kernel (SIGTERM, then SIGKILL after the grace
// period) and removes its connection file. Safe to call more than once.
func (p *Process) Dispose(ctx context.Context) error {
	p.disposeOnce.Do(func() {
		p.disposeErr = p.terminate(ctx)
		if err := os.Remove(p.ConnectionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("removing connection file", "path", p.ConnectionFile, "err", err)
		}
	})
	return p.disposeErr
}

func (p *Process) terminate(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.signal(syscall.SIGTERM); err != nil && !errors.Is(err, ErrExited) {
		p.log.Warn("SIGTERM failed", "err", err)
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	select {
	case <-p.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	p.log.Warn("kernel did not exit in time, killing")
	if err := p.signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrExited) {
		return fmt.Errorf("killing kernel: %w", err)
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("kernel pid %d did not exit after SIGKILL", p.PID())
	}
}

// WaitForPort polls addr until it accepts TCP connections, the process
// exits, or ctx ends.
func (p *Process) WaitForPort(ctx context.Context, port int) error {
	if p.Info.Transport != "tcp" {
		return nil
	}
	addr := net.JoinHostPort(p.Info.IP, strconv.Itoa(port))
	var d net.Dialer
	return retry.Probe().Do(ctx, func(attempt int) error {
		select {
		case <-p.exited:
			return retry.Permanent(fmt.Errorf("%w before opening %s (exit code %d)", ErrExited, addr, p.ExitCode()))
		default:
		}
		dctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		defer cancel()
		c, err := d.DialContext(dctx, "tcp", addr)
		if err != nil {
			return err
		}
		return c.Close()
	})
}

func (p *Process) readOutput() {
	logFile, err := os.OpenFile(p.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		p.log.Error("failed to open kernel log file", "path", p.LogPath, "err", err)
	} else {
		defer logFile.Close()
	}

	buf := make([]byte, 4096)
	for {
		n, readErr := p.ptmx.Read(buf)
		if n > 0 && logFile != nil {
			if _, wErr := logFile.Write(buf[:n]); wErr != nil {
				p.log.Error("kernel log write error", "err", wErr)
			}
		}
		if readErr != nil {
			if readErr != io.EOF && !isEIO(readErr) && !errors.Is(readErr, os.ErrClosed) {
				p.log.Error("kernel output read error", "err", readErr)
			}
			return
		}
	}
}

func (p *Process) wait() {
	waitErr := p.cmd.Wait()
	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.mu.Lock()
	p.exitCode = code
	p.exitErr = waitErr
	p.mu.Unlock()

	p.ptmx.Close()
	close(p.exited)
	p.log.Info("kernel process exited", "code", code)
}

// isEIO reports whether err is the EIO a PTY master returns once the
// child side has closed.
func isEIO(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno == syscall.EIO
		}
	}
	return false
}

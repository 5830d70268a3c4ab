// Package session manages the lifecycle of kernels: connecting, restarting
// onto a warm standby, interrupting, switching kernel specs and shutting
// down. The Manager in this package hosts many sessions for the node daemon.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/codewiresh/jupyterwire/internal/broadcast"
	"github.com/codewiresh/jupyterwire/internal/kernel"
	"github.com/codewiresh/jupyterwire/internal/kernelerr"
	"github.com/codewiresh/jupyterwire/internal/launcher"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// ErrNotConnected is returned by operations that need a kernel before
// Connect has succeeded.
var ErrNotConnected = errors.New("session has no kernel")

// Options configures a Session.
type Options struct {
	// Standby keeps a second kernel warm so Restart can swap instantly.
	Standby bool
	// StandbyTimeout bounds building a standby kernel. Default 60s.
	StandbyTimeout time.Duration
	// RestartTimeout bounds a restart that has to build a new kernel.
	// Default 60s.
	RestartTimeout time.Duration
	// ShutdownTimeout bounds tearing down a retired kernel. Default 10s.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// op is a lifecycle operation that concurrent callers share.
type op struct {
	done chan struct{}
	err  error
}

func newOp() *op { return &op{done: make(chan struct{})} }

func (o *op) finish(err error) {
	o.err = err
	close(o.done)
}

func (o *op) wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// standby is a replacement kernel being built in the background. Whoever
// takes it off the session owns it.
type standby struct {
	done   chan struct{}
	kernel Kernel
	err    error
	cancel context.CancelFunc
}

// Session drives one logical kernel across restarts.
type Session struct {
	transport Transport
	opts      Options
	log       *slog.Logger

	// swapMu serializes Connect, Restart and ChangeKernel.
	swapMu sync.Mutex

	mu           sync.Mutex
	active       Kernel
	spec         *launcher.KernelSpec
	interp       *launcher.Interpreter
	standby      *standby
	disposed     bool
	shuttingDown bool
	restart      *op
	shutdown     *op
	commTargets  map[string]kernel.CommHandler

	status   *broadcast.Watcher[kernel.Status]
	statusBC *broadcast.Broadcaster[kernel.Status]
}

// New returns an unconnected session.
func New(t Transport, opts Options) *Session {
	if opts.StandbyTimeout <= 0 {
		opts.StandbyTimeout = 60 * time.Second
	}
	if opts.RestartTimeout <= 0 {
		opts.RestartTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		transport:   t,
		opts:        opts,
		log:         opts.Logger,
		commTargets: make(map[string]kernel.CommHandler),
		status:      broadcast.NewWatcher(kernel.StatusNotStarted),
		statusBC:    broadcast.New[kernel.Status](),
	}
	s.commTargets[kernel.DefaultCommTarget] = s.widgetComm
	return s
}

// widgetComm accepts widget comms so kernels do not see them refused. The
// comm stays reachable through Connection.Comm.
func (s *Session) widgetComm(comm *kernel.Comm, open *wire.Message) {
	s.log.Debug("widget comm opened", "comm_id", comm.ID())
}

// setStatusLocked publishes st. Callers hold s.mu.
func (s *Session) setStatusLocked(st kernel.Status) {
	if s.status.Set(st) {
		s.statusBC.Send(st)
	}
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

// Connect starts the first kernel. timeout of zero means no limit besides
// ctx. On failure the session is left exactly as it was.
func (s *Session) Connect(ctx context.Context, spec *launcher.KernelSpec, interp *launcher.Interpreter, timeout time.Duration) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return kernelerr.ErrSessionDisposed
	}
	if s.active != nil {
		s.mu.Unlock()
		return errors.New("session already connected")
	}
	prev := s.status.Get()
	s.setStatusLocked(kernel.StatusStarting)
	s.mu.Unlock()

	k, err := s.connect(ctx, spec, interp, timeout)
	if err != nil {
		s.mu.Lock()
		if !s.shuttingDown {
			s.setStatusLocked(prev)
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		go s.retire(k)
		return kernelerr.ErrSessionDisposed
	}
	s.spec, s.interp = spec, interp
	s.install(k)
	s.mu.Unlock()

	s.log.Info("session connected", "kernel", spec.Name)
	s.startStandby()
	return nil
}

type connectResult struct {
	kernel Kernel
	err    error
}

// connect races the transport against timeout and ctx. A kernel that
// arrives after the race was lost is shut down.
func (s *Session) connect(ctx context.Context, spec *launcher.KernelSpec, interp *launcher.Interpreter, timeout time.Duration) (Kernel, error) {
	cctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	resCh := make(chan connectResult, 1)
	go func() {
		k, err := s.transport.Connect(cctx, spec, interp)
		resCh <- connectResult{k, err}
	}()

	select {
	case res := <-resCh:
		if res.err == nil {
			return res.kernel, nil
		}
		return nil, s.connectErr(ctx, cctx, spec, timeout, res.err)
	case <-cctx.Done():
		go func() {
			if res := <-resCh; res.err == nil {
				s.log.Warn("kernel arrived after connect gave up, shutting it down", "kernel", spec.Name)
				s.retire(res.kernel)
			}
		}()
		return nil, s.connectErr(ctx, cctx, spec, timeout, cctx.Err())
	}
}

func (s *Session) connectErr(ctx, cctx context.Context, spec *launcher.KernelSpec, timeout time.Duration, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return &kernelerr.TimeoutError{Op: "connect", Timeout: timeout}
	default:
		return &kernelerr.StartError{Kernel: spec.Name, Err: err}
	}
}

// install makes k the active kernel. Callers hold s.mu.
func (s *Session) install(k Kernel) {
	conn := k.Connection()
	for name, h := range s.commTargets {
		conn.RegisterCommTarget(name, h)
	}
	s.active = k
	s.disposed = false
	// Subscribe before reading the status so no transition falls between.
	subID, statusCh := conn.SubscribeStatus(16)
	st := conn.Status()
	if st != kernel.StatusBusy {
		st = kernel.StatusIdle
	}
	s.setStatusLocked(st)
	go s.watch(k, subID, statusCh)
}

// watch forwards kernel status while k is active and notices its death.
func (s *Session) watch(k Kernel, subID uint64, statusCh <-chan kernel.Status) {
	conn := k.Connection()
	defer conn.UnsubscribeStatus(subID)

	for {
		select {
		case st, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			s.forwardStatus(k, st)
		case <-k.Exited():
			s.onKernelExit(k, k.ExitErr())
			return
		case <-conn.Done():
			s.onKernelExit(k, lostErr(k))
			return
		}
	}
}

// lostErr explains a connection that was disposed without the session
// asking, preferring the kernel's exit status when it is known.
func lostErr(k Kernel) error {
	var died *kernelerr.KernelDiedError
	if err := k.Connection().Err(); errors.As(err, &died) {
		return err
	}
	select {
	case <-k.Exited():
		return k.ExitErr()
	default:
	}
	return &kernelerr.KernelDiedError{ExitCode: -1, Reason: "kernel connection lost"}
}

func (s *Session) forwardStatus(k Kernel, st kernel.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != k {
		return
	}
	switch s.status.Get() {
	case kernel.StatusRestarting, kernel.StatusTerminating, kernel.StatusDead, kernel.StatusDisconnected:
		return
	}
	if st == kernel.StatusUnknown {
		return
	}
	s.setStatusLocked(st)
}

func (s *Session) onKernelExit(k Kernel, err error) {
	s.mu.Lock()
	if s.active != k || s.shuttingDown || s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.setStatusLocked(kernel.StatusDead)
	sb := s.standby
	s.standby = nil
	s.mu.Unlock()

	s.log.Warn("kernel died", "kernel", k.Spec().Name, "err", err)
	k.Connection().Dispose(err)
	go s.retire(k)
	if sb != nil {
		go s.discardStandby(sb)
	}
}

// ---------------------------------------------------------------------------
// Standby
// ---------------------------------------------------------------------------

func (s *Session) startStandby() {
	if !s.opts.Standby {
		return
	}
	s.mu.Lock()
	if s.shuttingDown || s.disposed || s.standby != nil || s.active == nil {
		s.mu.Unlock()
		return
	}
	spec, interp := s.spec, s.interp
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StandbyTimeout)
	sb := &standby{done: make(chan struct{}), cancel: cancel}
	s.standby = sb
	s.mu.Unlock()

	go func() {
		defer cancel()
		sb.kernel, sb.err = s.transport.CreateRestartKernel(ctx, spec, interp)
		if sb.err != nil {
			s.log.Warn("standby kernel failed", "kernel", spec.Name, "err", sb.err)
		} else {
			s.log.Debug("standby kernel ready", "kernel", spec.Name)
		}
		close(sb.done)
	}()
}

// takeStandby waits for sb and returns its kernel if it is usable. An
// unusable standby is cleaned up.
func (s *Session) takeStandby(ctx context.Context, sb *standby) Kernel {
	if sb == nil {
		return nil
	}
	select {
	case <-sb.done:
	case <-ctx.Done():
		go s.discardStandby(sb)
		return nil
	}
	if sb.err != nil {
		return nil
	}
	select {
	case <-sb.kernel.Exited():
		go s.retire(sb.kernel)
		return nil
	default:
	}
	return sb.kernel
}

func (s *Session) discardStandby(sb *standby) {
	sb.cancel()
	<-sb.done
	if sb.kernel != nil {
		s.retire(sb.kernel)
	}
}

// retire shuts k down, logging rather than returning failures.
func (s *Session) retire(k Kernel) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.transport.ShutdownKernel(ctx, k); err != nil {
		s.log.Warn("shutting down retired kernel", "kernel", k.Spec().Name, "err", err)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle operations
// ---------------------------------------------------------------------------

// Interrupt interrupts the running execution and waits for the kernel to
// report idle.
func (s *Session) Interrupt(ctx context.Context, timeout time.Duration) error {
	k, err := s.activeKernel()
	if err != nil {
		return err
	}
	ictx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	timedOut := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &kernelerr.TimeoutError{Op: "interrupt", Timeout: timeout}
	}

	if err := k.Interrupt(ictx); err != nil {
		if ictx.Err() != nil {
			return timedOut()
		}
		return err
	}
	for {
		st, changed := s.status.Snapshot()
		switch st {
		case kernel.StatusIdle:
			return nil
		case kernel.StatusDead, kernel.StatusTerminating, kernel.StatusDisconnected:
			return kernelerr.ErrSessionDisposed
		}
		select {
		case <-changed:
		case <-ictx.Done():
			return timedOut()
		}
	}
}

// Restart replaces the kernel, using the standby when one is ready.
// Concurrent calls share a single restart. Requests pending on the old
// kernel are rejected with ErrDisposed.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return kernelerr.ErrSessionDisposed
	}
	if s.spec == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if o := s.restart; o != nil {
		s.mu.Unlock()
		return o.wait(ctx)
	}
	o := newOp()
	s.restart = o
	s.mu.Unlock()

	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RestartTimeout)
		defer cancel()
		err := s.doRestart(rctx)
		s.mu.Lock()
		s.restart = nil
		s.mu.Unlock()
		o.finish(err)
	}()
	return o.wait(ctx)
}

func (s *Session) doRestart(ctx context.Context) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return kernelerr.ErrSessionDisposed
	}
	old := s.active
	wasDead := s.disposed
	spec, interp := s.spec, s.interp
	sb := s.standby
	s.standby = nil
	s.setStatusLocked(kernel.StatusRestarting)
	s.mu.Unlock()

	s.log.Info("restarting kernel", "kernel", spec.Name, "standby", sb != nil)

	k := s.takeStandby(ctx, sb)
	if k == nil {
		var err error
		k, err = s.transport.CreateRestartKernel(ctx, spec, interp)
		if err != nil {
			s.mu.Lock()
			if !s.shuttingDown {
				if wasDead {
					s.setStatusLocked(kernel.StatusDead)
				} else {
					s.setStatusLocked(old.Connection().Status())
				}
			}
			s.mu.Unlock()
			return fmt.Errorf("restarting kernel: %w", err)
		}
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		go s.retire(k)
		return kernelerr.ErrSessionDisposed
	}
	s.install(k)
	s.mu.Unlock()

	if old != nil && !wasDead {
		old.Connection().Dispose(kernelerr.ErrDisposed)
		go s.retire(old)
	}
	s.startStandby()
	return nil
}

// ChangeKernel switches to a different kernel spec. The old kernel keeps
// serving until the new one is connected. Changing to the current spec is
// a no-op.
func (s *Session) ChangeKernel(ctx context.Context, spec *launcher.KernelSpec, interp *launcher.Interpreter, timeout time.Duration) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return kernelerr.ErrSessionDisposed
	}
	if s.active != nil && !s.disposed && s.spec.Same(spec) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	k, err := s.connect(ctx, spec, interp, timeout)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		go s.retire(k)
		return kernelerr.ErrSessionDisposed
	}
	old := s.active
	sb := s.standby
	s.standby = nil
	s.spec, s.interp = spec, interp
	s.install(k)
	s.mu.Unlock()

	s.log.Info("kernel changed", "kernel", spec.Name)
	if old != nil {
		old.Connection().Dispose(kernelerr.ErrDisposed)
		go s.retire(old)
	}
	if sb != nil {
		go s.discardStandby(sb)
	}
	s.startStandby()
	return nil
}

// Shutdown stops the active kernel and the standby. It is safe to call more
// than once; every call returns the first call's result.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if o := s.shutdown; o != nil {
		s.mu.Unlock()
		return o.wait(ctx)
	}
	o := newOp()
	s.shutdown = o
	s.shuttingDown = true
	active := s.active
	dead := s.disposed
	s.active = nil
	sb := s.standby
	s.standby = nil
	s.setStatusLocked(kernel.StatusTerminating)
	s.mu.Unlock()

	var errs []error
	if active != nil {
		if dead {
			active.Connection().Dispose(kernelerr.ErrSessionDisposed)
		}
		if err := s.transport.ShutdownKernel(ctx, active); err != nil {
			errs = append(errs, fmt.Errorf("shutting down kernel: %w", err))
		}
	}
	if sb != nil {
		select {
		case <-sb.done:
		case <-ctx.Done():
			sb.cancel()
			<-sb.done
		}
		if sb.kernel != nil {
			if err := s.transport.ShutdownKernel(ctx, sb.kernel); err != nil {
				errs = append(errs, fmt.Errorf("shutting down standby: %w", err))
			}
		}
	}

	s.mu.Lock()
	s.setStatusLocked(kernel.StatusDisconnected)
	s.mu.Unlock()
	s.statusBC.Close()
	s.log.Info("session shut down")

	o.finish(errors.Join(errs...))
	return o.err
}

// ---------------------------------------------------------------------------
// Accessors and pass-throughs
// ---------------------------------------------------------------------------

func (s *Session) activeKernel() (Kernel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown || s.disposed {
		return nil, kernelerr.ErrSessionDisposed
	}
	if s.active == nil {
		return nil, ErrNotConnected
	}
	return s.active, nil
}

func (s *Session) connection() (*kernel.Connection, error) {
	k, err := s.activeKernel()
	if err != nil {
		return nil, err
	}
	return k.Connection(), nil
}

// Kernel returns the active kernel, or nil.
func (s *Session) Kernel() Kernel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Spec returns the spec of the current kernel.
func (s *Session) Spec() *launcher.KernelSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Status returns the session status.
func (s *Session) Status() kernel.Status { return s.status.Get() }

// StatusWatcher exposes status transitions.
func (s *Session) StatusWatcher() *broadcast.Watcher[kernel.Status] { return s.status }

// SubscribeStatus registers for status changes. The channel is closed when
// the session shuts down.
func (s *Session) SubscribeStatus(bufSize int) (uint64, <-chan kernel.Status) {
	return s.statusBC.Subscribe(bufSize)
}

// UnsubscribeStatus removes a status subscription.
func (s *Session) UnsubscribeStatus(id uint64) { s.statusBC.Unsubscribe(id) }

// RequestExecute runs code on the active kernel.
func (s *Session) RequestExecute(ctx context.Context, code string, eo kernel.ExecuteOptions, opts kernel.RequestOptions) (*kernel.Future, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	return conn.RequestExecute(ctx, code, eo, opts)
}

func (s *Session) RequestInspect(ctx context.Context, code string, cursorPos, detailLevel int) (*kernel.Future, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	return conn.RequestInspect(ctx, code, cursorPos, detailLevel)
}

func (s *Session) RequestComplete(ctx context.Context, code string, cursorPos int) (*kernel.Future, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	return conn.RequestComplete(ctx, code, cursorPos)
}

func (s *Session) RequestCommInfo(ctx context.Context, targetName string) (*kernel.Future, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	return conn.RequestCommInfo(ctx, targetName)
}

// RequestHistory fetches the kernel's own input history.
func (s *Session) RequestHistory(ctx context.Context, n int) (*kernel.Future, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	return conn.RequestHistory(ctx, n)
}

// SendInputReply answers an input_request from the active kernel.
func (s *Session) SendInputReply(ctx context.Context, request *wire.Message, value string) error {
	conn, err := s.connection()
	if err != nil {
		return err
	}
	return conn.SendInputReply(ctx, request, value)
}

// RegisterCommTarget installs h on the active kernel and on every kernel
// the session switches to later.
func (s *Session) RegisterCommTarget(name string, h kernel.CommHandler) {
	s.mu.Lock()
	s.commTargets[name] = h
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.Connection().RegisterCommTarget(name, h)
	}
}

// CommTargets lists the remembered comm target names.
func (s *Session) CommTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.commTargets))
}

// RegisterMessageHook intercepts iopub messages for parentID on the active
// kernel.
func (s *Session) RegisterMessageHook(parentID string, fn kernel.MessageHook) (kernel.HookID, error) {
	conn, err := s.connection()
	if err != nil {
		return 0, err
	}
	return conn.RegisterMessageHook(parentID, fn), nil
}

// RemoveMessageHook removes a hook from the active kernel.
func (s *Session) RemoveMessageHook(parentID string, id kernel.HookID) {
	if conn, err := s.connection(); err == nil {
		conn.RemoveMessageHook(parentID, id)
	}
}

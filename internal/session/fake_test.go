package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codewiresh/jupyterwire/internal/kernel"
	"github.com/codewiresh/jupyterwire/internal/kernelerr"
	"github.com/codewiresh/jupyterwire/internal/launcher"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// ---------------------------------------------------------------------------
// Fake kernel socket
// ---------------------------------------------------------------------------

// fakeSocket plays a tiny kernel. Every execute_request prints its code to
// stdout, except:
//
//	hang     stays busy until interrupted
//	raise    fails with ValueError
//	input()  asks for a line on stdin and prints "hello <value>"
type fakeSocket struct {
	mu        sync.Mutex
	listeners []func(*wire.Message)
	inbox     chan func() []*wire.Message
	done      chan struct{}
	once      sync.Once

	execCount    int
	pendingInput *wire.Message
	hanging      *wire.Message
}

func newFakeSocket() *fakeSocket {
	s := &fakeSocket{
		inbox: make(chan func() []*wire.Message, 64),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *fakeSocket) loop() {
	for {
		select {
		case fn := <-s.inbox:
			for _, m := range fn() {
				s.deliver(m)
			}
		case <-s.done:
			return
		}
	}
}

func (s *fakeSocket) Send(ctx context.Context, msg *wire.Message) error {
	select {
	case s.inbox <- func() []*wire.Message { return s.respond(msg) }:
		return nil
	case <-s.done:
		return kernelerr.ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSocket) OnMessage(fn func(*wire.Message)) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.listeners[idx] = nil
		s.mu.Unlock()
	}
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSocket) Done() <-chan struct{} { return s.done }

func (s *fakeSocket) deliver(msg *wire.Message) {
	s.mu.Lock()
	ls := append([]func(*wire.Message){}, s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		if l != nil {
			l(msg)
		}
	}
}

func reply(req *wire.Message, ch wire.Channel, msgType string, content map[string]any) *wire.Message {
	m := wire.NewMessage(ch, msgType, "fake-kernel", "kernel", content)
	m.SetParent(req)
	return m
}

func statusMsg(parent *wire.Message, state kernel.Status) *wire.Message {
	m := wire.NewMessage(wire.IOPub, wire.Status, "fake-kernel", "kernel", map[string]any{"execution_state": string(state)})
	if parent != nil {
		m.SetParent(parent)
	}
	return m
}

// respond runs on the loop goroutine only.
func (s *fakeSocket) respond(req *wire.Message) []*wire.Message {
	switch req.Type() {
	case wire.KernelInfoRequest:
		return []*wire.Message{reply(req, wire.Shell, wire.KernelInfoReply, map[string]any{"status": "ok", "implementation": "fake"})}
	case wire.ExecuteRequest:
		code := req.ContentString("code")
		out := []*wire.Message{statusMsg(req, kernel.StatusBusy)}
		switch code {
		case "hang":
			s.hanging = req
			return out
		case "input()":
			s.pendingInput = req
			return append(out, reply(req, wire.Stdin, wire.InputRequest, map[string]any{"prompt": "name? ", "password": false}))
		}
		return append(out, s.finish(req, code)...)
	case wire.InputReply:
		req0 := s.pendingInput
		s.pendingInput = nil
		if req0 == nil {
			return nil
		}
		return s.finish(req0, "hello "+req.ContentString("value"))
	case wire.CompleteRequest:
		code := req.ContentString("code")
		return []*wire.Message{reply(req, wire.Shell, wire.CompleteReply, map[string]any{
			"status":       "ok",
			"matches":      []any{"print", "property"},
			"cursor_start": float64(0),
			"cursor_end":   float64(len(code)),
		})}
	case wire.InterruptRequest:
		return append(s.interrupt(), reply(req, wire.Control, wire.InterruptReply, map[string]any{"status": "ok"}))
	case wire.ShutdownRequest:
		return []*wire.Message{reply(req, wire.Control, wire.ShutdownReply, map[string]any{"status": "ok"})}
	}
	return nil
}

func (s *fakeSocket) interrupt() []*wire.Message {
	req := s.hanging
	s.hanging = nil
	if req == nil {
		return nil
	}
	s.execCount++
	return []*wire.Message{
		reply(req, wire.Shell, wire.ExecuteReply, map[string]any{
			"status": "error", "execution_count": float64(s.execCount),
			"ename": "KeyboardInterrupt", "evalue": "", "traceback": []any{},
		}),
		statusMsg(req, kernel.StatusIdle),
	}
}

func (s *fakeSocket) finish(req *wire.Message, text string) []*wire.Message {
	s.execCount++
	n := float64(s.execCount)
	if text == "raise" {
		tb := []any{"\x1b[31mValueError\x1b[0m: boom"}
		return []*wire.Message{
			reply(req, wire.IOPub, wire.Error, map[string]any{"ename": "ValueError", "evalue": "boom", "traceback": tb}),
			reply(req, wire.Shell, wire.ExecuteReply, map[string]any{
				"status": "error", "execution_count": n, "ename": "ValueError", "evalue": "boom", "traceback": tb,
			}),
			statusMsg(req, kernel.StatusIdle),
		}
	}
	return []*wire.Message{
		reply(req, wire.IOPub, wire.Stream, map[string]any{"name": "stdout", "text": text + "\n"}),
		reply(req, wire.Shell, wire.ExecuteReply, map[string]any{"status": "ok", "execution_count": n}),
		statusMsg(req, kernel.StatusIdle),
	}
}

// ---------------------------------------------------------------------------
// Fake kernel and transport
// ---------------------------------------------------------------------------

type fakeKernel struct {
	spec     *launcher.KernelSpec
	sock     *fakeSocket
	conn     *kernel.Connection
	exited   chan struct{}
	exitOnce sync.Once

	ignoreInterrupt bool
	interrupts      atomic.Int32
	shutdown        atomic.Bool
}

func newFakeKernel(spec *launcher.KernelSpec) *fakeKernel {
	k := &fakeKernel{
		spec:   spec,
		sock:   newFakeSocket(),
		exited: make(chan struct{}),
	}
	k.conn = kernel.NewConnection(k.sock, kernel.WithSocketLossReason(func() error {
		select {
		case <-k.exited:
			return k.ExitErr()
		case <-time.After(time.Second):
			return kernelerr.ErrSocketClosed
		}
	}))
	return k
}

func (k *fakeKernel) Connection() *kernel.Connection { return k.conn }
func (k *fakeKernel) Spec() *launcher.KernelSpec     { return k.spec }
func (k *fakeKernel) Exited() <-chan struct{}        { return k.exited }
func (k *fakeKernel) Info() map[string]any           { return map[string]any{"implementation": "fake"} }

func (k *fakeKernel) ExitErr() error {
	return &kernelerr.KernelDiedError{ExitCode: 1, Reason: "killed"}
}

func (k *fakeKernel) Interrupt(ctx context.Context) error {
	k.interrupts.Add(1)
	if k.ignoreInterrupt {
		return nil
	}
	select {
	case k.sock.inbox <- k.sock.interrupt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// die simulates the kernel process exiting.
func (k *fakeKernel) die() { k.exitOnce.Do(func() { close(k.exited) }) }

// crash drops the kernel's sockets and reaps the process shortly after,
// the order in which a real kernel death is observed.
func (k *fakeKernel) crash() {
	k.sock.Close()
	time.AfterFunc(20*time.Millisecond, k.die)
}

type fakeTransport struct {
	mu              sync.Mutex
	err             error
	gate            chan struct{} // Connect blocks on it, ignoring ctx
	ignoreInterrupt bool
	kernels         []*fakeKernel
	interps         []*launcher.Interpreter
	shutdowns       []*fakeKernel
	connects        atomic.Int32
}

func (t *fakeTransport) Connect(ctx context.Context, spec *launcher.KernelSpec, interp *launcher.Interpreter) (Kernel, error) {
	t.connects.Add(1)
	t.mu.Lock()
	gate, err := t.gate, t.err
	t.interps = append(t.interps, interp)
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	k := newFakeKernel(spec)
	t.mu.Lock()
	k.ignoreInterrupt = t.ignoreInterrupt
	t.kernels = append(t.kernels, k)
	t.mu.Unlock()
	return k, nil
}

func (t *fakeTransport) CreateRestartKernel(ctx context.Context, spec *launcher.KernelSpec, interp *launcher.Interpreter) (Kernel, error) {
	return t.Connect(ctx, spec, interp)
}

func (t *fakeTransport) ShutdownKernel(ctx context.Context, k Kernel) error {
	fk := k.(*fakeKernel)
	fk.shutdown.Store(true)
	fk.conn.Dispose(kernelerr.ErrDisposed)
	fk.die()
	t.mu.Lock()
	t.shutdowns = append(t.shutdowns, fk)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) setGate(gate chan struct{}) {
	t.mu.Lock()
	t.gate = gate
	t.mu.Unlock()
}

func (t *fakeTransport) kernelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.kernels)
}

func (t *fakeTransport) kernel(i int) *fakeKernel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kernels[i]
}

func (t *fakeTransport) shutdownCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.shutdowns)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testSpec(name string) *launcher.KernelSpec {
	return &launcher.KernelSpec{
		Name:        name,
		DisplayName: "Fake " + name,
		Language:    "python",
		Argv:        []string{"fake-kernel", "-f", "{connection_file}"},
	}
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, s *Session, want kernel.Status) {
	t.Helper()
	eventually(t, "status "+want.String(), func() bool { return s.Status() == want })
}

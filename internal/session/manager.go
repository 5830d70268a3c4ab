package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/jupyterwire/internal/kernel"
	"github.com/codewiresh/jupyterwire/internal/launcher"
	"github.com/codewiresh/jupyterwire/internal/protocol"
	"github.com/codewiresh/jupyterwire/internal/store"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// KV namespaces used by the manager.
const (
	kvManager     = "manager"
	kvInterpreter = "interpreter"
)

// TransportFactory builds the transport for sessions rooted at workingDir.
type TransportFactory func(workingDir string) Transport

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	DataDir  string // events.jsonl lives here; empty disables the event log
	SpecDirs []string
	Store    store.Store // optional; enables history and id persistence

	NewTransport TransportFactory
	Session      Options

	ConnectTimeout   time.Duration // default 60s
	InterruptTimeout time.Duration // default 10s
	// OutputGrace is how long Execute keeps collecting output after the
	// reply while waiting for the kernel to go idle. Default 2s.
	OutputGrace time.Duration
	Logger      *slog.Logger
}

// ExecOptions controls a single Execute call.
type ExecOptions struct {
	OnOutput func(out protocol.Output)
	// OnInput answers input_request. When nil the kernel is told that stdin
	// is not available.
	OnInput func(ctx context.Context, prompt string, password bool) (string, error)
	Silent  bool
}

type managed struct {
	id         uint32
	sess       *Session
	workingDir string
	createdAt  time.Time

	mu         sync.Mutex
	executions uint
}

func (ms *managed) tags() []string {
	if spec := ms.sess.Spec(); spec != nil {
		return []string{spec.Name}
	}
	return nil
}

// Manager owns every session hosted by the node daemon.
type Manager struct {
	cfg    ManagerConfig
	log    *slog.Logger
	store  store.Store
	events *EventLog

	// Subscriptions fans session events out to watchers.
	Subscriptions *SubscriptionManager
	// PersistCh is signalled when session statuses changed and should be
	// written to the store. The node debounces it.
	PersistCh chan struct{}

	mu       sync.RWMutex
	sessions map[uint32]*managed
	nextID   uint32
	closed   bool
}

// NewManager creates a manager. The next session id is restored from the
// store so ids stay unique across daemon restarts.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.NewTransport == nil {
		return nil, errors.New("session manager needs a transport factory")
	}
	if cfg.SpecDirs == nil {
		cfg.SpecDirs = launcher.DefaultSpecDirs()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.InterruptTimeout <= 0 {
		cfg.InterruptTimeout = 10 * time.Second
	}
	if cfg.OutputGrace <= 0 {
		cfg.OutputGrace = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:           cfg,
		log:           cfg.Logger,
		store:         cfg.Store,
		Subscriptions: NewSubscriptionManager(),
		PersistCh:     make(chan struct{}, 1),
		sessions:      make(map[uint32]*managed),
		nextID:        1,
	}
	if cfg.DataDir != "" {
		ev, err := NewEventLog(filepath.Join(cfg.DataDir, "events.jsonl"))
		if err != nil {
			return nil, err
		}
		m.events = ev
	}
	if m.store != nil {
		v, err := m.store.KVGet(context.Background(), kvManager, "next_session_id")
		if err != nil {
			return nil, fmt.Errorf("loading next session id: %w", err)
		}
		if n, err := strconv.ParseUint(string(v), 10, 32); err == nil && n > 0 {
			m.nextID = uint32(n)
		}
	}
	return m, nil
}

func (m *Manager) get(id uint32) (*managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return ms, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id uint32) (*Session, error) {
	ms, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return ms.sess, nil
}

func (m *Manager) publish(ms *managed, ev Event) {
	m.Subscriptions.Publish(ms.id, ms.tags(), ev)
	if m.events != nil {
		if err := m.events.Append(SessionEvent{SessionID: ms.id, Event: ev}); err != nil {
			m.log.Warn("appending event", "id", ms.id, "err", err)
		}
	}
}

func (m *Manager) signalPersist() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.PersistCh <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Launch starts a session running kernelName in workingDir. A nil interp
// falls back to the interpreter last used for workingDir.
func (m *Manager) Launch(ctx context.Context, kernelName, workingDir string, interp *launcher.Interpreter) (uint32, error) {
	spec, err := launcher.FindSpec(m.cfg.SpecDirs, kernelName)
	if err != nil {
		return 0, err
	}
	if workingDir == "" {
		if workingDir, err = os.Getwd(); err != nil {
			return 0, fmt.Errorf("resolving working dir: %w", err)
		}
	}
	interp = m.interpreterFor(ctx, workingDir, interp)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errors.New("session manager is closed")
	}
	id := m.nextID
	m.nextID++
	next := m.nextID
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.KVSet(ctx, kvManager, "next_session_id", []byte(strconv.FormatUint(uint64(next), 10)), nil); err != nil {
			m.log.Warn("persisting next session id", "err", err)
		}
	}

	opts := m.cfg.Session
	opts.Logger = m.log.With("session", id)
	sess := New(m.cfg.NewTransport(workingDir), opts)
	if err := sess.Connect(ctx, spec, interp, m.cfg.ConnectTimeout); err != nil {
		return 0, err
	}

	ms := &managed{id: id, sess: sess, workingDir: workingDir, createdAt: time.Now().UTC()}
	m.mu.Lock()
	m.sessions[id] = ms
	m.mu.Unlock()

	if m.store != nil {
		rec := store.SessionRecord{
			ID:         id,
			KernelName: spec.Name,
			WorkingDir: workingDir,
			Status:     sess.Status().String(),
			CreatedAt:  ms.createdAt,
		}
		if err := m.store.SessionCreate(ctx, rec); err != nil {
			m.log.Warn("recording session", "id", id, "err", err)
		}
	}
	m.publish(ms, NewCreatedEvent(spec.Name, workingDir))
	go m.watchStatus(ms)

	m.log.Info("session launched", "id", id, "kernel", spec.Name, "dir", workingDir)
	return id, nil
}

func (m *Manager) watchStatus(ms *managed) {
	subID, ch := ms.sess.SubscribeStatus(32)
	defer ms.sess.UnsubscribeStatus(subID)

	prev := ms.sess.Status()
	for st := range ch {
		if st == prev {
			continue
		}
		m.publish(ms, NewStatusEvent(prev.String(), st.String()))
		prev = st
		m.signalPersist()
	}
}

// PersistStatuses writes the current status of every session to the store.
func (m *Manager) PersistStatuses() {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	sessions := make([]*managed, 0, len(m.sessions))
	for _, ms := range m.sessions {
		sessions = append(sessions, ms)
	}
	m.mu.RUnlock()

	ctx := context.Background()
	for _, ms := range sessions {
		if err := m.store.SessionUpdateStatus(ctx, ms.id, ms.sess.Status().String()); err != nil {
			m.log.Warn("persisting session status", "id", ms.id, "err", err)
		}
	}
}

func (m *Manager) interpreterFor(ctx context.Context, dir string, interp *launcher.Interpreter) *launcher.Interpreter {
	if m.store == nil {
		return interp
	}
	if interp != nil {
		if err := m.store.KVSet(ctx, kvInterpreter, dir, []byte(interp.Path), nil); err != nil {
			m.log.Warn("remembering interpreter", "dir", dir, "err", err)
		}
		return interp
	}
	if v, err := m.store.KVGet(ctx, kvInterpreter, dir); err == nil && len(v) > 0 {
		return &launcher.Interpreter{Path: string(v)}
	}
	return nil
}

// Interrupt interrupts the session's running execution.
func (m *Manager) Interrupt(ctx context.Context, id uint32) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}
	return ms.sess.Interrupt(ctx, m.cfg.InterruptTimeout)
}

// Restart restarts the session's kernel.
func (m *Manager) Restart(ctx context.Context, id uint32) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}
	if err := ms.sess.Restart(ctx); err != nil {
		return err
	}
	m.publish(ms, NewRestartedEvent(ms.sess.Spec().Name, false))
	return nil
}

// ChangeKernel switches the session to another kernel spec.
func (m *Manager) ChangeKernel(ctx context.Context, id uint32, kernelName string, interp *launcher.Interpreter) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}
	spec, err := launcher.FindSpec(m.cfg.SpecDirs, kernelName)
	if err != nil {
		return err
	}
	interp = m.interpreterFor(ctx, ms.workingDir, interp)
	if err := ms.sess.ChangeKernel(ctx, spec, interp, m.cfg.ConnectTimeout); err != nil {
		return err
	}
	m.publish(ms, NewRestartedEvent(spec.Name, true))
	return nil
}

// Shutdown stops a session and forgets it.
func (m *Manager) Shutdown(ctx context.Context, id uint32) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}

	err := ms.sess.Shutdown(ctx)
	if m.store != nil {
		if serr := m.store.SessionClose(context.WithoutCancel(ctx), id, ms.sess.Status().String()); serr != nil {
			m.log.Warn("recording session close", "id", id, "err", serr)
		}
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	m.publish(ms, NewClosedEvent(reason))
	m.log.Info("session shut down", "id", id)
	return err
}

// ShutdownAll stops every session concurrently and returns how many there
// were.
func (m *Manager) ShutdownAll(ctx context.Context) (int, error) {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return m.Shutdown(ctx, id) })
	}
	return len(ids), g.Wait()
}

// Close stops accepting sessions and closes the event log. Sessions should
// be shut down first.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.PersistCh)
	m.mu.Unlock()
	if m.events != nil {
		return m.events.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute runs code and returns the execute_reply outcome. Output is
// streamed to opts.OnOutput, published as session.output events and
// recorded in the store.
func (m *Manager) Execute(ctx context.Context, id uint32, code string, opts ExecOptions) (*protocol.ExecResult, error) {
	ms, err := m.get(id)
	if err != nil {
		return nil, err
	}

	var (
		outMu    sync.Mutex
		text     strings.Builder
		idle     = make(chan struct{})
		idleOnce sync.Once
	)
	eo := kernel.DefaultExecuteOptions()
	eo.Silent = opts.Silent
	eo.StoreHistory = !opts.Silent
	eo.AllowStdin = opts.OnInput != nil

	ropts := kernel.RequestOptions{
		DisposeOnDone: true,
		OnIOPub: func(msg *wire.Message) {
			if msg.Type() == wire.Status {
				if msg.ContentString("execution_state") == string(kernel.StatusIdle) {
					idleOnce.Do(func() { close(idle) })
				}
				return
			}
			out, ok := outputOf(msg)
			if !ok {
				return
			}
			outMu.Lock()
			text.WriteString(stripANSI(out.Text))
			outMu.Unlock()
			m.publish(ms, NewOutputEvent(out))
			if opts.OnOutput != nil {
				opts.OnOutput(out)
			}
		},
	}
	if opts.OnInput != nil {
		ropts.OnStdin = func(msg *wire.Message) {
			if msg.Type() != wire.InputRequest {
				return
			}
			password, _ := msg.Content["password"].(bool)
			// The reply is sent from its own goroutine so waiting on the
			// user does not stall message dispatch.
			go func() {
				value, err := opts.OnInput(ctx, msg.ContentString("prompt"), password)
				if err != nil {
					m.log.Warn("reading input", "id", id, "err", err)
				}
				if err := ms.sess.SendInputReply(context.WithoutCancel(ctx), msg, value); err != nil {
					m.log.Warn("sending input_reply", "id", id, "err", err)
				}
			}()
		}
	}

	f, err := ms.sess.RequestExecute(ctx, code, eo, ropts)
	if err != nil {
		return nil, err
	}
	// Nothing may reach opts.OnOutput once Execute has returned.
	defer f.Dispose()
	ms.mu.Lock()
	ms.executions++
	ms.mu.Unlock()
	execID := m.recordStart(ctx, ms, f.MsgID(), code)

	reply, err := f.Wait(ctx)
	if err == nil {
		select {
		case <-idle:
		case <-time.After(m.cfg.OutputGrace):
		case <-ctx.Done():
		}
	}

	outMu.Lock()
	output := text.String()
	outMu.Unlock()

	res := &protocol.ExecResult{MsgID: f.MsgID()}
	if err != nil {
		res.Status = "aborted"
		m.recordFinish(execID, res, output)
		return nil, err
	}
	res.Status = reply.ContentString("status")
	if n, ok := reply.Content["execution_count"].(float64); ok {
		c := int(n)
		res.ExecutionCount = &c
	}
	if res.Status == "error" {
		res.EName = reply.ContentString("ename")
		res.EValue = reply.ContentString("evalue")
		res.Traceback = traceback(reply)
	}
	m.recordFinish(execID, res, output)
	return res, nil
}

func (m *Manager) recordStart(ctx context.Context, ms *managed, msgID, code string) int64 {
	if m.store == nil {
		return 0
	}
	id, err := m.store.ExecutionStart(context.WithoutCancel(ctx), store.ExecutionRecord{
		SessionID: ms.id,
		MsgID:     msgID,
		Code:      code,
	})
	if err != nil {
		m.log.Warn("recording execution", "id", ms.id, "err", err)
	}
	return id
}

func (m *Manager) recordFinish(execID int64, res *protocol.ExecResult, output string) {
	if m.store == nil || execID == 0 {
		return
	}
	if err := m.store.ExecutionFinish(context.Background(), execID, res.Status, res.ExecutionCount, output); err != nil {
		m.log.Warn("recording execution result", "exec", execID, "err", err)
	}
}

// Complete asks the kernel for completions at cursorPos.
func (m *Manager) Complete(ctx context.Context, id uint32, code string, cursorPos int) (*protocol.Completions, error) {
	ms, err := m.get(id)
	if err != nil {
		return nil, err
	}
	f, err := ms.sess.RequestComplete(ctx, code, cursorPos)
	if err != nil {
		return nil, err
	}
	reply, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	c := &protocol.Completions{Matches: []string{}}
	if raw, ok := reply.Content["matches"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				c.Matches = append(c.Matches, s)
			}
		}
	}
	if n, ok := reply.Content["cursor_start"].(float64); ok {
		c.CursorStart = int(n)
	}
	if n, ok := reply.Content["cursor_end"].(float64); ok {
		c.CursorEnd = int(n)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// List describes every live session, ordered by id.
func (m *Manager) List() []protocol.SessionInfo {
	m.mu.RLock()
	sessions := make([]*managed, 0, len(m.sessions))
	for _, ms := range m.sessions {
		sessions = append(sessions, ms)
	}
	m.mu.RUnlock()

	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, ms := range sessions {
		infos = append(infos, buildInfo(ms))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Info describes one session.
func (m *Manager) Info(id uint32) (protocol.SessionInfo, error) {
	ms, err := m.get(id)
	if err != nil {
		return protocol.SessionInfo{}, err
	}
	return buildInfo(ms), nil
}

func buildInfo(ms *managed) protocol.SessionInfo {
	ms.mu.Lock()
	execs := ms.executions
	ms.mu.Unlock()

	info := protocol.SessionInfo{
		ID:          ms.id,
		WorkingDir:  ms.workingDir,
		CreatedAt:   ms.createdAt.Format(time.RFC3339),
		Status:      ms.sess.Status().String(),
		Executions:  execs,
		CommTargets: ms.sess.CommTargets(),
	}
	if spec := ms.sess.Spec(); spec != nil {
		info.KernelName = spec.Name
		info.DisplayName = spec.DisplayName
		info.Language = spec.Language
	}
	if k := ms.sess.Kernel(); k != nil {
		info.Pending = k.Connection().PendingRequests()
		if impl, ok := k.Info()["implementation"].(string); ok {
			info.Implementation = impl
		}
	}
	return info
}

// Specs lists the installed kernel specs.
func (m *Manager) Specs() []protocol.SpecInfo {
	specs := launcher.FindSpecs(m.cfg.SpecDirs)
	out := make([]protocol.SpecInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, protocol.SpecInfo{
			Name:          s.Name,
			DisplayName:   s.DisplayName,
			Language:      s.Language,
			InterruptMode: s.InterruptMode,
			ResourceDir:   s.ResourceDir,
		})
	}
	return out
}

// History returns the last tail recorded executions of a session, which
// may already be closed. tail of zero returns all of them.
func (m *Manager) History(ctx context.Context, id uint32, tail int) ([]protocol.Execution, error) {
	if m.store == nil {
		return nil, errors.New("execution history is not enabled")
	}
	recs, err := m.store.ExecutionList(ctx, id, tail)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	out := make([]protocol.Execution, 0, len(recs))
	for _, r := range recs {
		e := protocol.Execution{
			ID:             r.ID,
			Code:           r.Code,
			Status:         r.Status,
			ExecutionCount: r.ExecutionCount,
			Output:         r.Output,
			StartedAt:      r.StartedAt.Format(time.RFC3339),
		}
		if r.FinishedAt != nil {
			e.FinishedAt = r.FinishedAt.Format(time.RFC3339)
		}
		out = append(out, e)
	}
	return out, nil
}

// Events returns the logged events of a session, oldest first.
func (m *Manager) Events(id uint32) ([]SessionEvent, error) {
	if m.cfg.DataDir == "" {
		return nil, nil
	}
	return ReadEventLog(filepath.Join(m.cfg.DataDir, "events.jsonl"), &id)
}

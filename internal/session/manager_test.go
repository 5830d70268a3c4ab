package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/codewiresh/jupyterwire/internal/kernel"
	"github.com/codewiresh/jupyterwire/internal/launcher"
	"github.com/codewiresh/jupyterwire/internal/protocol"
	"github.com/codewiresh/jupyterwire/internal/store"
)

func writeKernelSpec(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `{"argv":["fake-kernel","-f","{connection_file}"],"display_name":"Fake ` + name + `","language":"python"}`
	if err := os.WriteFile(filepath.Join(dir, "kernel.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

type managerEnv struct {
	m     *Manager
	tr    *fakeTransport
	st    *store.SQLiteStore
	specs string
	data  string
}

func newManagerEnv(t *testing.T, st *store.SQLiteStore) *managerEnv {
	t.Helper()
	env := &managerEnv{tr: &fakeTransport{}, st: st, specs: t.TempDir(), data: t.TempDir()}
	writeKernelSpec(t, env.specs, "python3")
	writeKernelSpec(t, env.specs, "other")
	if env.st == nil {
		s, err := store.NewSQLiteStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		env.st = s
	}

	m, err := NewManager(ManagerConfig{
		DataDir:        env.data,
		SpecDirs:       []string{env.specs},
		Store:          env.st,
		NewTransport:   func(string) Transport { return env.tr },
		ConnectTimeout: time.Second,
		OutputGrace:    time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.m = m
	t.Cleanup(func() {
		m.ShutdownAll(context.Background())
		m.Close()
	})
	return env
}

func waitIdle(t *testing.T, m *Manager, id uint32) {
	t.Helper()
	s, err := m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, kernel.StatusIdle)
}

func (env *managerEnv) launch(t *testing.T, kernelName string) uint32 {
	t.Helper()
	id, err := env.m.Launch(context.Background(), kernelName, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return id
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func TestManagerExecuteRecordsHistory(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	id := env.launch(t, "python3")

	var outputs []protocol.Output
	res, err := env.m.Execute(ctx, id, "print(1)", ExecOptions{
		OnOutput: func(out protocol.Output) { outputs = append(outputs, out) },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != "ok" || res.ExecutionCount == nil || *res.ExecutionCount != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(outputs) != 1 || outputs[0].Text != "print(1)\n" || outputs[0].MsgID != res.MsgID {
		t.Fatalf("outputs = %+v", outputs)
	}

	res, err = env.m.Execute(ctx, id, "raise", ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "error" || res.EName != "ValueError" || res.EValue != "boom" || len(res.Traceback) != 1 {
		t.Fatalf("error result = %+v", res)
	}

	hist, err := env.m.History(ctx, id, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Code != "print(1)" || hist[0].Status != "ok" || hist[0].Output != "print(1)\n" {
		t.Fatalf("first = %+v", hist[0])
	}
	if hist[1].Status != "error" || hist[1].Output != "ValueError: boom\n" || hist[1].FinishedAt == "" {
		t.Fatalf("second = %+v", hist[1])
	}

	waitIdle(t, env.m, id)
	info, err := env.m.Info(id)
	if err != nil {
		t.Fatal(err)
	}
	if info.Executions != 2 || info.KernelName != "python3" || info.Implementation != "fake" || info.Status != "idle" {
		t.Fatalf("info = %+v", info)
	}
}

func TestManagerExecuteInput(t *testing.T) {
	env := newManagerEnv(t, nil)
	id := env.launch(t, "python3")

	var prompt string
	var outputs []string
	res, err := env.m.Execute(context.Background(), id, "input()", ExecOptions{
		OnOutput: func(out protocol.Output) { outputs = append(outputs, out.Text) },
		OnInput: func(ctx context.Context, p string, password bool) (string, error) {
			prompt = p
			return "ada", nil
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != "ok" || prompt != "name? " {
		t.Fatalf("result = %+v, prompt = %q", res, prompt)
	}
	if !slices.Equal(outputs, []string{"hello ada\n"}) {
		t.Fatalf("outputs = %q", outputs)
	}
}

func TestManagerExecuteCancelReleasesRequest(t *testing.T) {
	env := newManagerEnv(t, nil)
	id := env.launch(t, "python3")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := env.m.Execute(ctx, id, "hang", ExecOptions{OnOutput: func(protocol.Output) {}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute = %v, want deadline exceeded", err)
	}

	s, err := env.m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := s.connection()
	if err != nil {
		t.Fatal(err)
	}
	if n := conn.PendingRequests(); n != 0 {
		t.Fatalf("pending after cancelled execute = %d, want 0", n)
	}

	if err := env.m.Interrupt(context.Background(), id); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitIdle(t, env.m, id)
}

func TestManagerComplete(t *testing.T) {
	env := newManagerEnv(t, nil)
	id := env.launch(t, "python3")

	c, err := env.m.Complete(context.Background(), id, "pr", 2)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(c.Matches, []string{"print", "property"}) || c.CursorEnd != 2 {
		t.Fatalf("completions = %+v", c)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestManagerLaunchErrors(t *testing.T) {
	env := newManagerEnv(t, nil)
	if _, err := env.m.Launch(context.Background(), "julia", "", nil); !errors.Is(err, launcher.ErrSpecNotFound) {
		t.Fatalf("Launch unknown spec = %v", err)
	}
	if _, err := env.m.Execute(context.Background(), 42, "1", ExecOptions{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Execute unknown session = %v", err)
	}
}

func TestManagerRemembersInterpreter(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	venv := &launcher.Interpreter{Path: "/opt/venv/bin/python"}
	if _, err := env.m.Launch(ctx, "python3", dir, venv); err != nil {
		t.Fatal(err)
	}
	if _, err := env.m.Launch(ctx, "python3", dir, nil); err != nil {
		t.Fatal(err)
	}
	env.tr.mu.Lock()
	defer env.tr.mu.Unlock()
	last := env.tr.interps[len(env.tr.interps)-1]
	if last == nil || last.Path != venv.Path {
		t.Fatalf("second launch interpreter = %+v", last)
	}
}

func TestManagerIDsSurviveRestart(t *testing.T) {
	st, err := store.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	first := newManagerEnv(t, st)
	first.launch(t, "python3")
	first.launch(t, "python3")
	n, err := first.m.ShutdownAll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("ShutdownAll = %d, %v", n, err)
	}

	second := newManagerEnv(t, st)
	if id := second.launch(t, "python3"); id != 3 {
		t.Fatalf("id after restart = %d, want 3", id)
	}
}

func TestManagerRestartAndChangeKernel(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	id := env.launch(t, "python3")
	sub := env.m.Subscriptions.Subscribe(&id, nil, []EventType{EventSessionRestarted})
	defer env.m.Subscriptions.Unsubscribe(sub.ID)

	if err := env.m.Restart(ctx, id); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if err := env.m.ChangeKernel(ctx, id, "other", nil); err != nil {
		t.Fatalf("ChangeKernel: %v", err)
	}
	for _, wantChanged := range []bool{false, true} {
		select {
		case se := <-sub.Ch:
			if se.Event.Type != EventSessionRestarted {
				t.Fatalf("event = %+v", se)
			}
			var data RestartedData
			if err := json.Unmarshal(se.Event.Data, &data); err != nil || data.Changed != wantChanged {
				t.Fatalf("restarted data = %s", se.Event.Data)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no restarted event")
		}
	}
	info, _ := env.m.Info(id)
	if info.KernelName != "other" {
		t.Fatalf("kernel after change = %s", info.KernelName)
	}
}

func TestManagerShutdownClosesSession(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	id := env.launch(t, "python3")

	if _, err := env.m.Execute(ctx, id, "x", ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, env.m, id)
	env.m.PersistStatuses()
	rec, err := env.st.SessionGet(ctx, id)
	if err != nil || rec == nil || rec.Status != "idle" {
		t.Fatalf("persisted = %+v, %v", rec, err)
	}

	if err := env.m.Shutdown(ctx, id); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := env.m.Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get after shutdown = %v", err)
	}
	rec, _ = env.st.SessionGet(ctx, id)
	if rec == nil || rec.ClosedAt == nil || rec.Status != "disconnected" {
		t.Fatalf("closed record = %+v", rec)
	}
	if len(env.m.List()) != 0 {
		t.Fatal("session still listed")
	}

	events, err := env.m.Events(id)
	if err != nil {
		t.Fatal(err)
	}
	var types []EventType
	for _, se := range events {
		types = append(types, se.Event.Type)
	}
	if !slices.Contains(types, EventSessionCreated) || !slices.Contains(types, EventSessionOutput) || !slices.Contains(types, EventSessionClosed) {
		t.Fatalf("event types = %v", types)
	}

	// History outlives the session.
	if hist, err := env.m.History(ctx, id, 1); err != nil || len(hist) != 1 || hist[0].Code != "x" {
		t.Fatalf("history after shutdown = %+v, %v", hist, err)
	}
}

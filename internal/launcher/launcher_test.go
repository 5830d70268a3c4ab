package launcher

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codewiresh/jupyterwire/internal/wire"
)

func writeSpec(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "kernel.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// ---------------------------------------------------------------------------
// Kernel specs
// ---------------------------------------------------------------------------

func TestFindSpecs(t *testing.T) {
	user := t.TempDir()
	system := t.TempDir()
	writeSpec(t, user, "python3", `{"argv":["python","-m","ipykernel_launcher","-f","{connection_file}"],"display_name":"Python 3 (user)","language":"python"}`)
	writeSpec(t, system, "python3", `{"argv":["python3","-m","ipykernel"],"display_name":"Python 3 (system)","language":"python"}`)
	writeSpec(t, system, "ir", `{"argv":["R","--slave","-e","IRkernel::main()","--args","{connection_file}"],"display_name":"R","language":"R","interrupt_mode":"message"}`)
	writeSpec(t, system, "broken", `{not json`)

	specs := FindSpecs([]string{user, system, filepath.Join(user, "missing")})
	if len(specs) != 2 {
		t.Fatalf("found %d specs, want 2", len(specs))
	}
	if specs[0].Name != "ir" || specs[1].Name != "python3" {
		t.Fatalf("names = %s, %s", specs[0].Name, specs[1].Name)
	}
	if specs[1].DisplayName != "Python 3 (user)" {
		t.Errorf("first directory should win, got %q", specs[1].DisplayName)
	}
	if !specs[0].InterruptByMessage() {
		t.Error("ir should interrupt by message")
	}

	if _, err := FindSpec([]string{user}, "julia"); !errors.Is(err, ErrSpecNotFound) {
		t.Fatalf("err = %v, want ErrSpecNotFound", err)
	}
}

func TestLoadSpecRejectsEmptyArgv(t *testing.T) {
	root := t.TempDir()
	writeSpec(t, root, "empty", `{"argv":[],"display_name":"x"}`)
	if _, err := LoadSpec(filepath.Join(root, "empty")); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestSpecSame(t *testing.T) {
	a := &KernelSpec{Name: "python3", Argv: []string{"python", "-m", "ipykernel"}, Env: map[string]string{"A": "1"}}
	b := &KernelSpec{Name: "python3", Argv: []string{"python", "-m", "ipykernel"}, Env: map[string]string{"A": "1"}}
	if !a.Same(b) {
		t.Fatal("identical specs should be the same")
	}
	b.Env["A"] = "2"
	if a.Same(b) {
		t.Fatal("env differs")
	}
	if a.Same(nil) {
		t.Fatal("nil is not the same")
	}
}

func TestBuildArgv(t *testing.T) {
	spec := &KernelSpec{
		Argv:        []string{"python3", "-m", "ipykernel_launcher", "-f", "{connection_file}", "--res={resource_dir}"},
		ResourceDir: "/specs/python3",
	}
	got := buildArgv(spec, &Interpreter{Path: "/opt/venv/bin/python"}, "/run/k.json")
	want := []string{"/opt/venv/bin/python", "-m", "ipykernel_launcher", "-f", "/run/k.json", "--res=/specs/python3"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("argv = %v, want %v", got, want)
	}

	spec.Argv = []string{"R", "{connection_file}"}
	got = buildArgv(spec, &Interpreter{Path: "/opt/venv/bin/python"}, "/run/k.json")
	if got[0] != "R" {
		t.Fatalf("non-python argv[0] replaced: %v", got)
	}
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("JW_TOKEN", "secret")
	t.Setenv("JW_TEST_VAR", "keep-me")
	env := buildEnv(&KernelSpec{Env: map[string]string{"SPEC": "1"}}, &Interpreter{Env: map[string]string{"VIRTUAL_ENV": "/opt/venv"}})

	has := func(kv string) bool {
		for _, e := range env {
			if e == kv {
				return true
			}
		}
		return false
	}
	for _, e := range env {
		if strings.HasPrefix(e, "JW_TOKEN=") {
			t.Fatal("JW_TOKEN leaked into kernel env")
		}
	}
	for _, kv := range []string{"JW_TEST_VAR=keep-me", "SPEC=1", "VIRTUAL_ENV=/opt/venv"} {
		if !has(kv) {
			t.Errorf("missing %s", kv)
		}
	}
}

// ---------------------------------------------------------------------------
// Processes
// ---------------------------------------------------------------------------

func TestLaunchAndDispose(t *testing.T) {
	runtime := t.TempDir()
	l := NewProcessLauncher(Config{RuntimeDir: runtime, ShutdownGrace: time.Second})
	spec := &KernelSpec{Name: "fake", Argv: []string{"sh", "-c", "cat {connection_file}; sleep 30"}}

	p, err := l.Launch(context.Background(), spec, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	info, err := wire.ReadConnectionFile(p.ConnectionFile)
	if err != nil {
		t.Fatalf("ReadConnectionFile: %v", err)
	}
	if info.Key == "" || info.KernelName != "fake" {
		t.Fatalf("connection info = %+v", info)
	}
	ports := map[int]bool{}
	for _, ch := range wire.Channels {
		ports[info.Port(ch)] = true
	}
	ports[info.HBPort] = true
	if len(ports) != 5 {
		t.Fatalf("ports not distinct: %+v", info)
	}

	if err := p.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after Dispose")
	}
	if _, err := os.Stat(p.ConnectionFile); !os.IsNotExist(err) {
		t.Fatalf("connection file not removed: %v", err)
	}
	if err := p.Dispose(context.Background()); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if err := p.Interrupt(); !errors.Is(err, ErrExited) {
		t.Fatalf("Interrupt after exit = %v", err)
	}
}

func TestKernelOutputLogged(t *testing.T) {
	l := NewProcessLauncher(Config{RuntimeDir: t.TempDir(), ShutdownGrace: time.Second})
	p, err := l.Launch(context.Background(), &KernelSpec{Name: "chatty", Argv: []string{"sh", "-c", "echo kernel ready; sleep 30"}}, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Dispose(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(p.LogPath)
		if strings.Contains(string(data), "kernel ready") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log %s = %q, want kernel output", p.LogPath, data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExitCodeReported(t *testing.T) {
	l := NewProcessLauncher(Config{RuntimeDir: t.TempDir()})
	p, err := l.Launch(context.Background(), &KernelSpec{Name: "fail", Argv: []string{"sh", "-c", "exit 3"}}, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Dispose(context.Background())

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if p.ExitCode() != 3 {
		t.Fatalf("exit code = %d, want 3", p.ExitCode())
	}
	if err := p.WaitForPort(context.Background(), p.Info.HBPort); !errors.Is(err, ErrExited) {
		t.Fatalf("WaitForPort on dead kernel = %v", err)
	}
}

func TestWaitForPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := &Process{
		Info:   &wire.ConnectionInfo{Transport: "tcp", IP: "127.0.0.1"},
		exited: make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.WaitForPort(ctx, ln.Addr().(*net.TCPAddr).Port); err != nil {
		t.Fatalf("WaitForPort: %v", err)
	}
}

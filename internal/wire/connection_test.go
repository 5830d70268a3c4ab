package wire

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEndpoint(t *testing.T) {
	info := ConnectionInfo{
		Transport: "tcp", IP: "127.0.0.1",
		ShellPort: 5001, IOPubPort: 5002, StdinPort: 5003, ControlPort: 5004, HBPort: 5005,
	}
	if got := info.Endpoint(Shell); got != "tcp://127.0.0.1:5001" {
		t.Errorf("shell endpoint = %q", got)
	}
	if got := info.Endpoint(IOPub); got != "tcp://127.0.0.1:5002" {
		t.Errorf("iopub endpoint = %q", got)
	}
	if got := info.HeartbeatEndpoint(); got != "tcp://127.0.0.1:5005" {
		t.Errorf("hb endpoint = %q", got)
	}

	info.Transport = "ipc"
	info.IP = "/tmp/kernel-ipc"
	if got := info.Endpoint(Control); got != "ipc:///tmp/kernel-ipc-5004" {
		t.Errorf("ipc endpoint = %q", got)
	}
}

func TestConnectionFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel-1.json")
	info := &ConnectionInfo{
		Transport: "tcp", IP: "127.0.0.1",
		ShellPort: 1, IOPubPort: 2, StdinPort: 3, ControlPort: 4, HBPort: 5,
		SignatureScheme: "hmac-sha256", Key: "abc", KernelName: "python3",
	}
	if err := info.WriteConnectionFile(path); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", st.Mode().Perm())
	}

	got, err := ReadConnectionFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *info {
		t.Errorf("got %+v, want %+v", got, info)
	}
}

func TestConnectionInfoValidate(t *testing.T) {
	info := ConnectionInfo{Transport: "udp", IP: "x", ShellPort: 1, IOPubPort: 1, StdinPort: 1, ControlPort: 1, HBPort: 1}
	if err := info.Validate(); err == nil {
		t.Fatal("expected error for udp transport")
	}
	info.Transport = "tcp"
	info.HBPort = 0
	if err := info.Validate(); err == nil {
		t.Fatal("expected error for zero hb_port")
	}
}

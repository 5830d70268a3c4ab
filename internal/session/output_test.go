package session

import (
	"testing"

	"github.com/codewiresh/jupyterwire/internal/wire"
)

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello\nworld", "hello\nworld"},
		{"colour", "\x1b[31mValueError\x1b[0m: boom", "ValueError: boom"},
		{"bold colour", "\x1b[1;32mok\x1b[39;49m", "ok"},
		{"osc bel", "\x1b]0;title\x07text", "text"},
		{"osc st", "\x1b]8;;http://x\x1b\\link", "link"},
		{"charset", "\x1b(Babc", "Babc"},
		{"trailing escape", "abc\x1b", "abc"},
		{"newlines kept", "\x1b[2K\r\nline\n", "\r\nline\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripANSI(tt.in); got != tt.want {
				t.Fatalf("stripANSI(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func iopub(msgType string, content map[string]any) *wire.Message {
	parent := wire.NewMessage(wire.Shell, wire.ExecuteRequest, "client", "user", nil)
	return reply(parent, wire.IOPub, msgType, content)
}

func TestOutputOf(t *testing.T) {
	stream := iopub(wire.Stream, map[string]any{"name": "stderr", "text": "warn\n"})
	out, ok := outputOf(stream)
	if !ok || out.Stream != "stderr" || out.Text != "warn\n" || out.Kind != wire.Stream {
		t.Fatalf("stream = %+v, %v", out, ok)
	}
	if out.MsgID != stream.ParentMsgID() {
		t.Fatalf("msg id = %q, want parent %q", out.MsgID, stream.ParentMsgID())
	}

	result := iopub(wire.ExecuteResult, map[string]any{"data": map[string]any{"text/plain": "3"}})
	if out, ok := outputOf(result); !ok || out.Text != "3\n" {
		t.Fatalf("execute_result = %+v, %v", out, ok)
	}

	image := iopub(wire.DisplayData, map[string]any{"data": map[string]any{"image/png": "iVBOR"}})
	if _, ok := outputOf(image); ok {
		t.Fatal("display_data without text/plain produced output")
	}

	tb := iopub(wire.Error, map[string]any{"ename": "E", "evalue": "v", "traceback": []any{"line 1", "line 2"}})
	if out, ok := outputOf(tb); !ok || out.Text != "line 1\nline 2\n" {
		t.Fatalf("error = %q, %v", out.Text, ok)
	}

	bare := iopub(wire.Error, map[string]any{"ename": "NameError", "evalue": "x"})
	if out, _ := outputOf(bare); out.Text != "NameError: x\n" {
		t.Fatalf("error without traceback = %q", out.Text)
	}

	if _, ok := outputOf(iopub(wire.Status, map[string]any{"execution_state": "idle"})); ok {
		t.Fatal("status produced output")
	}
}

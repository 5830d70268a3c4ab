package session

import (
	"strings"

	"github.com/codewiresh/jupyterwire/internal/protocol"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// outputOf extracts the displayable text of an iopub message. It reports
// false for messages that carry no output (status, execute_input, comms).
func outputOf(msg *wire.Message) (protocol.Output, bool) {
	out := protocol.Output{MsgID: msg.ParentMsgID(), Kind: msg.Type()}
	switch msg.Type() {
	case wire.Stream:
		out.Stream = msg.ContentString("name")
		out.Text = msg.ContentString("text")
	case wire.ExecuteResult, wire.DisplayData:
		data, _ := msg.Content["data"].(map[string]any)
		text, _ := data["text/plain"].(string)
		if text == "" {
			return out, false
		}
		out.Text = text + "\n"
	case wire.Error:
		out.Text = strings.Join(traceback(msg), "\n") + "\n"
		if out.Text == "\n" {
			out.Text = msg.ContentString("ename") + ": " + msg.ContentString("evalue") + "\n"
		}
	default:
		return out, false
	}
	return out, true
}

func traceback(msg *wire.Message) []string {
	raw, _ := msg.Content["traceback"].([]any)
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok {
			lines = append(lines, s)
		}
	}
	return lines
}

// stripANSI removes ANSI/VT100 escape sequences from s. Kernels colour
// tracebacks; recorded history keeps plain text.
func stripANSI(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '\x1b' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+1 >= len(s) {
			break
		}
		switch s[i+1] {
		case '[': // CSI: parameters then a final byte in 0x40..0x7E
			i += 2
			for i < len(s) && (s[i] < 0x40 || s[i] > 0x7E) {
				i++
			}
			i++
		case ']': // OSC: terminated by BEL or ESC \
			i += 2
			for i < len(s) {
				if s[i] == '\x07' {
					i++
					break
				}
				if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '\\' {
					i += 2
					break
				}
				i++
			}
		default:
			i += 2
		}
	}
	return b.String()
}

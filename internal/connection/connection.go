// Package connection carries protocol frames between the jw CLI and the
// node daemon over a Unix socket or a WebSocket.
package connection

import "github.com/codewiresh/jupyterwire/internal/protocol"

// FrameReader reads protocol frames from a transport. ReadFrame returns
// (nil, nil) when the peer closed the connection cleanly.
type FrameReader interface {
	ReadFrame() (*protocol.Frame, error)
	Close() error
}

// FrameWriter writes protocol frames to a transport. Implementations are
// safe for concurrent use.
type FrameWriter interface {
	WriteFrame(f *protocol.Frame) error
	SendResponse(resp *protocol.Response) error
	SendRequest(req *protocol.Request) error
	Close() error
}

// sendControl marshals v into a control frame and writes it.
func sendControl(w FrameWriter, v any) error {
	f, err := protocol.ControlFrame(v)
	if err != nil {
		return err
	}
	return w.WriteFrame(f)
}

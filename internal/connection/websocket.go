package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"

	"github.com/codewiresh/jupyterwire/internal/protocol"
)

// WSReader reads frames from a WebSocket. Text messages are control
// frames and binary messages are data frames.
type WSReader struct {
	conn *websocket.Conn
	ctx  context.Context
}

func NewWSReader(ctx context.Context, conn *websocket.Conn) *WSReader {
	return &WSReader{conn: conn, ctx: ctx}
}

// ReadFrame returns (nil, nil) when the peer sent a close frame.
func (r *WSReader) ReadFrame() (*protocol.Frame, error) {
	msgType, data, err := r.conn.Read(r.ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, nil
		}
		return nil, err
	}
	switch msgType {
	case websocket.MessageText:
		return &protocol.Frame{Type: protocol.FrameControl, Payload: data}, nil
	case websocket.MessageBinary:
		return &protocol.Frame{Type: protocol.FrameData, Payload: data}, nil
	default:
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
}

func (r *WSReader) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}

// WSWriter writes frames to a WebSocket.
type WSWriter struct {
	conn *websocket.Conn
	ctx  context.Context
	mu   sync.Mutex
}

func NewWSWriter(ctx context.Context, conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn, ctx: ctx}
}

func (w *WSWriter) WriteFrame(f *protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch f.Type {
	case protocol.FrameControl:
		return w.conn.Write(w.ctx, websocket.MessageText, f.Payload)
	case protocol.FrameData:
		return w.conn.Write(w.ctx, websocket.MessageBinary, f.Payload)
	default:
		return fmt.Errorf("unknown frame type: %d", f.Type)
	}
}

func (w *WSWriter) SendResponse(resp *protocol.Response) error { return sendControl(w, resp) }
func (w *WSWriter) SendRequest(req *protocol.Request) error    { return sendControl(w, req) }

func (w *WSWriter) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

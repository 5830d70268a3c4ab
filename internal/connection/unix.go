package connection

import (
	"net"
	"sync"

	"github.com/codewiresh/jupyterwire/internal/protocol"
)

// UnixReader reads frames from a Unix socket connection.
type UnixReader struct {
	conn net.Conn
}

func NewUnixReader(conn net.Conn) *UnixReader {
	return &UnixReader{conn: conn}
}

func (r *UnixReader) ReadFrame() (*protocol.Frame, error) {
	return protocol.ReadFrame(r.conn)
}

func (r *UnixReader) Close() error {
	return r.conn.Close()
}

// UnixWriter writes frames to a Unix socket connection.
type UnixWriter struct {
	conn net.Conn
	mu   sync.Mutex
}

func NewUnixWriter(conn net.Conn) *UnixWriter {
	return &UnixWriter{conn: conn}
}

func (w *UnixWriter) WriteFrame(f *protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.WriteFrame(w.conn, f)
}

func (w *UnixWriter) SendResponse(resp *protocol.Response) error { return sendControl(w, resp) }
func (w *UnixWriter) SendRequest(req *protocol.Request) error    { return sendControl(w, req) }

func (w *UnixWriter) Close() error {
	return w.conn.Close()
}

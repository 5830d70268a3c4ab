package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"nhooyr.io/websocket"

	"github.com/codewiresh/jupyterwire/internal/connection"
	"github.com/codewiresh/jupyterwire/internal/node"
	"github.com/codewiresh/jupyterwire/internal/protocol"
)

// Target describes where to connect: either a local Unix socket or a remote
// WebSocket endpoint.
type Target struct {
	Local string // dataDir path (empty if remote)
	URL   string // ws:// or wss:// URL for remote
	Token string // auth token for remote
}

// IsLocal returns true when the target is a local Unix socket connection.
func (t *Target) IsLocal() bool { return t.Local != "" }

// Connect establishes a connection to the target and returns a FrameReader
// and FrameWriter pair. The caller is responsible for closing both.
func (t *Target) Connect() (connection.FrameReader, connection.FrameWriter, error) {
	if t.IsLocal() {
		conn, err := net.Dial("unix", filepath.Join(t.Local, node.SocketName))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to local socket: %w", err)
		}
		return connection.NewUnixReader(conn), connection.NewUnixWriter(conn), nil
	}

	ctx := context.Background()
	opts := &websocket.DialOptions{}
	if t.Token != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + t.Token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL(t.URL), opts)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to remote server: %w", err)
	}
	// Execution output can be large.
	conn.SetReadLimit(-1)
	return connection.NewWSReader(ctx, conn), connection.NewWSWriter(ctx, conn), nil
}

// wsURL normalises a server address into the node's WebSocket endpoint.
func wsURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "ws", Host: raw}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	return u.String()
}

// readResponse reads one control frame and decodes it.
func readResponse(reader connection.FrameReader) (*protocol.Response, error) {
	frame, err := reader.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if frame == nil {
		return nil, errors.New("connection closed before response")
	}
	if frame.Type != protocol.FrameControl {
		return nil, fmt.Errorf("expected control frame, got type 0x%02x", frame.Type)
	}
	var resp protocol.Response
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &resp, nil
}

// requestResponse opens a connection, sends a single request, reads a single
// control frame response, and closes the connection. It is the building block
// for simple one-shot commands.
func requestResponse(target *Target, req *protocol.Request) (*protocol.Response, error) {
	reader, writer, err := target.Connect()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	defer writer.Close()

	if err := writer.SendRequest(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return readResponse(reader)
}

// call is requestResponse plus the checks every one-shot command makes:
// Error responses become errors and the response type must be want.
func call(target *Target, req *protocol.Request, want string) (*protocol.Response, error) {
	resp, err := requestResponse(target, req)
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.RespError {
		return nil, errors.New(formatError(resp.Message))
	}
	if resp.Type != want {
		return nil, fmt.Errorf("unexpected response type: %s", resp.Type)
	}
	return resp, nil
}

// formatError appends helpful hints to common error messages.
func formatError(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "session not found"):
		return message + "\n\nUse 'jw list' to see active sessions"
	case strings.Contains(lower, "kernel spec not found"):
		return message + "\n\nUse 'jw specs' to see installed kernels"
	case strings.Contains(lower, "disposed"), strings.Contains(lower, "dead"):
		return message + "\n\nUse 'jw restart <id>' to start a fresh kernel"
	}
	return message
}

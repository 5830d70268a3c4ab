// Package mcp exposes node sessions as Model Context Protocol tools over
// JSON-RPC 2.0 on stdio, so an agent can launch kernels and run code.
package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/codewiresh/jupyterwire/internal/connection"
	"github.com/codewiresh/jupyterwire/internal/protocol"
)

// ---------------------------------------------------------------------------
// JSON-RPC 2.0 types
// ---------------------------------------------------------------------------

type jsonRPCRequest struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Result  any              `json:"result,omitempty"`
	Error   *jsonRPCError    `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Dialer opens a connection to the node. *client.Target implements it.
type Dialer interface {
	Connect() (connection.FrameReader, connection.FrameWriter, error)
}

// maxOutput caps the text returned by a single tool call.
const maxOutput = 100_000

// Server answers MCP requests by forwarding them to a node.
type Server struct {
	node Dialer
	// ExecTimeout is how long jw_execute waits before interrupting the
	// kernel, unless the call sets timeout_seconds.
	ExecTimeout time.Duration
	// InterruptGrace is how long to wait for the result after interrupting.
	InterruptGrace time.Duration
	Version        string
}

func NewServer(node Dialer) *Server {
	return &Server{
		node:           node,
		ExecTimeout:    60 * time.Second,
		InterruptGrace: 10 * time.Second,
		Version:        "0.1.0",
	}
}

// Run reads newline-delimited JSON-RPC requests from in and writes responses
// to out until in is exhausted.
func (s *Server) Run(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Warn("invalid JSON-RPC", "err", err)
			continue
		}
		// Notifications get no response.
		if req.ID == nil {
			continue
		}

		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "jupyterwire", "version": s.Version},
			}
		case "ping":
			resp.Result = map[string]any{}
		case "tools/list":
			resp.Result = map[string]any{"tools": tools()}
		case "tools/call":
			text, err := s.callTool(req.Params)
			var pe *paramError
			switch {
			case errors.As(err, &pe):
				resp.Error = &jsonRPCError{Code: codeInvalidParams, Message: err.Error()}
			case err != nil:
				resp.Result = toolResult(err.Error(), true)
			default:
				resp.Result = toolResult(text, false)
			}
		default:
			resp.Error = &jsonRPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		}

		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func toolResult(text string, isError bool) map[string]any {
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... [output truncated]"
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isError,
	}
}

// ---------------------------------------------------------------------------
// Tool definitions
// ---------------------------------------------------------------------------

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

var sessionID = prop("integer", "The session ID")

func tools() []tool {
	return []tool{
		{
			Name:        "jw_list_sessions",
			Description: "List kernel sessions with their kernel, status and execution count",
			InputSchema: object(nil, map[string]any{}),
		},
		{
			Name:        "jw_list_specs",
			Description: "List the kernel specs that can be launched",
			InputSchema: object(nil, map[string]any{}),
		},
		{
			Name:        "jw_launch_session",
			Description: "Start a new kernel session and return its ID",
			InputSchema: object([]string{"kernel"}, map[string]any{
				"kernel":      prop("string", "Kernel spec name, e.g. python3"),
				"working_dir": prop("string", "Working directory for the kernel (defaults to the node's)"),
			}),
		},
		{
			Name:        "jw_execute",
			Description: "Run code in a session and return its output. Long runs are interrupted after the timeout.",
			InputSchema: object([]string{"session_id", "code"}, map[string]any{
				"session_id":      sessionID,
				"code":            prop("string", "Code to execute"),
				"timeout_seconds": prop("integer", "Interrupt the execution after this many seconds (default 60)"),
			}),
		},
		{
			Name:        "jw_complete",
			Description: "Ask the kernel for completions of code at a cursor position",
			InputSchema: object([]string{"session_id", "code"}, map[string]any{
				"session_id": sessionID,
				"code":       prop("string", "Code to complete"),
				"cursor_pos": prop("integer", "Cursor offset in code (default end of code)"),
			}),
		},
		{
			Name:        "jw_get_session_status",
			Description: "Get detailed status information for a session",
			InputSchema: object([]string{"session_id"}, map[string]any{"session_id": sessionID}),
		},
		{
			Name:        "jw_history",
			Description: "List the most recent executions recorded for a session",
			InputSchema: object([]string{"session_id"}, map[string]any{
				"session_id": sessionID,
				"tail":       prop("integer", "Number of executions (default 20)"),
			}),
		},
		{
			Name:        "jw_interrupt",
			Description: "Interrupt the code running in a session",
			InputSchema: object([]string{"session_id"}, map[string]any{"session_id": sessionID}),
		},
		{
			Name:        "jw_restart",
			Description: "Restart a session's kernel, clearing its state",
			InputSchema: object([]string{"session_id"}, map[string]any{"session_id": sessionID}),
		},
		{
			Name:        "jw_kill_session",
			Description: "Shut a session down",
			InputSchema: object([]string{"session_id"}, map[string]any{"session_id": sessionID}),
		},
	}
}

// ---------------------------------------------------------------------------
// Tool dispatch
// ---------------------------------------------------------------------------

// paramError marks bad tool arguments, reported as a JSON-RPC error rather
// than a failed tool result.
type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func (s *Server) callTool(params json.RawMessage) (string, error) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", &paramError{fmt.Sprintf("invalid params: %v", err)}
	}
	args := p.Arguments

	switch p.Name {
	case "jw_list_sessions":
		return s.listSessions()
	case "jw_list_specs":
		return s.listSpecs()
	case "jw_launch_session":
		kernel, err := argString(args, "kernel")
		if err != nil {
			return "", err
		}
		dir, _ := args["working_dir"].(string)
		return s.launch(kernel, dir)
	}

	id, err := argUint32(args, "session_id")
	if err != nil {
		if !knownTool(p.Name) {
			return "", &paramError{fmt.Sprintf("unknown tool: %s", p.Name)}
		}
		return "", err
	}

	switch p.Name {
	case "jw_execute":
		code, err := argString(args, "code")
		if err != nil {
			return "", err
		}
		timeout := s.ExecTimeout
		if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
			timeout = time.Duration(v * float64(time.Second))
		}
		return s.execute(id, code, timeout)
	case "jw_complete":
		code, err := argString(args, "code")
		if err != nil {
			return "", err
		}
		req := &protocol.Request{Type: protocol.ReqComplete, ID: &id, Code: code}
		if v, ok := args["cursor_pos"].(float64); ok {
			pos := int(v)
			req.CursorPos = &pos
		}
		resp, err := s.request(req, protocol.RespCompletions)
		if err != nil {
			return "", err
		}
		if resp.Completions == nil || len(resp.Completions.Matches) == 0 {
			return "No completions", nil
		}
		return strings.Join(resp.Completions.Matches, "\n"), nil
	case "jw_get_session_status":
		resp, err := s.request(&protocol.Request{Type: protocol.ReqGetStatus, ID: &id}, protocol.RespSessionStatus)
		if err != nil {
			return "", err
		}
		return toJSON(resp.Info)
	case "jw_history":
		tail := uint(20)
		if v, ok := args["tail"].(float64); ok && v > 0 {
			tail = uint(v)
		}
		resp, err := s.request(&protocol.Request{Type: protocol.ReqHistory, ID: &id, Tail: &tail}, protocol.RespHistory)
		if err != nil {
			return "", err
		}
		if resp.Executions == nil || len(*resp.Executions) == 0 {
			return "No executions recorded", nil
		}
		return toJSON(*resp.Executions)
	case "jw_interrupt":
		if _, err := s.request(&protocol.Request{Type: protocol.ReqInterrupt, ID: &id}, protocol.RespInterrupted); err != nil {
			return "", err
		}
		return fmt.Sprintf("Session %d interrupted", id), nil
	case "jw_restart":
		if _, err := s.request(&protocol.Request{Type: protocol.ReqRestart, ID: &id}, protocol.RespRestarted); err != nil {
			return "", err
		}
		return fmt.Sprintf("Session %d restarted", id), nil
	case "jw_kill_session":
		if _, err := s.request(&protocol.Request{Type: protocol.ReqKill, ID: &id}, protocol.RespKilled); err != nil {
			return "", err
		}
		return fmt.Sprintf("Session %d killed", id), nil
	}
	return "", &paramError{fmt.Sprintf("unknown tool: %s", p.Name)}
}

func knownTool(name string) bool {
	for _, t := range tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

func (s *Server) listSessions() (string, error) {
	resp, err := s.request(&protocol.Request{Type: protocol.ReqListSessions}, protocol.RespSessionList)
	if err != nil {
		return "", err
	}
	if resp.Sessions == nil || len(*resp.Sessions) == 0 {
		return "No sessions", nil
	}
	return toJSON(*resp.Sessions)
}

func (s *Server) listSpecs() (string, error) {
	resp, err := s.request(&protocol.Request{Type: protocol.ReqListSpecs}, protocol.RespSpecList)
	if err != nil {
		return "", err
	}
	if resp.Specs == nil || len(*resp.Specs) == 0 {
		return "No kernel specs installed", nil
	}
	return toJSON(*resp.Specs)
}

func (s *Server) launch(kernel, dir string) (string, error) {
	resp, err := s.request(&protocol.Request{Type: protocol.ReqLaunch, Kernel: kernel, WorkingDir: dir}, protocol.RespLaunched)
	if err != nil {
		return "", err
	}
	if resp.ID == nil {
		return "", errors.New("launch response without id")
	}
	return fmt.Sprintf("Launched session %d (%s)", *resp.ID, kernel), nil
}

type respOrError struct {
	resp *protocol.Response
	err  error
}

// execute runs code and collects its output. When timeout passes the
// kernel is interrupted and the result is awaited for InterruptGrace more.
func (s *Server) execute(id uint32, code string, timeout time.Duration) (string, error) {
	reader, writer, err := s.node.Connect()
	if err != nil {
		return "", err
	}
	defer reader.Close()
	defer writer.Close()

	if err := writer.SendRequest(&protocol.Request{Type: protocol.ReqExecute, ID: &id, Code: code}); err != nil {
		return "", fmt.Errorf("sending execute request: %w", err)
	}

	ch := make(chan respOrError, 16)
	go func() {
		for {
			resp, err := readResponse(reader)
			ch <- respOrError{resp, err}
			if err != nil {
				return
			}
		}
	}()

	var out strings.Builder
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	interrupted := false

	for {
		select {
		case r := <-ch:
			if r.err != nil {
				return out.String(), r.err
			}
			switch r.resp.Type {
			case protocol.RespOutput:
				if r.resp.Output != nil && out.Len() <= maxOutput {
					out.WriteString(r.resp.Output.Text)
				}
			case protocol.RespExecuteResult:
				return out.String() + summary(r.resp.Result, interrupted), nil
			case protocol.RespError:
				return out.String(), errors.New(r.resp.Message)
			}
		case <-deadline.C:
			if interrupted {
				return out.String() + "\n[no result after interrupt]", nil
			}
			interrupted = true
			if err := writer.SendRequest(&protocol.Request{Type: protocol.ReqInterrupt, ID: &id}); err != nil {
				return out.String(), fmt.Errorf("sending interrupt: %w", err)
			}
			deadline.Reset(s.InterruptGrace)
		}
	}
}

func summary(res *protocol.ExecResult, interrupted bool) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n[")
	if interrupted {
		b.WriteString("timed out, interrupted; ")
	}
	b.WriteString("status: " + res.Status)
	if res.ExecutionCount != nil {
		fmt.Fprintf(&b, ", execution_count: %d", *res.ExecutionCount)
	}
	if res.EName != "" {
		fmt.Fprintf(&b, ", %s: %s", res.EName, res.EValue)
	}
	b.WriteString("]")
	return b.String()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func readResponse(reader connection.FrameReader) (*protocol.Response, error) {
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, errors.New("connection closed by node")
		}
		if f.Type != protocol.FrameControl {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(f.Payload, &resp); err != nil {
			return nil, fmt.Errorf("parsing response: %w", err)
		}
		return &resp, nil
	}
}

// request sends one request and expects a response of type want.
func (s *Server) request(req *protocol.Request, want string) (*protocol.Response, error) {
	reader, writer, err := s.node.Connect()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	defer writer.Close()

	if err := writer.SendRequest(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	resp, err := readResponse(reader)
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.RespError {
		return nil, errors.New(resp.Message)
	}
	if resp.Type != want {
		return nil, fmt.Errorf("unexpected response type: %s", resp.Type)
	}
	return resp, nil
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// argUint32 extracts a uint32 argument. JSON numbers arrive as float64.
func argUint32(args map[string]any, key string) (uint32, error) {
	v, ok := args[key].(float64)
	if !ok || v < 0 {
		return 0, &paramError{fmt.Sprintf("missing %s", key)}
	}
	return uint32(v), nil
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", &paramError{fmt.Sprintf("missing %s", key)}
	}
	return v, nil
}

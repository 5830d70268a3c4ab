package kernel

import (
	"context"

	"github.com/codewiresh/jupyterwire/internal/wire"
)

// ExecuteOptions is the content of an execute_request.
type ExecuteOptions struct {
	Silent          bool
	StoreHistory    bool
	AllowStdin      bool
	StopOnError     bool
	UserExpressions map[string]any
}

// DefaultExecuteOptions matches what notebook frontends send for a cell run.
func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{StoreHistory: true, AllowStdin: true, StopOnError: true}
}

// RequestExecute runs code on the shell channel.
func (c *Connection) RequestExecute(ctx context.Context, code string, eo ExecuteOptions, opts RequestOptions) (*Future, error) {
	return c.Request(ctx, wire.Shell, wire.ExecuteRequest, map[string]any{
		"code":             code,
		"silent":           eo.Silent,
		"store_history":    eo.StoreHistory,
		"user_expressions": orEmpty(eo.UserExpressions),
		"allow_stdin":      eo.AllowStdin,
		"stop_on_error":    eo.StopOnError,
	}, opts)
}

// RequestKernelInfo asks the kernel to describe itself.
func (c *Connection) RequestKernelInfo(ctx context.Context) (*Future, error) {
	return c.Request(ctx, wire.Shell, wire.KernelInfoRequest, nil, RequestOptions{DisposeOnDone: true})
}

// RequestInspect asks for documentation of the object at cursorPos.
func (c *Connection) RequestInspect(ctx context.Context, code string, cursorPos, detailLevel int) (*Future, error) {
	return c.Request(ctx, wire.Shell, wire.InspectRequest, map[string]any{
		"code":         code,
		"cursor_pos":   cursorPos,
		"detail_level": detailLevel,
	}, RequestOptions{DisposeOnDone: true})
}

// RequestComplete asks for completions at cursorPos.
func (c *Connection) RequestComplete(ctx context.Context, code string, cursorPos int) (*Future, error) {
	return c.Request(ctx, wire.Shell, wire.CompleteRequest, map[string]any{
		"code":       code,
		"cursor_pos": cursorPos,
	}, RequestOptions{DisposeOnDone: true})
}

// RequestIsComplete asks whether code is a complete statement.
func (c *Connection) RequestIsComplete(ctx context.Context, code string) (*Future, error) {
	return c.Request(ctx, wire.Shell, wire.IsCompleteRequest, map[string]any{
		"code": code,
	}, RequestOptions{DisposeOnDone: true})
}

// RequestHistory fetches the last n history entries.
func (c *Connection) RequestHistory(ctx context.Context, n int) (*Future, error) {
	return c.Request(ctx, wire.Shell, wire.HistoryRequest, map[string]any{
		"output":           false,
		"raw":              true,
		"hist_access_type": "tail",
		"n":                n,
	}, RequestOptions{DisposeOnDone: true})
}

// RequestCommInfo lists the kernel's open comms, optionally filtered by
// target name.
func (c *Connection) RequestCommInfo(ctx context.Context, targetName string) (*Future, error) {
	content := map[string]any{}
	if targetName != "" {
		content["target_name"] = targetName
	}
	return c.Request(ctx, wire.Shell, wire.CommInfoRequest, content, RequestOptions{DisposeOnDone: true})
}

// RequestDebug sends a Debug Adapter Protocol request on the control channel.
func (c *Connection) RequestDebug(ctx context.Context, content map[string]any) (*Future, error) {
	return c.Request(ctx, wire.Control, wire.DebugRequest, content, RequestOptions{DisposeOnDone: true})
}

// RequestInterrupt asks the kernel to interrupt itself. Only kernels whose
// spec sets interrupt_mode "message" honour it.
func (c *Connection) RequestInterrupt(ctx context.Context) (*Future, error) {
	return c.Request(ctx, wire.Control, wire.InterruptRequest, nil, RequestOptions{DisposeOnDone: true})
}

// RequestShutdown asks the kernel to exit, or to restart in place.
func (c *Connection) RequestShutdown(ctx context.Context, restart bool) (*Future, error) {
	return c.Request(ctx, wire.Control, wire.ShutdownRequest, map[string]any{
		"restart": restart,
	}, RequestOptions{DisposeOnDone: true})
}

// SendInputReply answers an input_request raised by the kernel.
func (c *Connection) SendInputReply(ctx context.Context, request *wire.Message, value string) error {
	msg := wire.NewMessage(wire.Stdin, wire.InputReply, c.clientID, c.username, map[string]any{
		"status": "ok",
		"value":  value,
	})
	msg.SetParent(request)
	return c.send(ctx, msg)
}

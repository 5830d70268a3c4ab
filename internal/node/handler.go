package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewiresh/jupyterwire/internal/connection"
	"github.com/codewiresh/jupyterwire/internal/launcher"
	"github.com/codewiresh/jupyterwire/internal/protocol"
	"github.com/codewiresh/jupyterwire/internal/session"
)

// handleClient reads the first control frame from a client, dispatches the
// request by type, and returns. Each Unix/WebSocket connection is handled
// by exactly one goroutine calling this function.
func handleClient(ctx context.Context, reader connection.FrameReader, writer connection.FrameWriter, manager *session.Manager) {
	defer reader.Close()
	defer writer.Close()

	f, err := reader.ReadFrame()
	if err != nil {
		slog.Error("failed to read initial frame", "err", err)
		return
	}
	if f == nil {
		return // clean disconnect
	}
	if f.Type != protocol.FrameControl {
		slog.Error("expected control frame, got data frame")
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		slog.Error("failed to parse request", "err", err)
		return
	}

	if err := dispatch(ctx, reader, writer, manager, &req); err != nil {
		_ = writer.SendResponse(protocol.ErrorResponse(err))
	}
}

var errMissingID = errors.New("missing session id")

// dispatch serves one request. A returned error is sent to the client as
// an Error response.
func dispatch(ctx context.Context, reader connection.FrameReader, writer connection.FrameWriter, manager *session.Manager, req *protocol.Request) error {
	needID := func() (uint32, error) {
		if req.ID == nil {
			return 0, errMissingID
		}
		return *req.ID, nil
	}

	switch req.Type {
	case protocol.ReqListSessions:
		sessions := manager.List()
		return writer.SendResponse(&protocol.Response{Type: protocol.RespSessionList, Sessions: &sessions})

	case protocol.ReqListSpecs:
		specs := manager.Specs()
		return writer.SendResponse(&protocol.Response{Type: protocol.RespSpecList, Specs: &specs})

	case protocol.ReqLaunch:
		id, err := manager.Launch(ctx, req.Kernel, req.WorkingDir, interpreter(req))
		if err != nil {
			return err
		}
		return writer.SendResponse(&protocol.Response{Type: protocol.RespLaunched, ID: &id})

	case protocol.ReqExecute:
		id, err := needID()
		if err != nil {
			return err
		}
		return handleExecute(ctx, reader, writer, manager, id, req)

	case protocol.ReqInterrupt:
		id, err := needID()
		if err != nil {
			return err
		}
		if err := manager.Interrupt(ctx, id); err != nil {
			return err
		}
		return writer.SendResponse(&protocol.Response{Type: protocol.RespInterrupted, ID: &id})

	case protocol.ReqRestart:
		id, err := needID()
		if err != nil {
			return err
		}
		if err := manager.Restart(ctx, id); err != nil {
			return err
		}
		return writer.SendResponse(&protocol.Response{Type: protocol.RespRestarted, ID: &id})

	case protocol.ReqChangeKernel:
		id, err := needID()
		if err != nil {
			return err
		}
		if err := manager.ChangeKernel(ctx, id, req.Kernel, interpreter(req)); err != nil {
			return err
		}
		return writer.SendResponse(&protocol.Response{Type: protocol.RespKernelChanged, ID: &id})

	case protocol.ReqKill:
		id, err := needID()
		if err != nil {
			return err
		}
		if err := manager.Shutdown(ctx, id); err != nil {
			return err
		}
		return writer.SendResponse(&protocol.Response{Type: protocol.RespKilled, ID: &id})

	case protocol.ReqKillAll:
		n, err := manager.ShutdownAll(ctx)
		if err != nil {
			slog.Warn("kill all", "err", err)
		}
		count := uint(n)
		return writer.SendResponse(&protocol.Response{Type: protocol.RespKilledAll, Count: &count})

	case protocol.ReqGetStatus:
		id, err := needID()
		if err != nil {
			return err
		}
		info, err := manager.Info(id)
		if err != nil {
			return err
		}
		return writer.SendResponse(&protocol.Response{Type: protocol.RespSessionStatus, Info: &info})

	case protocol.ReqHistory:
		id, err := needID()
		if err != nil {
			return err
		}
		tail := 0
		if req.Tail != nil {
			tail = int(*req.Tail)
		}
		execs, err := manager.History(ctx, id, tail)
		if err != nil {
			return err
		}
		return writer.SendResponse(&protocol.Response{Type: protocol.RespHistory, Executions: &execs})

	case protocol.ReqComplete:
		id, err := needID()
		if err != nil {
			return err
		}
		pos := len([]rune(req.Code))
		if req.CursorPos != nil {
			pos = *req.CursorPos
		}
		c, err := manager.Complete(ctx, id, req.Code, pos)
		if err != nil {
			return err
		}
		return writer.SendResponse(&protocol.Response{Type: protocol.RespCompletions, Completions: c})

	case protocol.ReqWatchSession:
		id, err := needID()
		if err != nil {
			return err
		}
		if err := handleWatchSession(reader, writer, manager, id, *req.IncludeHistory, req.Tail); err != nil {
			slog.Debug("watch session ended", "id", id, "err", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown request type: %s", req.Type)
	}
}

func interpreter(req *protocol.Request) *launcher.Interpreter {
	if req.Interpreter == "" {
		return nil
	}
	return &launcher.Interpreter{Path: req.Interpreter}
}

// frameOrError bundles a frame read result for channel-based communication.
type frameOrError struct {
	frame *protocol.Frame
	err   error
}

// readFrames pumps client frames into a channel until the client goes away
// or done is closed.
func readFrames(reader connection.FrameReader, done <-chan struct{}) <-chan frameOrError {
	frameCh := make(chan frameOrError, 1)
	go func() {
		defer close(frameCh)
		for {
			f, err := reader.ReadFrame()
			select {
			case frameCh <- frameOrError{frame: f, err: err}:
			case <-done:
				return
			}
			if err != nil || f == nil {
				return
			}
		}
	}()
	return frameCh
}

// handleExecute runs code and streams Output responses, then a final
// ExecuteResult. While the code runs the client may send InputReply to
// answer an InputRequest, or Interrupt. A client disconnect abandons the
// wait; the kernel keeps running the code.
func handleExecute(ctx context.Context, reader connection.FrameReader, writer connection.FrameWriter, manager *session.Manager, id uint32, req *protocol.Request) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inputCh := make(chan string, 1)
	go func() {
		for fe := range readFrames(reader, ctx.Done()) {
			if fe.err != nil || fe.frame == nil {
				cancel()
				return
			}
			if fe.frame.Type != protocol.FrameControl {
				continue
			}
			var ctrl protocol.Request
			if err := json.Unmarshal(fe.frame.Payload, &ctrl); err != nil {
				slog.Error("failed to parse execute control frame", "err", err)
				continue
			}
			switch ctrl.Type {
			case protocol.ReqInputReply:
				select {
				case inputCh <- ctrl.Value:
				default:
					slog.Warn("input reply with no pending request", "id", id)
				}
			case protocol.ReqInterrupt:
				go func() {
					if err := manager.Interrupt(ctx, id); err != nil {
						slog.Warn("interrupt during execute", "id", id, "err", err)
					}
				}()
			default:
				slog.Warn("unexpected control frame during execute", "type", ctrl.Type)
			}
		}
	}()

	opts := session.ExecOptions{
		OnOutput: func(out protocol.Output) {
			if err := writer.SendResponse(&protocol.Response{Type: protocol.RespOutput, ID: &id, Output: &out}); err != nil {
				slog.Debug("sending output", "id", id, "err", err)
				cancel()
			}
		},
	}
	if req.AllowStdin {
		opts.OnInput = func(ictx context.Context, prompt string, password bool) (string, error) {
			err := writer.SendResponse(&protocol.Response{
				Type:     protocol.RespInputRequest,
				ID:       &id,
				Prompt:   prompt,
				Password: password,
			})
			if err != nil {
				return "", err
			}
			select {
			case v := <-inputCh:
				return v, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	res, err := manager.Execute(ctx, id, req.Code, opts)
	if err != nil {
		return err
	}
	return writer.SendResponse(&protocol.Response{Type: protocol.RespExecuteResult, ID: &id, Result: res})
}

// handleWatchSession streams a session's events until it closes or the
// client disconnects. Logged events are replayed first when requested;
// tail limits the replay to the most recent ones.
func handleWatchSession(reader connection.FrameReader, writer connection.FrameWriter, manager *session.Manager, id uint32, includeHistory bool, tail *uint) error {
	if _, err := manager.Get(id); err != nil {
		return writer.SendResponse(protocol.ErrorResponse(err))
	}
	sub := manager.Subscriptions.Subscribe(&id, nil, nil)
	defer manager.Subscriptions.Unsubscribe(sub.ID)

	send := func(se session.SessionEvent) error {
		data, err := json.Marshal(se)
		if err != nil {
			return err
		}
		return writer.SendResponse(&protocol.Response{Type: protocol.RespEvent, ID: &id, Event: data})
	}

	if includeHistory {
		events, err := manager.Events(id)
		if err != nil {
			slog.Warn("failed to replay events", "id", id, "err", err)
		}
		if tail != nil && int(*tail) < len(events) {
			events = events[len(events)-int(*tail):]
		}
		for _, se := range events {
			if err := send(se); err != nil {
				return err
			}
		}
	}

	done := make(chan struct{})
	defer close(done)
	frameCh := readFrames(reader, done)
	for {
		select {
		case se, ok := <-sub.Ch:
			if !ok {
				return nil
			}
			if err := send(se); err != nil {
				return err
			}
			if se.Event.Type == session.EventSessionClosed {
				return nil
			}
		case fe, ok := <-frameCh:
			if !ok || fe.err != nil || fe.frame == nil {
				return nil
			}
			// Frames from the client during a watch are ignored.
		}
	}
}

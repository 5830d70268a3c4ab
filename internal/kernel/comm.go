package kernel

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/codewiresh/jupyterwire/internal/wire"
)

// DefaultCommTarget is the widget comm target registered on every
// connection a session owns.
const DefaultCommTarget = "jupyter.widget"

// CommHandler is called when the kernel opens a comm for a registered
// target.
type CommHandler func(comm *Comm, open *wire.Message)

// Comm is one end of a comm channel between the client and the kernel.
type Comm struct {
	conn   *Connection
	id     string
	target string

	mu      sync.Mutex
	onMsg   func(*wire.Message)
	onClose func(*wire.Message)
	closed  bool
}

// ID returns the comm id.
func (c *Comm) ID() string { return c.id }

// TargetName returns the comm target.
func (c *Comm) TargetName() string { return c.target }

// Closed reports whether the comm has been closed by either side.
func (c *Comm) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnMessage sets the handler for comm_msg traffic from the kernel.
func (c *Comm) OnMessage(fn func(msg *wire.Message)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

// OnClose sets the handler called when the kernel closes the comm.
func (c *Comm) OnClose(fn func(msg *wire.Message)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Open announces the comm to the kernel.
func (c *Comm) Open(ctx context.Context, data, metadata map[string]any) (*Future, error) {
	return c.conn.Request(ctx, wire.Shell, wire.CommOpen, map[string]any{
		"comm_id":     c.id,
		"target_name": c.target,
		"data":        orEmpty(data),
	}, RequestOptions{DisposeOnDone: true, Metadata: metadata})
}

// Send sends a comm_msg with optional binary buffers.
func (c *Comm) Send(ctx context.Context, data, metadata map[string]any, buffers [][]byte) (*Future, error) {
	return c.conn.Request(ctx, wire.Shell, wire.CommMsg, map[string]any{
		"comm_id": c.id,
		"data":    orEmpty(data),
	}, RequestOptions{DisposeOnDone: true, Metadata: metadata, Buffers: buffers})
}

// Close closes the comm on both sides.
func (c *Comm) Close(ctx context.Context, data map[string]any) (*Future, error) {
	c.conn.dropComm(c.id)
	c.markClosed()
	return c.conn.Request(ctx, wire.Shell, wire.CommClose, map[string]any{
		"comm_id": c.id,
		"data":    orEmpty(data),
	}, RequestOptions{DisposeOnDone: true})
}

func (c *Comm) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Comm) dispatch(msg *wire.Message) {
	c.mu.Lock()
	var fn func(*wire.Message)
	switch msg.Type() {
	case wire.CommMsg:
		fn = c.onMsg
	case wire.CommClose:
		fn = c.onClose
		c.closed = true
	}
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// RegisterCommTarget installs the handler for kernel-initiated comms with
// the given target name, replacing any previous handler.
func (c *Connection) RegisterCommTarget(name string, h CommHandler) {
	c.mu.Lock()
	c.commTargets[name] = h
	c.mu.Unlock()
}

// RemoveCommTarget removes a comm target handler.
func (c *Connection) RemoveCommTarget(name string) {
	c.mu.Lock()
	delete(c.commTargets, name)
	c.mu.Unlock()
}

// HasCommTarget reports whether name is registered.
func (c *Connection) HasCommTarget(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.commTargets[name]
	return ok
}

// CreateComm returns a client-side comm. An empty id is replaced with a
// fresh UUID. Call Open to announce it to the kernel.
func (c *Connection) CreateComm(target, id string) *Comm {
	if id == "" {
		id = uuid.NewString()
	}
	comm := &Comm{conn: c, id: id, target: target}
	c.mu.Lock()
	c.comms[id] = comm
	c.mu.Unlock()
	return comm
}

// Comm returns an open comm by id.
func (c *Connection) Comm(id string) (*Comm, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	comm, ok := c.comms[id]
	return comm, ok
}

func (c *Connection) dropComm(id string) {
	c.mu.Lock()
	delete(c.comms, id)
	c.mu.Unlock()
}

func (c *Connection) handleComm(msg *wire.Message) {
	id := msg.ContentString("comm_id")
	switch msg.Type() {
	case wire.CommOpen:
		target := msg.ContentString("target_name")
		c.mu.Lock()
		h, ok := c.commTargets[target]
		c.mu.Unlock()
		if !ok {
			c.log.Warn("comm target not registered, closing comm", "target", target, "comm_id", id)
			reply := wire.NewMessage(wire.Shell, wire.CommClose, c.clientID, c.username,
				map[string]any{"comm_id": id, "data": map[string]any{}})
			reply.SetParent(msg)
			if err := c.send(context.Background(), reply); err != nil {
				c.log.Warn("closing unknown comm", "comm_id", id, "err", err)
			}
			return
		}
		comm := &Comm{conn: c, id: id, target: target}
		c.mu.Lock()
		c.comms[id] = comm
		c.mu.Unlock()
		h(comm, msg)

	case wire.CommMsg, wire.CommClose:
		comm, ok := c.Comm(id)
		if !ok {
			c.log.Debug("message for unknown comm", "comm_id", id, "msg_type", msg.Type())
			return
		}
		if msg.Type() == wire.CommClose {
			c.dropComm(id)
		}
		comm.dispatch(msg)
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

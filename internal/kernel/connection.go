// Package kernel turns the raw message stream of a kernel socket into
// request/reply futures, iopub broadcasts, comms and status tracking.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/codewiresh/jupyterwire/internal/broadcast"
	"github.com/codewiresh/jupyterwire/internal/kernelerr"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// Socket is the transport a Connection runs on. *rawsocket.KernelSocket
// satisfies it.
type Socket interface {
	Send(ctx context.Context, msg *wire.Message) error
	OnMessage(fn func(msg *wire.Message)) func()
	Close() error
	Done() <-chan struct{}
}

// HookID identifies a registered message hook.
type HookID uint64

// MessageHook intercepts an iopub message addressed to a specific parent.
// Returning false stops the remaining hooks and the owning future's
// OnIOPub delivery.
type MessageHook func(msg *wire.Message) bool

type messageHook struct {
	id HookID
	fn MessageHook
}

// Option configures a Connection.
type Option func(*Connection)

// WithUsername sets the username stamped on outgoing headers.
func WithUsername(name string) Option { return func(c *Connection) { c.username = name } }

// WithClientID sets the session id stamped on outgoing headers. Defaults
// to a random UUID.
func WithClientID(id string) Option { return func(c *Connection) { c.clientID = id } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Connection) { c.log = l } }

// WithSocketLossReason sets the error a connection disposes itself with when
// its socket closes underneath it. fn runs on its own goroutine and may
// block briefly, for instance until the kernel process reports its exit
// status. The default is ErrDisposed wrapping ErrSocketClosed.
func WithSocketLossReason(fn func() error) Option {
	return func(c *Connection) { c.lossReason = fn }
}

func socketClosed() error {
	return fmt.Errorf("%w: %w", kernelerr.ErrDisposed, kernelerr.ErrSocketClosed)
}

// Connection is one client session with a kernel.
type Connection struct {
	sock     Socket
	clientID string
	username string
	log      *slog.Logger

	lossReason func() error

	mu          sync.Mutex
	futures     map[string]*Future
	commTargets map[string]CommHandler
	comms       map[string]*Comm
	msgHooks    map[string][]messageHook
	nextHook    HookID
	disposed    bool
	disposeErr  error

	status   *broadcast.Watcher[Status]
	statusBC *broadcast.Broadcaster[Status]
	iopub    *broadcast.Broadcaster[*wire.Message]

	off  func()
	done chan struct{}
}

// NewConnection starts routing messages from sock. When the socket closes
// before Dispose is called, the connection disposes itself with the error
// from WithSocketLossReason.
func NewConnection(sock Socket, opts ...Option) *Connection {
	c := &Connection{
		sock:        sock,
		clientID:    uuid.NewString(),
		username:    "jupyterwire",
		log:         slog.Default(),
		lossReason:  socketClosed,
		futures:     make(map[string]*Future),
		commTargets: make(map[string]CommHandler),
		comms:       make(map[string]*Comm),
		msgHooks:    make(map[string][]messageHook),
		status:      broadcast.NewWatcher(StatusUnknown),
		statusBC:    broadcast.New[Status](),
		iopub:       broadcast.New[*wire.Message](),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("client", c.clientID)
	c.off = sock.OnMessage(c.handle)

	go func() {
		select {
		case <-sock.Done():
			if !c.Disposed() {
				c.Dispose(c.lossReason())
			}
		case <-c.done:
		}
	}()
	return c
}

// ClientID returns the session id stamped on outgoing headers.
func (c *Connection) ClientID() string { return c.clientID }

// Username returns the username stamped on outgoing headers.
func (c *Connection) Username() string { return c.username }

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Request sends msgType on ch and returns a Future for its outcome. A send
// error removes the future and is returned; the kernel never received the
// message in that case, including when ctx ended while the send was queued.
func (c *Connection) Request(ctx context.Context, ch wire.Channel, msgType string, content map[string]any, opts RequestOptions) (*Future, error) {
	msg := c.newMessage(ch, msgType, content, opts)
	f := newFuture(c, msg, expectsReply(msgType), opts)

	c.mu.Lock()
	if c.disposed {
		err := c.disposeErr
		c.mu.Unlock()
		return nil, err
	}
	c.futures[f.MsgID()] = f
	c.mu.Unlock()

	if err := c.sock.Send(ctx, msg); err != nil {
		c.removeFuture(f.MsgID())
		return nil, fmt.Errorf("sending %s: %w", msgType, err)
	}
	return f, nil
}

// send writes a message that has no future attached.
func (c *Connection) send(ctx context.Context, msg *wire.Message) error {
	if err := c.disposedErr(); err != nil {
		return err
	}
	if err := c.sock.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Type(), err)
	}
	return nil
}

func (c *Connection) newMessage(ch wire.Channel, msgType string, content map[string]any, opts RequestOptions) *wire.Message {
	msg := wire.NewMessage(ch, msgType, c.clientID, c.username, content)
	for k, v := range opts.Metadata {
		msg.Metadata[k] = v
	}
	msg.Buffers = opts.Buffers
	return msg
}

func expectsReply(msgType string) bool {
	switch msgType {
	case wire.CommOpen, wire.CommMsg, wire.CommClose, wire.InputReply:
		return false
	}
	return true
}

func (c *Connection) future(msgID string) *Future {
	if msgID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.futures[msgID]
}

func (c *Connection) removeFuture(msgID string) {
	c.mu.Lock()
	delete(c.futures, msgID)
	c.mu.Unlock()
}

// PendingRequests returns the number of futures still registered.
func (c *Connection) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.futures)
}

// ---------------------------------------------------------------------------
// Inbound routing
// ---------------------------------------------------------------------------

func (c *Connection) handle(msg *wire.Message) {
	switch msg.Channel {
	case wire.IOPub:
		c.handleIOPub(msg)
	case wire.Shell, wire.Control:
		f := c.future(msg.ParentMsgID())
		if f == nil || f.request.Channel != msg.Channel || !f.expectReply {
			c.log.Debug("unsolicited reply discarded",
				"channel", msg.Channel.String(), "msg_type", msg.Type(), "parent", msg.ParentMsgID())
			return
		}
		f.resolveReply(msg)
	case wire.Stdin:
		f := c.future(msg.ParentMsgID())
		if f == nil || !f.deliverStdin(msg) {
			c.log.Warn("stdin request with no handler", "msg_type", msg.Type(), "parent", msg.ParentMsgID())
		}
	}
}

func (c *Connection) handleIOPub(msg *wire.Message) {
	parent := msg.ParentMsgID()

	switch msg.Type() {
	case wire.Status:
		st := parseStatus(msg.ContentString("execution_state"))
		if c.status.Set(st) {
			c.statusBC.Send(st)
		}
	case wire.CommOpen, wire.CommMsg, wire.CommClose:
		c.handleComm(msg)
	}

	deliver := c.runMessageHooks(parent, msg)

	if f := c.future(parent); f != nil {
		if deliver {
			f.deliverIOPub(msg)
		}
		if msg.Type() == wire.Status && msg.ContentString("execution_state") == string(StatusIdle) {
			f.markIdle()
		}
	}

	c.iopub.Send(msg)
}

func (c *Connection) runMessageHooks(parent string, msg *wire.Message) bool {
	if parent == "" {
		return true
	}
	c.mu.Lock()
	hooks := c.msgHooks[parent]
	c.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		if !hooks[i].fn(msg) {
			return false
		}
	}
	return true
}

// RegisterMessageHook intercepts iopub messages whose parent is parentID.
// Hooks run newest first.
func (c *Connection) RegisterMessageHook(parentID string, fn MessageHook) HookID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHook++
	id := c.nextHook
	hooks := slices.Clone(c.msgHooks[parentID])
	c.msgHooks[parentID] = append(hooks, messageHook{id: id, fn: fn})
	return id
}

// RemoveMessageHook removes a hook registered for parentID.
func (c *Connection) RemoveMessageHook(parentID string, id HookID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hooks := slices.DeleteFunc(slices.Clone(c.msgHooks[parentID]), func(h messageHook) bool { return h.id == id })
	if len(hooks) == 0 {
		delete(c.msgHooks, parentID)
		return
	}
	c.msgHooks[parentID] = hooks
}

// ---------------------------------------------------------------------------
// Status and broadcasts
// ---------------------------------------------------------------------------

// Status returns the last execution state reported by the kernel.
func (c *Connection) Status() Status { return c.status.Get() }

// StatusWatcher exposes the status for callers that wait on transitions.
func (c *Connection) StatusWatcher() *broadcast.Watcher[Status] { return c.status }

// SubscribeStatus registers for status changes.
func (c *Connection) SubscribeStatus(bufSize int) (uint64, <-chan Status) {
	return c.statusBC.Subscribe(bufSize)
}

// UnsubscribeStatus removes a status subscription.
func (c *Connection) UnsubscribeStatus(id uint64) { c.statusBC.Unsubscribe(id) }

// SubscribeIOPub registers for every iopub message. Slow subscribers lose
// messages rather than blocking delivery.
func (c *Connection) SubscribeIOPub(bufSize int) (uint64, <-chan *wire.Message) {
	return c.iopub.Subscribe(bufSize)
}

// UnsubscribeIOPub removes an iopub subscription.
func (c *Connection) UnsubscribeIOPub(id uint64) { c.iopub.Unsubscribe(id) }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done is closed once the connection has been disposed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Disposed reports whether Dispose has run.
func (c *Connection) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// Err returns the error the connection was disposed with, or nil while it
// is live.
func (c *Connection) Err() error { return c.disposedErr() }

func (c *Connection) disposedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return c.disposeErr
	}
	return nil
}

// Dispose rejects every pending future with err (ErrDisposed when nil),
// closes the socket and the broadcasts. Later requests fail with err.
// Calling Dispose more than once is safe; the first error wins.
func (c *Connection) Dispose(err error) {
	if err == nil {
		err = kernelerr.ErrDisposed
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.disposeErr = err
	futures := c.futures
	comms := c.comms
	c.futures = make(map[string]*Future)
	c.comms = make(map[string]*Comm)
	c.msgHooks = make(map[string][]messageHook)
	c.mu.Unlock()

	c.off()
	for _, f := range futures {
		f.reject(err)
	}
	for _, cm := range comms {
		cm.markClosed()
	}
	if cerr := c.sock.Close(); cerr != nil {
		c.log.Debug("closing kernel socket", "err", cerr)
	}
	c.statusBC.Close()
	c.iopub.Close()
	close(c.done)
	c.log.Info("kernel connection disposed", "reason", err)
}

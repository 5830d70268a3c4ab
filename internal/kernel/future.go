package kernel

import (
	"context"
	"sync"

	"github.com/codewiresh/jupyterwire/internal/kernelerr"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// RequestOptions controls how a Future routes the traffic its request
// produces.
type RequestOptions struct {
	// DisposeOnDone removes the future once the reply and the final idle
	// status have both arrived. When false the future keeps receiving iopub
	// output until Dispose is called.
	DisposeOnDone bool
	// OnIOPub receives iopub messages whose parent is this request.
	OnIOPub func(msg *wire.Message)
	// OnStdin receives input_request messages raised by this request.
	OnStdin func(msg *wire.Message)
	// Metadata is merged into the outgoing message metadata.
	Metadata map[string]any
	// Buffers are attached to the outgoing message.
	Buffers [][]byte
}

// Future is the pending result of one request.
type Future struct {
	conn        *Connection
	request     *wire.Message
	expectReply bool
	opts        RequestOptions

	mu      sync.Mutex
	reply   *wire.Message
	err     error
	gotRep  bool
	idle    bool
	settled bool
	done    chan struct{}
}

func newFuture(c *Connection, req *wire.Message, expectReply bool, opts RequestOptions) *Future {
	return &Future{
		conn:        c,
		request:     req,
		expectReply: expectReply,
		opts:        opts,
		done:        make(chan struct{}),
	}
}

// MsgID returns the id of the request message.
func (f *Future) MsgID() string { return f.request.Header.MsgID }

// Request returns the message that was sent.
func (f *Future) Request() *wire.Message { return f.request }

// Done is closed when the reply arrived (or, for requests without a reply,
// when the kernel went idle for it), or when the future was rejected.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future is done or ctx ends.
func (f *Future) Wait(ctx context.Context) (*wire.Message, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.reply, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply returns the reply message, or nil if none has arrived.
func (f *Future) Reply() *wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply
}

// Err returns the rejection error, if any.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Dispose stops routing messages to the future. A future that is not yet
// done is rejected with ErrDisposed.
func (f *Future) Dispose() {
	f.conn.removeFuture(f.MsgID())
	f.reject(kernelerr.ErrDisposed)
}

func (f *Future) resolveReply(msg *wire.Message) {
	f.mu.Lock()
	if f.gotRep {
		f.mu.Unlock()
		f.conn.log.Debug("duplicate reply ignored", "parent", f.MsgID(), "msg_type", msg.Type())
		return
	}
	f.gotRep = true
	finished := f.idle
	f.mu.Unlock()

	f.settle(msg, nil)
	if finished && f.opts.DisposeOnDone {
		f.conn.removeFuture(f.MsgID())
	}
}

func (f *Future) markIdle() {
	f.mu.Lock()
	f.idle = true
	finished := f.gotRep || !f.expectReply
	f.mu.Unlock()

	if !f.expectReply {
		f.settle(nil, nil)
	}
	if finished && f.opts.DisposeOnDone {
		f.conn.removeFuture(f.MsgID())
	}
}

func (f *Future) deliverIOPub(msg *wire.Message) {
	if f.opts.OnIOPub != nil {
		f.opts.OnIOPub(msg)
	}
}

func (f *Future) deliverStdin(msg *wire.Message) bool {
	if f.opts.OnStdin == nil {
		return false
	}
	f.opts.OnStdin(msg)
	return true
}

func (f *Future) reject(err error) { f.settle(nil, err) }

// settle marks the future done. Only the first call has any effect.
func (f *Future) settle(reply *wire.Message, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.reply = reply
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

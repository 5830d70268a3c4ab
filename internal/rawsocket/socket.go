package rawsocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/jupyterwire/internal/kernelerr"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// HookID identifies a registered send or receive hook.
type HookID uint64

// Hook observes or rewrites a message. Send hooks run before a message is
// encoded; receive hooks run before it reaches listeners.
type Hook func(ctx context.Context, msg *wire.Message) error

type hookEntry struct {
	id HookID
	fn Hook
}

type listenerEntry struct {
	id uint64
	fn func(*wire.Message)
}

// Option configures Open.
type Option func(*options)

type options struct {
	dialer   Dialer
	identity []byte
	log      *slog.Logger
}

// WithDialer replaces the ZeroMQ dialer, mainly for tests.
func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

// WithIdentity sets the DEALER routing identity. Defaults to a random UUID.
func WithIdentity(id []byte) Option { return func(o *options) { o.identity = id } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// KernelSocket presents the four channel sockets of one kernel as a single
// send/receive surface.
type KernelSocket struct {
	info    *wire.ConnectionInfo
	signer  *wire.Signer
	log     *slog.Logger
	sockets map[wire.Channel]*ChannelSocket

	msgChain  *chain
	sendChain *chain

	// Hook and listener slices are replaced, never mutated in place, so a
	// snapshot taken under mu stays valid while it is iterated.
	mu        sync.Mutex
	sendHooks []hookEntry
	recvHooks []hookEntry
	listeners []listenerEntry
	nextID    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// Open dials every channel of the kernel described by info. If any channel
// fails, the ones already open are closed and the error is returned.
func Open(ctx context.Context, info *wire.ConnectionInfo, opts ...Option) (*KernelSocket, error) {
	o := options{dialer: DialZMQ, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.identity == nil {
		o.identity = []byte(uuid.NewString())
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	signer, err := wire.NewSigner(info.SignatureScheme, info.Key)
	if err != nil {
		return nil, err
	}

	conns := make(map[wire.Channel]Conn, len(wire.Channels))
	var connsMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range wire.Channels {
		g.Go(func() error {
			c, err := o.dialer(gctx, ch, info.Endpoint(ch), o.identity)
			if err != nil {
				return fmt.Errorf("connecting %s channel: %w", ch, err)
			}
			connsMu.Lock()
			conns[ch] = c
			connsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			c.Close()
		}
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &KernelSocket{
		info:      info,
		signer:    signer,
		log:       o.log.With("kernel", info.KernelName),
		sockets:   make(map[wire.Channel]*ChannelSocket, len(conns)),
		msgChain:  newChain(),
		sendChain: newChain(),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, ch := range wire.Channels {
		s.sockets[ch] = newChannelSocket(ch, conns[ch], s.receiver(ch), s.log)
	}
	for _, cs := range s.sockets {
		go s.watch(cs)
	}
	return s, nil
}

// ConnectionInfo returns the connection the socket was opened with.
func (s *KernelSocket) ConnectionInfo() *wire.ConnectionInfo { return s.info }

// ---------------------------------------------------------------------------
// Send path
// ---------------------------------------------------------------------------

// Send states of a queued message.
const (
	sendQueued int32 = iota
	sendWriting
	sendAbandoned
)

// Send writes msg on the channel named by msg.Channel. With no send hooks
// registered it writes immediately; otherwise the message is queued behind
// earlier sends and passes through every hook before it is written. The
// returned error is the hook or write error. When ctx ends before the write
// starts, the queued message is dropped and ctx's error returned; a write
// already under way is waited for.
func (s *KernelSocket) Send(ctx context.Context, msg *wire.Message) error {
	sock, err := s.socketFor(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.snapshot(&s.sendHooks)) == 0 && s.sendChain.idle() {
		return s.write(sock, msg)
	}

	var state atomic.Int32
	result := make(chan error, 1)
	ok := s.sendChain.push(func() {
		for _, h := range s.snapshot(&s.sendHooks) {
			if state.Load() == sendAbandoned {
				return
			}
			if err := h.fn(s.ctx, msg); err != nil {
				result <- fmt.Errorf("send hook: %w", err)
				return
			}
		}
		if !state.CompareAndSwap(sendQueued, sendWriting) {
			s.log.Debug("dropping cancelled send", "msg_type", msg.Type())
			return
		}
		result <- s.write(sock, msg)
	})
	if !ok {
		return kernelerr.ErrSocketClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(sendQueued, sendAbandoned) {
			return ctx.Err()
		}
		return <-result
	}
}

// SendDirect writes msg without running send hooks or waiting for queued
// sends.
func (s *KernelSocket) SendDirect(msg *wire.Message) error {
	sock, err := s.socketFor(msg)
	if err != nil {
		return err
	}
	return s.write(sock, msg)
}

func (s *KernelSocket) socketFor(msg *wire.Message) (*ChannelSocket, error) {
	if s.closed.Load() {
		return nil, kernelerr.ErrSocketClosed
	}
	if msg.Channel == wire.IOPub {
		return nil, &kernelerr.ProtocolError{Channel: msg.Channel.String(), MsgType: msg.Type(),
			Err: fmt.Errorf("iopub is receive-only")}
	}
	sock, ok := s.sockets[msg.Channel]
	if !ok {
		return nil, &kernelerr.ProtocolError{Channel: msg.Channel.String(), MsgType: msg.Type(),
			Err: fmt.Errorf("unknown channel")}
	}
	return sock, nil
}

func (s *KernelSocket) write(sock *ChannelSocket, msg *wire.Message) error {
	frames, err := wire.Encode(msg, s.signer)
	if err != nil {
		return &kernelerr.ProtocolError{Channel: msg.Channel.String(), MsgType: msg.Type(), Err: err}
	}
	return sock.Send(frames)
}

// ---------------------------------------------------------------------------
// Receive path
// ---------------------------------------------------------------------------

func (s *KernelSocket) receiver(ch wire.Channel) func([][]byte) {
	return func(frames [][]byte) {
		msg, err := wire.Decode(frames, s.signer)
		if err != nil {
			s.log.Warn("dropping kernel message",
				"err", &kernelerr.ProtocolError{Channel: ch.String(), Err: err})
			return
		}
		msg.Channel = ch
		s.msgChain.push(func() { s.dispatch(msg) })
	}
}

func (s *KernelSocket) dispatch(msg *wire.Message) {
	for _, h := range s.snapshot(&s.recvHooks) {
		if err := h.fn(s.ctx, msg); err != nil {
			s.log.Warn("receive hook failed", "msg_type", msg.Type(), "err", err)
		}
	}
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()
	for _, l := range listeners {
		l.fn(msg)
	}
}

// OnMessage registers a listener for every inbound message and returns a
// function that removes it.
func (s *KernelSocket) OnMessage(fn func(msg *wire.Message)) func() {
	id := s.nextID.Add(1)
	s.mu.Lock()
	next := make([]listenerEntry, len(s.listeners), len(s.listeners)+1)
	copy(next, s.listeners)
	s.listeners = append(next, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		next := make([]listenerEntry, 0, len(s.listeners))
		for _, l := range s.listeners {
			if l.id != id {
				next = append(next, l)
			}
		}
		s.listeners = next
	}
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

// AddSendHook appends a hook run before every hooked send.
func (s *KernelSocket) AddSendHook(fn Hook) HookID { return s.addHook(&s.sendHooks, fn) }

// RemoveSendHook removes a send hook. Unknown ids are ignored.
func (s *KernelSocket) RemoveSendHook(id HookID) { s.removeHook(&s.sendHooks, id) }

// AddReceiveHook appends a hook run before inbound messages are delivered.
func (s *KernelSocket) AddReceiveHook(fn Hook) HookID { return s.addHook(&s.recvHooks, fn) }

// RemoveReceiveHook removes a receive hook. Unknown ids are ignored.
func (s *KernelSocket) RemoveReceiveHook(id HookID) { s.removeHook(&s.recvHooks, id) }

func (s *KernelSocket) addHook(list *[]hookEntry, fn Hook) HookID {
	id := HookID(s.nextID.Add(1))
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]hookEntry, len(*list), len(*list)+1)
	copy(next, *list)
	*list = append(next, hookEntry{id: id, fn: fn})
	return id
}

func (s *KernelSocket) removeHook(list *[]hookEntry, id HookID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]hookEntry, 0, len(*list))
	for _, h := range *list {
		if h.id != id {
			next = append(next, h)
		}
	}
	*list = next
}

func (s *KernelSocket) snapshot(list *[]hookEntry) []hookEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *list
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done is closed once the socket has been closed, either explicitly or
// because a channel's transport went away.
func (s *KernelSocket) Done() <-chan struct{} { return s.done }

// Close closes every channel socket and stops the chains. Queued inbound
// messages are still delivered. Calling Close more than once is safe.
func (s *KernelSocket) Close() error {
	var firstErr error
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		for _, ch := range wire.Channels {
			if err := s.sockets[ch].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.sendChain.close()
		s.msgChain.close()
		close(s.done)
	})
	return firstErr
}

// watch closes the whole socket when one channel's receive loop ends on
// its own.
func (s *KernelSocket) watch(cs *ChannelSocket) {
	select {
	case <-cs.Done():
		if !s.closed.Load() {
			s.log.Warn("kernel channel closed by transport", "channel", cs.Channel().String())
			s.Close()
		}
	case <-s.done:
	}
}

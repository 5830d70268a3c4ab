package rawsocket

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/codewiresh/jupyterwire/internal/kernelerr"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

// ---------------------------------------------------------------------------
// In-memory transport
// ---------------------------------------------------------------------------

type fakeConn struct {
	ch       wire.Channel
	identity []byte
	inbox    chan [][]byte
	recvErr  chan error

	mu     sync.Mutex
	sent   [][][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(ch wire.Channel, identity []byte) *fakeConn {
	return &fakeConn{
		ch:       ch,
		identity: identity,
		inbox:    make(chan [][]byte, 64),
		recvErr:  make(chan error, 4),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) SendMulti(frames [][]byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frames)
	return nil
}

func (c *fakeConn) Recv() ([][]byte, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case err := <-c.recvErr:
		return nil, err
	case <-c.closed:
		return nil, context.Canceled
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentMessages() [][][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][][]byte(nil), c.sent...)
}

type fakeKernel struct {
	mu    sync.Mutex
	conns map[wire.Channel]*fakeConn
	fail  wire.Channel
}

func (k *fakeKernel) dial(ctx context.Context, ch wire.Channel, endpoint string, identity []byte) (Conn, error) {
	if ch == k.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(ch, identity)
	k.mu.Lock()
	k.conns[ch] = c
	k.mu.Unlock()
	return c, nil
}

func (k *fakeKernel) conn(ch wire.Channel) *fakeConn {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.conns[ch]
}

func testInfo() *wire.ConnectionInfo {
	return &wire.ConnectionInfo{
		Transport: "tcp", IP: "127.0.0.1",
		ShellPort: 1, IOPubPort: 2, StdinPort: 3, ControlPort: 4, HBPort: 5,
		SignatureScheme: "hmac-sha256", Key: "k",
	}
}

func openFake(t *testing.T) (*KernelSocket, *fakeKernel) {
	t.Helper()
	k := &fakeKernel{conns: map[wire.Channel]*fakeConn{}}
	s, err := Open(context.Background(), testInfo(), WithDialer(k.dial), WithIdentity([]byte("client-1")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, k
}

func inject(t *testing.T, k *fakeKernel, msg *wire.Message) {
	t.Helper()
	signer, _ := wire.NewSigner("hmac-sha256", "k")
	frames, err := wire.Encode(msg, signer)
	if err != nil {
		t.Fatal(err)
	}
	k.conn(msg.Channel).inbox <- frames
}

func collect(s *KernelSocket, n int) (<-chan []*wire.Message, func()) {
	out := make(chan []*wire.Message, 1)
	var mu sync.Mutex
	var got []*wire.Message
	off := s.OnMessage(func(m *wire.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
		if len(got) == n {
			out <- got
		}
	})
	return out, off
}

func waitMessages(t *testing.T, ch <-chan []*wire.Message) []*wire.Message {
	t.Helper()
	select {
	case msgs := <-ch:
		return msgs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for messages")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpenUsesIdentity(t *testing.T) {
	_, k := openFake(t)
	for _, ch := range wire.Channels {
		c := k.conn(ch)
		if c == nil {
			t.Fatalf("channel %s not dialed", ch)
		}
		if string(c.identity) != "client-1" {
			t.Errorf("%s identity = %q", ch, c.identity)
		}
	}
}

func TestOpenFailureClosesOpenedChannels(t *testing.T) {
	k := &fakeKernel{conns: map[wire.Channel]*fakeConn{}, fail: wire.Stdin}
	_, err := Open(context.Background(), testInfo(), WithDialer(k.dial))
	if err == nil {
		t.Fatal("expected error")
	}
	for ch, c := range k.conns {
		select {
		case <-c.closed:
		default:
			t.Errorf("channel %s left open", ch)
		}
	}
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSendDirectWithoutHooks(t *testing.T) {
	s, k := openFake(t)
	msg := wire.NewMessage(wire.Shell, wire.ExecuteRequest, "sess", "u", map[string]any{"code": "1"})

	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := k.conn(wire.Shell).sentMessages()
	if len(sent) != 1 {
		t.Fatalf("shell sent %d messages, want 1", len(sent))
	}
	signer, _ := wire.NewSigner("hmac-sha256", "k")
	got, err := wire.Decode(sent[0], signer)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header.MsgID != msg.Header.MsgID {
		t.Errorf("msg id = %q, want %q", got.Header.MsgID, msg.Header.MsgID)
	}
}

func TestSendIOPubRejected(t *testing.T) {
	s, _ := openFake(t)
	msg := wire.NewMessage(wire.IOPub, wire.Status, "sess", "u", nil)
	var pe *kernelerr.ProtocolError
	if err := s.Send(context.Background(), msg); !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestSendHooksTransformInOrder(t *testing.T) {
	s, k := openFake(t)
	var order []string
	s.AddSendHook(func(ctx context.Context, m *wire.Message) error {
		order = append(order, "first")
		m.Metadata["tagged"] = true
		return nil
	})
	s.AddSendHook(func(ctx context.Context, m *wire.Message) error {
		order = append(order, "second")
		return nil
	})

	msg := wire.NewMessage(wire.Control, wire.InterruptRequest, "sess", "u", nil)
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("hook order = %v", order)
	}
	signer, _ := wire.NewSigner("hmac-sha256", "k")
	got, err := wire.Decode(k.conn(wire.Control).sentMessages()[0], signer)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["tagged"] != true {
		t.Errorf("hook mutation not written: %v", got.Metadata)
	}
}

func TestSendHookErrorAbortsSend(t *testing.T) {
	s, k := openFake(t)
	boom := errors.New("boom")
	id := s.AddSendHook(func(context.Context, *wire.Message) error { return boom })

	msg := wire.NewMessage(wire.Shell, wire.ExecuteRequest, "sess", "u", nil)
	if err := s.Send(context.Background(), msg); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if n := len(k.conn(wire.Shell).sentMessages()); n != 0 {
		t.Fatalf("sent %d messages after hook failure", n)
	}

	s.RemoveSendHook(id)
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send after RemoveSendHook: %v", err)
	}
}

func TestCancelledQueuedSendIsNotWritten(t *testing.T) {
	s, k := openFake(t)
	release := make(chan struct{})
	s.AddSendHook(func(context.Context, *wire.Message) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	msg := wire.NewMessage(wire.Shell, wire.ExecuteRequest, "sess", "u", map[string]any{"code": "1"})
	if err := s.Send(ctx, msg); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send = %v, want deadline exceeded", err)
	}
	close(release)

	// The chain is FIFO, so once this send returns the cancelled one has
	// been fully processed.
	next := wire.NewMessage(wire.Shell, wire.KernelInfoRequest, "sess", "u", nil)
	if err := s.Send(context.Background(), next); err != nil {
		t.Fatalf("Send after cancellation: %v", err)
	}
	if n := len(k.conn(wire.Shell).sentMessages()); n != 1 {
		t.Fatalf("sent %d messages, want only the uncancelled one", n)
	}

	done, stop := context.WithCancel(context.Background())
	stop()
	if err := s.Send(done, next); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send with cancelled ctx = %v", err)
	}
	if n := len(k.conn(wire.Shell).sentMessages()); n != 1 {
		t.Fatalf("sent %d messages after cancelled send", n)
	}
}

func TestSendDirectBypassesHooks(t *testing.T) {
	s, k := openFake(t)
	called := false
	s.AddSendHook(func(context.Context, *wire.Message) error {
		called = true
		return nil
	})
	msg := wire.NewMessage(wire.Shell, wire.KernelInfoRequest, "sess", "u", nil)
	if err := s.SendDirect(msg); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("SendDirect ran send hooks")
	}
	if n := len(k.conn(wire.Shell).sentMessages()); n != 1 {
		t.Fatalf("sent %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Receive
// ---------------------------------------------------------------------------

func TestReceiveOrderingWithSlowHooks(t *testing.T) {
	s, k := openFake(t)
	rng := rand.New(rand.NewSource(7))
	var delayMu sync.Mutex
	s.AddReceiveHook(func(ctx context.Context, m *wire.Message) error {
		delayMu.Lock()
		d := time.Duration(rng.Intn(3)) * time.Millisecond
		delayMu.Unlock()
		time.Sleep(d)
		return nil
	})

	const n = 30
	out, off := collect(s, n)
	defer off()

	var want []string
	for i := 0; i < n; i++ {
		m := wire.NewMessage(wire.IOPub, wire.Stream, "k", "kernel", map[string]any{"i": float64(i)})
		want = append(want, m.Header.MsgID)
		inject(t, k, m)
	}

	got := waitMessages(t, out)
	for i, m := range got {
		if m.Header.MsgID != want[i] {
			t.Fatalf("message %d out of order", i)
		}
		if m.Channel != wire.IOPub {
			t.Fatalf("message %d channel = %s", i, m.Channel)
		}
	}
}

func TestReceiveHookRemovalDuringTraversal(t *testing.T) {
	s, k := openFake(t)
	var calls []string
	var secondID HookID
	s.AddReceiveHook(func(ctx context.Context, m *wire.Message) error {
		calls = append(calls, "a")
		s.RemoveReceiveHook(secondID)
		return nil
	})
	secondID = s.AddReceiveHook(func(ctx context.Context, m *wire.Message) error {
		calls = append(calls, "b")
		return nil
	})
	s.AddReceiveHook(func(ctx context.Context, m *wire.Message) error {
		calls = append(calls, "c")
		return nil
	})

	out, off := collect(s, 2)
	defer off()
	inject(t, k, wire.NewMessage(wire.Shell, wire.ExecuteReply, "k", "kernel", nil))
	inject(t, k, wire.NewMessage(wire.Shell, wire.ExecuteReply, "k", "kernel", nil))
	waitMessages(t, out)

	want := []string{"a", "b", "c", "a", "c"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestReceiveDropsBadSignature(t *testing.T) {
	s, k := openFake(t)
	out, off := collect(s, 1)
	defer off()

	forged, _ := wire.NewSigner("hmac-sha256", "wrong")
	frames, _ := wire.Encode(wire.NewMessage(wire.Shell, wire.ExecuteReply, "k", "kernel", nil), forged)
	k.conn(wire.Shell).inbox <- frames

	good := wire.NewMessage(wire.Shell, wire.ExecuteReply, "k", "kernel", nil)
	inject(t, k, good)

	got := waitMessages(t, out)
	if got[0].Header.MsgID != good.Header.MsgID {
		t.Fatal("forged message was delivered")
	}
}

func TestReceiveErrorKeepsLoopAlive(t *testing.T) {
	s, k := openFake(t)
	out, off := collect(s, 1)
	defer off()

	k.conn(wire.Shell).recvErr <- errors.New("resource temporarily unavailable")
	msg := wire.NewMessage(wire.Shell, wire.ExecuteReply, "k", "kernel", nil)
	inject(t, k, msg)

	got := waitMessages(t, out)
	if got[0].Header.MsgID != msg.Header.MsgID {
		t.Fatal("unexpected message")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestCloseIdempotent(t *testing.T) {
	s, k := openFake(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	for ch, c := range k.conns {
		select {
		case <-c.closed:
		default:
			t.Errorf("%s not closed", ch)
		}
	}
	msg := wire.NewMessage(wire.Shell, wire.ExecuteRequest, "s", "u", nil)
	if err := s.Send(context.Background(), msg); !errors.Is(err, kernelerr.ErrSocketClosed) {
		t.Fatalf("Send after Close = %v", err)
	}
}

func TestTransportEOFClosesSocket(t *testing.T) {
	s, k := openFake(t)
	k.conn(wire.IOPub).recvErr <- io.EOF

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("socket did not close after transport EOF")
	}
}

func TestChainRunsTasksInOrder(t *testing.T) {
	c := newChain()
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		c.push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	c.close()
	<-c.done

	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
	if c.push(func() {}) {
		t.Fatal("push after close should fail")
	}
}

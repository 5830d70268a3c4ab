package rawsocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewiresh/jupyterwire/internal/kernelerr"
	"github.com/codewiresh/jupyterwire/internal/wire"
)

const (
	minRecvBackoff = 10 * time.Millisecond
	maxRecvBackoff = time.Second
)

// ChannelSocket owns the transport connection of one channel and runs its
// receive loop. Each received multipart message is handed to deliver whole.
type ChannelSocket struct {
	channel wire.Channel
	conn    Conn
	deliver func([][]byte)
	log     *slog.Logger

	sendMu  sync.Mutex
	closed  atomic.Bool
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newChannelSocket(ch wire.Channel, conn Conn, deliver func([][]byte), log *slog.Logger) *ChannelSocket {
	s := &ChannelSocket{
		channel: ch,
		conn:    conn,
		deliver: deliver,
		log:     log.With("channel", ch.String()),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.recvLoop()
	return s
}

// Channel returns the channel this socket serves.
func (s *ChannelSocket) Channel() wire.Channel { return s.channel }

// Send writes one multipart message.
func (s *ChannelSocket) Send(frames [][]byte) error {
	if s.closed.Load() {
		return kernelerr.ErrSocketClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.SendMulti(frames)
}

// Done is closed when the receive loop has exited.
func (s *ChannelSocket) Done() <-chan struct{} { return s.done }

// Close closes the connection and waits for the receive loop to exit.
// Calling Close more than once is safe.
func (s *ChannelSocket) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *ChannelSocket) recvLoop() {
	defer close(s.done)
	backoff := minRecvBackoff
	for {
		frames, err := s.conn.Recv()
		if err != nil {
			if s.closed.Load() || isClosedErr(err) {
				return
			}
			s.log.Warn("kernel socket receive failed", "err", err, "retry_in", backoff)
			select {
			case <-s.closing:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRecvBackoff)
			continue
		}
		backoff = minRecvBackoff
		if s.closed.Load() {
			return
		}
		s.deliver(frames)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}

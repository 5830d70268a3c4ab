// Package rawsocket talks to a kernel directly over ZeroMQ. A KernelSocket
// multiplexes the shell, control, stdin and iopub channels behind one
// send/receive surface with ordered send and receive hook chains.
package rawsocket

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"github.com/codewiresh/jupyterwire/internal/wire"
)

// Conn is one transport connection for a single channel.
type Conn interface {
	SendMulti(frames [][]byte) error
	// Recv blocks for the next complete multipart message.
	Recv() ([][]byte, error)
	Close() error
}

// Dialer opens the transport connection for one channel. identity is the
// routing identity DEALER sockets announce to the kernel.
type Dialer func(ctx context.Context, ch wire.Channel, endpoint string, identity []byte) (Conn, error)

// DialZMQ is the production Dialer. Shell, control and stdin use DEALER
// sockets; iopub uses a SUB socket subscribed to every topic.
func DialZMQ(ctx context.Context, ch wire.Channel, endpoint string, identity []byte) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The socket outlives the dial context; it is cancelled by Close.
	sockCtx, cancel := context.WithCancel(context.Background())

	var sock zmq4.Socket
	switch ch {
	case wire.IOPub:
		sock = zmq4.NewSub(sockCtx)
	case wire.Shell, wire.Control, wire.Stdin:
		sock = zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(identity)))
	default:
		cancel()
		return nil, fmt.Errorf("unknown channel %q", ch)
	}

	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		cancel()
		return nil, fmt.Errorf("dial %s %s: %w", ch, endpoint, err)
	}
	if ch == wire.IOPub {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			cancel()
			return nil, fmt.Errorf("subscribe %s: %w", endpoint, err)
		}
	}
	return &zmqConn{sock: sock, cancel: cancel}, nil
}

type zmqConn struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
}

func (c *zmqConn) SendMulti(frames [][]byte) error {
	return c.sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (c *zmqConn) Recv() ([][]byte, error) {
	msg, err := c.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (c *zmqConn) Close() error {
	err := c.sock.Close()
	c.cancel()
	return err
}

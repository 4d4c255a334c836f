package transport

import (
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/nanoflow/nanoflow/pkg/errors"
)

// recvTick bounds how long a read blocks before the router gets a chance
// to notice cancellation and pending subscription changes.
const recvTick = 250 * time.Millisecond

// DialZMQ returns a DialFunc that attaches a SUB socket to a node's
// notification endpoint.
func DialZMQ(endpoint string) DialFunc {
	return func() (Conn, error) {
		socket, err := zmq.NewSocket(zmq.SUB)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindNetwork, "transport.dial", "failed to create SUB socket")
		}

		if err := socket.SetRcvtimeo(recvTick); err != nil {
			_ = socket.Close()
			return nil, errors.Wrap(err, errors.KindNetwork, "transport.dial", "failed to set receive timeout")
		}

		if err := socket.Connect(endpoint); err != nil {
			_ = socket.Close()
			return nil, errors.Wrap(err, errors.KindNetwork, "transport.dial", "failed to connect").
				WithContext("endpoint", endpoint)
		}

		return &zmqConn{socket: socket}, nil
	}
}

type zmqConn struct {
	socket *zmq.Socket
}

func (c *zmqConn) Subscribe(topic string) error {
	return c.socket.SetSubscribe(topic)
}

func (c *zmqConn) Unsubscribe(topic string) error {
	return c.socket.SetUnsubscribe(topic)
}

// Recv reads one multipart frame: topic followed by JSON payload.
func (c *zmqConn) Recv() (string, []byte, error) {
	msg, err := c.socket.RecvMessageBytes(0)
	if err != nil {
		if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
			return "", nil, ErrIdle
		}
		return "", nil, errors.Wrap(err, errors.KindNetwork, "transport.recv", "receive failed")
	}

	if len(msg) < 2 {
		return "", nil, errors.New(errors.KindProtocol, "transport.recv", "malformed frame").
			WithContext("parts", len(msg))
	}

	return string(msg[0]), msg[1], nil
}

func (c *zmqConn) Close() error {
	return c.socket.Close()
}

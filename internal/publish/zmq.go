package publish

import (
	"sync"
	"syscall"

	"github.com/pebbe/zmq4"

	"depthcam-go/internal/types"
)

// ZMQSink publishes every product as a two-part message [topic, cbor] on a
// PUB socket, so subscribers can filter by topic prefix.
type ZMQSink struct {
	mu     sync.Mutex
	socket *zmq4.Socket
}

func NewZMQSink(endpoint string) (*ZMQSink, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	// Drop instead of queueing when subscribers fall behind.
	if err := socket.SetSndhwm(4); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return &ZMQSink{socket: socket}, nil
}

func (z *ZMQSink) Send(topic string, kind types.ProductKind, payload any) error {
	data, err := Encode(topic, kind, payload)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil
	}
	_, err = z.socket.SendMessageDontwait(topic, data)
	if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
		return nil
	}
	return err
}

func (z *ZMQSink) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}

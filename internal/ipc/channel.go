package ipc

import (
	"sync"
)

type Handler func(msg Message)

// Channel is a duplex message channel to one peer. Send writes immediately
// and does not wait for any acknowledgement. Every received message is passed
// to the registered handlers, in arrival order, from a single goroutine.
type Channel struct {
	transport Transport

	mx       sync.Mutex
	started  bool
	handlers []Handler

	done chan struct{}
}

func NewChannel(transport Transport) *Channel {
	return &Channel{
		transport: transport,
		done:      make(chan struct{}),
	}
}

// OnMessage registers a handler. This must occur before the channel is
// started.
func (c *Channel) OnMessage(h Handler) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.started {
		panic("ipc: OnMessage called after Start")
	}
	c.handlers = append(c.handlers, h)
}

// Start begins receiving. Calling it twice is a no-op.
func (c *Channel) Start() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.recvLoop(c.handlers)
}

func (c *Channel) Send(msg Message) error {
	return c.transport.Send(msg)
}

// Done is closed when the peer side of the transport is gone.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) recvLoop(handlers []Handler) {
	defer close(c.done)
	for {
		msg, ok := c.transport.Recv()
		if !ok {
			return
		}
		for _, h := range handlers {
			h(msg)
		}
	}
}

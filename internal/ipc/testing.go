package ipc

import (
	"sync"
)

// FakeTransport implements Transport and records sent messages. Inbound
// messages are queued with Inject. It is used for testing.
type FakeTransport struct {
	mx       sync.Mutex
	messages []Message
	sent     chan Message
	inbound  chan Message
	once     sync.Once
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		sent:    make(chan Message, 64),
		inbound: make(chan Message, 64),
	}
}

func (transp *FakeTransport) Send(msg Message) error {
	transp.mx.Lock()
	transp.messages = append(transp.messages, msg)
	transp.mx.Unlock()
	select {
	case transp.sent <- msg:
	default:
	}
	return nil
}

func (transp *FakeTransport) Recv() (Message, bool) {
	msg, ok := <-transp.inbound
	return msg, ok
}

// Inject queues a message to be received over this transport.
func (transp *FakeTransport) Inject(msg Message) {
	transp.inbound <- msg
}

// Sent delivers every sent message, for tests waiting on a request to
// appear. Messages beyond the buffer are only visible through Messages.
func (transp *FakeTransport) Sent() <-chan Message {
	return transp.sent
}

// Close indicates no more messages will be received.
func (transp *FakeTransport) Close() {
	transp.once.Do(func() { close(transp.inbound) })
}

// Messages returns a copy of everything sent so far.
func (transp *FakeTransport) Messages() []Message {
	transp.mx.Lock()
	defer transp.mx.Unlock()
	rv := make([]Message, len(transp.messages))
	copy(rv, transp.messages)
	return rv
}

package service

import (
	"sync"

	"github.com/proxygui/proxyd/internal/ipc"
)

// PendingQueue buffers messages from one worker that no outstanding request
// has claimed, in arrival order. It is bounded: pushing into a full queue
// drops the oldest message.
type PendingQueue struct {
	mx       sync.Mutex
	limit    int
	messages []ipc.Message
}

// NewPendingQueue returns a queue holding at most limit messages. A limit
// of zero keeps nothing.
func NewPendingQueue(limit int) *PendingQueue {
	return &PendingQueue{limit: max(limit, 0)}
}

// Push appends msg. When the queue is full the oldest message is removed and
// returned with dropped set.
func (q *PendingQueue) Push(msg ipc.Message) (evicted ipc.Message, dropped bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.limit == 0 {
		return msg, true
	}
	if len(q.messages) >= q.limit {
		evicted, dropped = q.messages[0], true
		q.messages = q.messages[1:]
	}
	q.messages = append(q.messages, msg)
	return evicted, dropped
}

// Claim removes and returns the first message, in queue order, for which
// match returns true.
func (q *PendingQueue) Claim(match func(ipc.Message) bool) (ipc.Message, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	for i, msg := range q.messages {
		if match(msg) {
			q.messages = append(q.messages[:i:i], q.messages[i+1:]...)
			return msg, true
		}
	}
	return ipc.Message{}, false
}

func (q *PendingQueue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.messages)
}

// Snapshot returns a copy of the queued messages.
func (q *PendingQueue) Snapshot() []ipc.Message {
	q.mx.Lock()
	defer q.mx.Unlock()
	return append([]ipc.Message(nil), q.messages...)
}

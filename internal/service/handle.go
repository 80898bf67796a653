package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxygui/proxyd/internal/ipc"
	"github.com/proxygui/proxyd/internal/model"
)

// RemoteError is a request the worker answered with "<method>/error".
type RemoteError struct {
	Method string
	Detail json.RawMessage
}

func (e *RemoteError) Error() string {
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return fmt.Sprintf("worker rejected %s: %s", e.Method, s)
	}
	if len(e.Detail) == 0 {
		return fmt.Sprintf("worker rejected %s", e.Method)
	}
	return fmt.Sprintf("worker rejected %s: %s", e.Method, string(e.Detail))
}

type call struct {
	id     string
	method string
	seq    uint64
	reply  chan ipc.Message
}

// Handle binds one worker process to its channel, its pending queue and the
// table of outstanding requests. Replies are matched to requests by the
// request id they echo; replies without an id go to the oldest outstanding
// request of exactly the same method.
type Handle struct {
	id      string
	proc    Proc
	channel *ipc.Channel
	queue   *PendingQueue
	timeout time.Duration

	mx          sync.Mutex
	seq         uint64
	outstanding map[string]*call
	closeErr    error
	closed      chan struct{}
	watched     chan struct{}
}

// NewHandle takes ownership of proc and starts receiving from it.
func NewHandle(ctx context.Context, id string, proc Proc, opts Options) *Handle {
	h := &Handle{
		id:          id,
		proc:        proc,
		channel:     ipc.NewChannel(proc.Transport()),
		queue:       NewPendingQueue(opts.PendingLimit),
		timeout:     opts.InvokeTimeout,
		outstanding: make(map[string]*call),
		closed:      make(chan struct{}),
		watched:     make(chan struct{}),
	}
	h.channel.OnMessage(func(msg ipc.Message) {
		h.deliver(ctx, msg)
	})
	h.channel.Start()
	go h.watch(ctx)
	return h
}

func (h *Handle) ID() string {
	return h.id
}

// Process returns the underlying worker, e.g. to terminate it forcefully.
func (h *Handle) Process() Proc {
	return h.proc
}

// Pending is the queue of messages no request has claimed.
func (h *Handle) Pending() *PendingQueue {
	return h.queue
}

// Done is closed when the handle can no longer serve requests, either
// because the worker went away or Close was called.
func (h *Handle) Done() <-chan struct{} {
	return h.closed
}

// Err reports why the handle is done, nil while it is usable.
func (h *Handle) Err() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.closeErr
}

// Invoke sends {type: method, payload: args} and waits for the matching
// reply. It fails with a *RemoteError when the worker replies with
// "<method>/error", with model.ErrHungRequest when the invoke timeout expires
// and with model.ErrWorkerExited when the worker goes away first.
func (h *Handle) Invoke(ctx context.Context, method string, args any) (json.RawMessage, error) {
	msg, err := ipc.NewMessage(method, uuid.NewString(), args)
	if err != nil {
		return nil, err
	}

	h.mx.Lock()
	if h.closeErr != nil {
		err := h.closeErr
		h.mx.Unlock()
		return nil, fmt.Errorf("invoking %s: %w", method, err)
	}
	h.seq++
	c := &call{id: msg.ID, method: method, seq: h.seq, reply: make(chan ipc.Message, 1)}
	h.outstanding[c.id] = c
	h.mx.Unlock()

	if err := h.channel.Send(msg); err != nil {
		h.forget(c)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	// a reply without id may have arrived before this request existed
	h.mx.Lock()
	if _, ok := h.outstanding[c.id]; ok {
		if early, ok := h.queue.Claim(func(m ipc.Message) bool { return m.ID == "" && m.Answers(method) }); ok {
			delete(h.outstanding, c.id)
			c.reply <- early
		}
	}
	h.mx.Unlock()

	var timeout <-chan time.Time
	if h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case reply := <-c.reply:
		return result(method, reply)
	case <-ctx.Done():
		h.forget(c)
		return nil, fmt.Errorf("invoking %s: %w", method, ctx.Err())
	case <-timeout:
		h.forget(c)
		slog.WarnContext(ctx, "worker did not reply", "service_id", h.id, "method", method, "timeout", h.timeout)
		return nil, fmt.Errorf("invoking %s after %s: %w", method, h.timeout, model.ErrHungRequest)
	case <-h.closed:
		select {
		case reply := <-c.reply:
			return result(method, reply)
		default:
		}
		return nil, fmt.Errorf("invoking %s: %w", method, h.Err())
	}
}

func result(method string, reply ipc.Message) (json.RawMessage, error) {
	if _, failed, _ := ipc.ParseReply(reply.Type); failed {
		return nil, &RemoteError{Method: method, Detail: reply.Payload}
	}
	return reply.Payload, nil
}

func (h *Handle) forget(c *call) {
	h.mx.Lock()
	defer h.mx.Unlock()
	delete(h.outstanding, c.id)
}

func (h *Handle) deliver(ctx context.Context, msg ipc.Message) {
	h.mx.Lock()
	if c := h.match(msg); c != nil {
		delete(h.outstanding, c.id)
		h.mx.Unlock()
		c.reply <- msg
		return
	}
	h.mx.Unlock()

	slog.DebugContext(ctx, "unclaimed worker message", "service_id", h.id, "type", msg.Type, "id", msg.ID)
	if evicted, dropped := h.queue.Push(msg); dropped {
		slog.WarnContext(ctx, "pending queue full: dropping message", "service_id", h.id, "type", evicted.Type, "id", evicted.ID)
	}
}

// match must be called with h.mx held.
func (h *Handle) match(msg ipc.Message) *call {
	method, _, ok := ipc.ParseReply(msg.Type)
	if !ok {
		return nil
	}
	if msg.ID != "" {
		if c, ok := h.outstanding[msg.ID]; ok && c.method == method {
			return c
		}
		return nil
	}
	var oldest *call
	for _, c := range h.outstanding {
		if c.method == method && (oldest == nil || c.seq < oldest.seq) {
			oldest = c
		}
	}
	return oldest
}

// watch closes the handle once the worker's output ends and makes sure the
// process is gone.
func (h *Handle) watch(ctx context.Context) {
	defer close(h.watched)
	<-h.channel.Done()
	if h.shutdown(model.ErrWorkerExited) {
		slog.DebugContext(ctx, "worker output closed", "service_id", h.id, "pid", h.proc.Pid())
	}
	if err := h.proc.Kill(); err != nil {
		slog.WarnContext(ctx, "killing worker", "service_id", h.id, "error", err)
	}
	<-h.proc.Done()
	if r, ok := h.proc.(interface{ Release() error }); ok {
		_ = r.Release()
	}
}

// shutdown fails every outstanding request with cause. It reports whether
// this call closed the handle.
func (h *Handle) shutdown(cause error) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.closeErr != nil {
		return false
	}
	h.closeErr = cause
	h.outstanding = make(map[string]*call)
	close(h.closed)
	return true
}

// Close kills the worker and waits until it has exited. Requests still
// outstanding fail with model.ErrHandleClosed.
func (h *Handle) Close() error {
	h.shutdown(model.ErrHandleClosed)
	err := h.proc.Kill()
	<-h.watched
	return err
}

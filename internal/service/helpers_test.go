package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/proxygui/proxyd/internal/ipc"
	"github.com/proxygui/proxyd/internal/service"
	"github.com/stretchr/testify/require"
)

// pipeProc is a worker served by an ipc.Server in this process, connected
// through two io.Pipes.
type pipeProc struct {
	pid       int
	transport *ipc.PipeTransport
	// raw lets a test write arbitrary bytes as if printed by the worker
	raw   *io.PipeWriter
	rawMx *sync.Mutex
	reqW  *io.PipeWriter
	// cancel aborts the handlers still running, like a killed process would
	cancel   context.CancelFunc
	killOnce sync.Once
	done     chan struct{}
}

func (p *pipeProc) Transport() ipc.Transport { return p.transport }
func (p *pipeProc) Pid() int                 { return p.pid }
func (p *pipeProc) Done() <-chan struct{}    { return p.done }

func (p *pipeProc) Kill() error {
	p.killOnce.Do(func() {
		p.cancel()
		_ = p.reqW.CloseWithError(io.ErrClosedPipe)
		_ = p.raw.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

// Print writes raw bytes to the manager side as worker output.
func (p *pipeProc) Print(s string) {
	p.rawMx.Lock()
	defer p.rawMx.Unlock()
	_, _ = p.raw.Write([]byte(s))
}

// lockedWriter serializes writes of the server and of Print.
type lockedWriter struct {
	mx *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.w.Write(p)
}

var pids atomic.Int64

func startPipeProc(handlers map[string]ipc.HandlerFunc) *pipeProc {
	reqR, reqW := io.Pipe()
	repR, repW := io.Pipe()
	mx := &sync.Mutex{}
	ctx, cancel := context.WithCancel(context.Background())

	p := &pipeProc{
		pid:       int(pids.Add(1)),
		transport: ipc.NewPipeTransport(repR, reqW),
		raw:       repW,
		rawMx:     mx,
		reqW:      reqW,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	srv := ipc.NewServer(ipc.NewPipeTransport(reqR, lockedWriter{mx: mx, w: repW}))
	for method, h := range handlers {
		srv.Handle(method, h)
	}
	go func() {
		defer close(p.done)
		_ = srv.Serve(ctx)
		_ = repW.Close()
	}()
	return p
}

// fakeWorkers spawns pipeProcs answering like a well behaved worker unless
// handlers override a method.
type fakeWorkers struct {
	mx       sync.Mutex
	handlers map[string]ipc.HandlerFunc
	procs    map[string][]*pipeProc
	spawnErr error
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{
		handlers: map[string]ipc.HandlerFunc{
			ipc.MethodStart: func(_ context.Context, cfg json.RawMessage) (any, error) {
				return cfg, nil
			},
			ipc.MethodStop: func(context.Context, json.RawMessage) (any, error) {
				return nil, nil
			},
			ipc.MethodGetStatus: func(context.Context, json.RawMessage) (any, error) {
				return map[string]any{"listen": "127.0.0.1:1080", "connections": 2}, nil
			},
			ipc.MethodGetCPUMetrics: func(context.Context, json.RawMessage) (any, error) {
				return map[string]any{"percent": 1.5}, nil
			},
			ipc.MethodGetTrafficMetrics: func(context.Context, json.RawMessage) (any, error) {
				return map[string]any{"rx_bytes": 10, "tx_bytes": 20}, nil
			},
		},
		procs: make(map[string][]*pipeProc),
	}
}

func (f *fakeWorkers) Handle(method string, h ipc.HandlerFunc) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.handlers[method] = h
}

func (f *fakeWorkers) Spawn(_ context.Context, id string) (service.Proc, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	p := startPipeProc(f.handlers)
	f.procs[id] = append(f.procs[id], p)
	return p, nil
}

func (f *fakeWorkers) Spawned(id string) []*pipeProc {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]*pipeProc(nil), f.procs[id]...)
}

func newRegistry(t *testing.T, f *fakeWorkers, opts service.Options) *service.Registry {
	t.Helper()
	r := service.NewRegistry(t.Context(), f.Spawn, opts)
	t.Cleanup(func() {
		require.NoError(t, r.Close(context.Background()))
	})
	return r
}

var errBoom = errors.New("boom")

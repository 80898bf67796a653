// Package worker is the worker side of the protocol: it answers the
// requests of a manager over stdin and stdout on behalf of a Backend.
package worker

import (
	"context"
	"encoding/json"
	"io"

	"github.com/proxygui/proxyd/internal/ipc"
)

// Backend is the proxy service a worker process runs.
type Backend interface {
	// Start brings the service up. Calling it while running must be a no-op
	// for an identical config.
	Start(ctx context.Context, config json.RawMessage) (any, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (map[string]any, error)

	CPU(ctx context.Context) (any, error)
	Memory(ctx context.Context) (any, error)
	Speed(ctx context.Context) (any, error)
	Connections(ctx context.Context) (any, error)
	Traffic(ctx context.Context) (any, error)
}

// Register wires every worker request to b.
func Register(s *ipc.Server, b Backend) {
	s.Handle(ipc.MethodStart, b.Start)
	s.Handle(ipc.MethodStop, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return nil, b.Stop(ctx)
	})
	s.Handle(ipc.MethodGetStatus, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return b.Status(ctx)
	})
	s.Handle(ipc.MethodGetCPUMetrics, query(b.CPU))
	s.Handle(ipc.MethodGetMemoryMetrics, query(b.Memory))
	s.Handle(ipc.MethodGetSpeedMetrics, query(b.Speed))
	s.Handle(ipc.MethodGetConnectionsMetrics, query(b.Connections))
	s.Handle(ipc.MethodGetTrafficMetrics, query(b.Traffic))
}

func query(f func(context.Context) (any, error)) ipc.HandlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		return f(ctx)
	}
}

// Serve answers requests read from in until it reaches EOF, writing replies
// to out. The backend is stopped before Serve returns.
func Serve(ctx context.Context, in io.Reader, out io.Writer, b Backend) error {
	srv := ipc.NewServer(ipc.NewPipeTransport(in, out))
	Register(srv, b)
	err := srv.Serve(ctx)
	if stopErr := b.Stop(context.WithoutCancel(ctx)); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

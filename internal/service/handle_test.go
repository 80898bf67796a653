package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/proxygui/proxyd/internal/ipc"
	"github.com/proxygui/proxyd/internal/model"
	"github.com/proxygui/proxyd/internal/service"
	"github.com/stretchr/testify/require"
)

func newHandle(t *testing.T, handlers map[string]ipc.HandlerFunc, opts service.Options) (*service.Handle, *pipeProc) {
	t.Helper()
	proc := startPipeProc(handlers)
	h := service.NewHandle(t.Context(), "svc", proc, opts)
	t.Cleanup(func() { _ = h.Close() })
	return h, proc
}

func TestHandleInvoke(t *testing.T) {
	t.Parallel()
	h, proc := newHandle(t, map[string]ipc.HandlerFunc{
		"start": func(_ context.Context, cfg json.RawMessage) (any, error) {
			return cfg, nil
		},
		"startAll": func(context.Context, json.RawMessage) (any, error) {
			return "all", nil
		},
		"stop": func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("not running")
		},
	}, service.DefaultOptions())

	require.Equal(t, "svc", h.ID())
	require.Same(t, proc, h.Process())

	t.Run("done", func(t *testing.T) {
		payload, err := h.Invoke(t.Context(), "start", map[string]int{"port": 1080})
		require.NoError(t, err)
		require.JSONEq(t, `{"port":1080}`, string(payload))
	})

	t.Run("error", func(t *testing.T) {
		_, err := h.Invoke(t.Context(), "stop", nil)
		var remote *service.RemoteError
		require.ErrorAs(t, err, &remote)
		require.Equal(t, "stop", remote.Method)
		require.EqualError(t, err, "worker rejected stop: not running")
	})

	t.Run("prefix sharing methods", func(t *testing.T) {
		var wg sync.WaitGroup
		var start, startAll json.RawMessage
		var startErr, startAllErr error
		wg.Go(func() { start, startErr = h.Invoke(t.Context(), "start", "one") })
		wg.Go(func() { startAll, startAllErr = h.Invoke(t.Context(), "startAll", nil) })
		wg.Wait()
		require.NoError(t, startErr)
		require.NoError(t, startAllErr)
		require.JSONEq(t, `"one"`, string(start))
		require.JSONEq(t, `"all"`, string(startAll))
	})

	t.Run("malformed output is dropped", func(t *testing.T) {
		proc.Print("Listening on :1080\n~{broken\n~{\"no\":\"type\"}\n")
		payload, err := h.Invoke(t.Context(), "start", 7)
		require.NoError(t, err)
		require.JSONEq(t, `7`, string(payload))
		require.Zero(t, h.Pending().Len())
	})
}

func TestHandleConcurrentInvokes(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h, _ := newHandle(t, map[string]ipc.HandlerFunc{
		"start": func(_ context.Context, cfg json.RawMessage) (any, error) {
			var n int
			if err := json.Unmarshal(cfg, &n); err != nil {
				return nil, err
			}
			// the first request is answered last
			if n == 0 {
				<-release
			}
			return n, nil
		},
	}, service.DefaultOptions())

	const count = 10
	results := make([]json.RawMessage, count)
	errs := make([]error, count)
	var wg sync.WaitGroup
	for i := range count {
		wg.Go(func() {
			results[i], errs[i] = h.Invoke(t.Context(), "start", i)
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range count {
		require.NoError(t, errs[i])
		var n int
		require.NoError(t, json.Unmarshal(results[i], &n))
		require.Equal(t, i, n, "reply claimed by the wrong request")
	}
}

func TestHandleUnsolicited(t *testing.T) {
	t.Parallel()
	h, proc := newHandle(t, map[string]ipc.HandlerFunc{
		"stop": func(context.Context, json.RawMessage) (any, error) {
			return "stopped", nil
		},
	}, service.Options{InvokeTimeout: time.Second, PendingLimit: 2})

	proc.Print(`~{"type":"log","payload":"hello"}` + "\n")
	proc.Print(`~{"type":"getStatus/done","id":"nobody"}` + "\n")
	proc.Print(`~{"type":"stats","payload":1}` + "\n")
	// the third message evicts the first one
	require.Eventually(t, func() bool {
		queued := h.Pending().Snapshot()
		return len(queued) == 2 && queued[1].Type == "stats"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"getStatus/done", "stats"}, pendingTypes(h))

	// an id-less reply waiting in the queue is claimed by the next request
	// of exactly that method
	proc.Print(`~{"type":"stop/done","payload":"early"}` + "\n")
	require.Eventually(t, func() bool {
		queued := h.Pending().Snapshot()
		return len(queued) == 2 && queued[1].Type == "stop/done"
	}, time.Second, 5*time.Millisecond)
	payload, err := h.Invoke(t.Context(), "stop", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"early"`, string(payload))
	require.Equal(t, "stats", h.Pending().Snapshot()[0].Type)
}

func TestHandleHungRequest(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h, _ := newHandle(t, map[string]ipc.HandlerFunc{
		"getStatus": func(context.Context, json.RawMessage) (any, error) {
			<-release
			return nil, nil
		},
	}, service.Options{InvokeTimeout: 50 * time.Millisecond, PendingLimit: 8})
	t.Cleanup(func() { close(release) })

	started := time.Now()
	_, err := h.Invoke(t.Context(), "getStatus", nil)
	require.ErrorIs(t, err, model.ErrHungRequest)
	require.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Invoke(ctx, "getStatus", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleWorkerExit(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h, proc := newHandle(t, map[string]ipc.HandlerFunc{
		"start": func(context.Context, json.RawMessage) (any, error) {
			<-release
			return nil, nil
		},
	}, service.Options{})
	t.Cleanup(func() { close(release) })

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Invoke(context.Background(), "start", nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, proc.Kill())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, model.ErrWorkerExited)
	case <-time.After(5 * time.Second):
		t.Fatal("outstanding request not failed after worker exit")
	}
	<-h.Done()
	require.ErrorIs(t, h.Err(), model.ErrWorkerExited)

	_, err := h.Invoke(t.Context(), "start", nil)
	require.ErrorIs(t, err, model.ErrWorkerExited)
}

func TestHandleClose(t *testing.T) {
	t.Parallel()
	h, _ := newHandle(t, nil, service.DefaultOptions())
	require.NoError(t, h.Close())
	require.ErrorIs(t, h.Err(), model.ErrHandleClosed)
	_, err := h.Invoke(t.Context(), "start", nil)
	require.ErrorIs(t, err, model.ErrHandleClosed)
	require.NoError(t, h.Close())
}

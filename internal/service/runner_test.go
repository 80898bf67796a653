package service_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/proxygui/proxyd/internal/ipc"
	"github.com/proxygui/proxyd/internal/model"
	"github.com/proxygui/proxyd/internal/service"
	"github.com/stretchr/testify/require"
)

// workerCommand re-executes the test binary as a relay worker.
func workerCommand() service.Command {
	return service.Command{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  append(os.Environ(), helperEnv+"=1"),
	}
}

func TestProcess(t *testing.T) {
	t.Parallel()
	var mx sync.Mutex
	var lines []string
	p, err := service.StartProcess(t.Context(), workerCommand(), func(_ context.Context, line string) {
		mx.Lock()
		lines = append(lines, line)
		mx.Unlock()
	})
	require.NoError(t, err)
	require.NotZero(t, p.Pid())

	h := service.NewHandle(t.Context(), "relay", p, service.DefaultOptions())
	t.Cleanup(func() { _ = h.Close() })

	payload, err := h.Invoke(t.Context(), ipc.MethodGetTrafficMetrics, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"rx_bytes":0,"tx_bytes":0}`, string(payload))

	_, err = h.Invoke(t.Context(), ipc.MethodGetStatus, nil)
	var remote *service.RemoteError
	require.ErrorAs(t, err, &remote)

	_, err = h.Invoke(t.Context(), "reboot", nil)
	require.ErrorAs(t, err, &remote)
	require.Contains(t, err.Error(), `unknown method "reboot"`)

	require.NoError(t, h.Close())
	<-p.Done()
	res := p.Result()
	require.Equal(t, os.Args[0], res.Path)
	require.False(t, res.Started.IsZero())
	require.False(t, res.Stopped.IsZero())
	require.NotNil(t, res.State)
}

func TestProcessExit(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	var mx sync.Mutex
	var stderr []string
	p, err := service.StartProcess(t.Context(), service.Command{
		Path: sh,
		Args: []string{"-c", `echo "booting" >&2; echo 'not a frame'; echo '~{"type":"hello"}'; exit 3`},
	}, func(_ context.Context, line string) {
		mx.Lock()
		stderr = append(stderr, line)
		mx.Unlock()
	})
	require.NoError(t, err)

	h := service.NewHandle(t.Context(), "sh", p, service.DefaultOptions())
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle not done after worker exit")
	}
	require.ErrorIs(t, h.Err(), model.ErrWorkerExited)
	require.NoError(t, h.Close())

	<-p.Done()
	res := p.Result()
	require.Error(t, res.Err)
	require.Equal(t, 3, res.State.ExitCode())

	mx.Lock()
	require.Equal(t, []string{"booting"}, stderr)
	mx.Unlock()
	require.Equal(t, []string{"hello"}, pendingTypes(h))
	require.NoError(t, p.Kill(), "killing an exited worker is no error")
}

func pendingTypes(h *service.Handle) []string {
	var types []string
	for _, msg := range h.Pending().Snapshot() {
		types = append(types, msg.Type)
	}
	return types
}

// TestRegistryRelay runs the whole stack: a registry spawning real relay
// workers that forward TCP traffic.
func TestRegistryRelay(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = upstream.Close() })
	go func() {
		for {
			conn, err := upstream.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				buf := make([]byte, 64)
				n, _ := conn.Read(buf)
				_, _ = conn.Write([]byte(strings.ToUpper(string(buf[:n]))))
			}()
		}
	}()

	r := service.NewRegistry(ctx, service.CommandSpawner(workerCommand()), service.DefaultOptions())
	t.Cleanup(func() { require.NoError(t, r.Close(context.Background())) })

	err = r.Start(ctx, "svc1", map[string]string{
		"listen":   "127.0.0.1:0",
		"upstream": upstream.Addr().String(),
	})
	require.NoError(t, err)

	info, err := r.ServiceInfo(ctx, "svc1")
	require.NoError(t, err)
	require.Equal(t, service.StatusRunning, info.Status)
	listen, ok := info.Fields["listen"].(string)
	require.True(t, ok)

	conn, err := net.Dial("tcp", listen)
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "PING", string(buf))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		raw, err := r.Metrics(ctx, "svc1", service.MetricTraffic)
		if err != nil {
			return false
		}
		var traffic struct {
			RX int64 `json:"rx_bytes"`
			TX int64 `json:"tx_bytes"`
		}
		return json.Unmarshal(raw, &traffic) == nil && traffic.RX == 4 && traffic.TX == 4
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Stop(ctx, "svc1"))
	require.Equal(t, service.StateStopped, r.State("svc1"))
}

package ipc_test

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/proxygui/proxyd/internal/ipc"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out its buffer chunkSize bytes at a time, so that lines
// get split across reads.
type chunkReader struct {
	chunkSize int
	buffer    []byte
}

func (cr *chunkReader) Read(p []byte) (int, error) {
	if len(cr.buffer) == 0 {
		return 0, io.EOF
	}
	n := min(cr.chunkSize, len(cr.buffer), len(p))
	copy(p, cr.buffer[:n])
	cr.buffer = cr.buffer[n:]
	return n, nil
}

var testPipeInput = []byte(`
~{"type": "start/done", "id": "1", "payload": {"port": 1080}}
listening on 127.0.0.1:1080
~{"type": "getStatus/done", "id": "2", "payload": {"lengthy": "abc abc abc abc abc abc abc abc abc abc abc abc"}}
~{"type": "not valid JSON}
~{"id": "3"}
~["type"]
~{"type": "stop/done"}`[1:])

func TestPipeTransportRecv(t *testing.T) {
	t.Parallel()
	for _, chunkSize := range []int{1, 2, 7, 64, 4096} {
		var invalid []string
		transp := ipc.NewPipeTransport(&chunkReader{chunkSize: chunkSize, buffer: bytes.Clone(testPipeInput)}, io.Discard)
		transp.InvalidLine = func(line []byte) {
			invalid = append(invalid, string(line))
		}

		var types []string
		for {
			msg, ok := transp.Recv()
			if !ok {
				break
			}
			types = append(types, msg.Type)
		}

		require.Equal(t, []string{"start/done", "getStatus/done", "stop/done"}, types, "chunk size %d", chunkSize)
		require.Equal(t, []string{
			"listening on 127.0.0.1:1080",
			`~{"type": "not valid JSON}`,
			`~{"id": "3"}`,
			`~["type"]`,
		}, invalid, "chunk size %d", chunkSize)
	}
}

func TestPipeTransportSend(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	transp := ipc.NewPipeTransport(bytes.NewReader(nil), &buf)

	msg, err := ipc.NewMessage("start", "1", map[string]string{"listen": ":1080"})
	require.NoError(t, err)
	require.NoError(t, transp.Send(msg))
	require.NoError(t, transp.Send(ipc.Message{Type: "stop", ID: "2"}))

	require.Equal(t,
		"~{\"type\":\"start\",\"id\":\"1\",\"payload\":{\"listen\":\":1080\"}}\n~{\"type\":\"stop\",\"id\":\"2\"}\n",
		buf.String())
}

func TestPipeTransportRoundTrip(t *testing.T) {
	t.Parallel()
	r, w := io.Pipe()
	sender := ipc.NewPipeTransport(bytes.NewReader(nil), w)
	receiver := ipc.NewPipeTransport(r, io.Discard)

	const count = 50
	var wg sync.WaitGroup
	for i := range count {
		wg.Go(func() {
			msg, err := ipc.NewMessage("getTrafficMetrics", "", i)
			require.NoError(t, err)
			require.NoError(t, sender.Send(msg))
		})
	}
	go func() {
		wg.Wait()
		_ = w.Close()
	}()

	var got int
	for {
		msg, ok := receiver.Recv()
		if !ok {
			break
		}
		require.Equal(t, "getTrafficMetrics", msg.Type)
		got++
	}
	require.Equal(t, count, got)
}

func TestPipeTransportMaxLine(t *testing.T) {
	t.Parallel()
	long := `~{"type": "getStatus/done", "payload": "` + strings.Repeat("x", 200) + `"}`
	input := long + "\n" + `~{"type": "stop/done"}` + "\n" + long

	for _, chunkSize := range []int{1, 16, 4096} {
		var invalid []string
		transp := ipc.NewPipeTransport(&chunkReader{chunkSize: chunkSize, buffer: []byte(input)}, io.Discard)
		transp.MaxLine = 32
		transp.InvalidLine = func(line []byte) {
			invalid = append(invalid, string(line))
		}

		var types []string
		for {
			msg, ok := transp.Recv()
			if !ok {
				break
			}
			types = append(types, msg.Type)
		}

		require.Equal(t, []string{"stop/done"}, types, "chunk size %d", chunkSize)
		require.Equal(t, []string{long[:32], long[:32]}, invalid, "chunk size %d", chunkSize)
	}
}

func TestPipeTransportMaxLineExact(t *testing.T) {
	t.Parallel()
	line := `~{"type":"stop/done"}`
	transp := ipc.NewPipeTransport(strings.NewReader(line+"\n"), io.Discard)
	transp.MaxLine = len(line)
	msg, ok := transp.Recv()
	require.True(t, ok)
	require.Equal(t, "stop/done", msg.Type)
}

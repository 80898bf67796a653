package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Transport is a means of sending and receiving messages.
type Transport interface {
	// Send a message to the other side
	Send(Message) error

	// Receive a message, blocking until one is available. ok is false once
	// the other side is gone.
	Recv() (msg Message, ok bool)
}

// PipeTransport carries messages over a pair of byte streams, typically the
// stdin and stdout of a worker process. Each message is a single line, a '~'
// followed by the JSON encoding. Lines not shaped like that are handed to
// InvalidLine and otherwise ignored, so a worker printing to stdout can't
// break the protocol.
type PipeTransport struct {
	// InvalidLine receives every line that is not a protocol message,
	// without the trailing newline. Defaults to a debug log record.
	InvalidLine func(line []byte)
	// MaxLine bounds the length of a line. Longer lines are skipped and
	// only their first MaxLine bytes reach InvalidLine.
	MaxLine int

	reader *bufio.Reader

	outMx  sync.Mutex
	output io.Writer
}

// DefaultMaxLine is the MaxLine of a new PipeTransport.
const DefaultMaxLine = 1 << 20

func NewPipeTransport(input io.Reader, output io.Writer) *PipeTransport {
	return &PipeTransport{
		InvalidLine: func(line []byte) {
			slog.Debug("dropping non-protocol line", "line", string(line))
		},
		MaxLine: DefaultMaxLine,
		reader:  bufio.NewReader(input),
		output:  output,
	}
}

func (transp *PipeTransport) Send(msg Message) error {
	j, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshalling protocol message: %w", err)
	}
	j = append(append([]byte{'~'}, j...), '\n')

	transp.outMx.Lock()
	defer transp.outMx.Unlock()
	_, err = transp.output.Write(j)
	if err != nil {
		return fmt.Errorf("writing protocol message: %w", err)
	}
	return nil
}

func (transp *PipeTransport) Recv() (Message, bool) {
	for {
		line, truncated, err := transp.readLine()
		if len(line) > 0 {
			if !truncated {
				if msg, ok := decodeLine(line); ok {
					return msg, true
				}
			}
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 && transp.InvalidLine != nil {
				transp.InvalidLine(trimmed)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Debug("reading protocol stream", "error", err)
			}
			return Message{}, false
		}
	}
}

// readLine reads up to and including the next newline. Bytes beyond MaxLine
// are consumed but not kept, in which case truncated is set.
func (transp *PipeTransport) readLine() (line []byte, truncated bool, err error) {
	for {
		var chunk []byte
		chunk, err = transp.reader.ReadSlice('\n')
		switch {
		case truncated:
			chunk = nil
		case transp.MaxLine > 0 && len(line)+len(bytes.TrimSuffix(chunk, []byte{'\n'})) > transp.MaxLine:
			chunk = chunk[:transp.MaxLine-len(line)]
			truncated = true
		}
		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, truncated, err
		}
	}
}

func decodeLine(line []byte) (Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) < 3 || line[0] != '~' || line[1] != '{' || line[len(line)-1] != '}' {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(line[1:], &msg); err != nil {
		return Message{}, false
	}
	return msg, true
}

package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/proxygui/proxyd/internal/ipc"
)

type StderrFunc func(ctx context.Context, line string)

// Proc is a running worker as seen by a Handle: a transport to talk over and
// the means to kill it.
type Proc interface {
	Transport() ipc.Transport
	Pid() int
	// Kill terminates the worker forcefully. Killing an exited worker is not
	// an error.
	Kill() error
	// Done is closed once the worker has exited and its streams are drained.
	Done() <-chan struct{}
}

// SpawnFunc starts a fresh worker for the service id.
type SpawnFunc func(ctx context.Context, id string) (Proc, error)

type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Process is a worker running as an OS child process. Its stdin and stdout
// carry the protocol, stderr is passed line by line to a StderrFunc.
type Process struct {
	cmd       *exec.Cmd
	transport *ipc.PipeTransport
	stdout    *os.File
	done      chan struct{}

	mx     sync.RWMutex
	result Result
}

// CommandSpawner spawns every worker from proto. Worker stderr is logged with
// the service id attached.
func CommandSpawner(proto Command) SpawnFunc {
	return func(ctx context.Context, id string) (Proc, error) {
		return StartProcess(ctx, proto, func(ctx context.Context, line string) {
			slog.InfoContext(ctx, line, "service_id", id, "source", "worker")
		})
	}
}

// StartProcess runs the command and returns once it has been started. ctx is
// only used for logging; the process lives until it exits or is killed.
func StartProcess(ctx context.Context, proto Command, stderrFunc StderrFunc) (*Process, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	// stdout is a plain os.Pipe so that Wait does not close it under the
	// transport while the last replies are still buffered
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	p := &Process{
		cmd:    cmd,
		stdout: stdoutR,
		done:   make(chan struct{}),
		result: Result{
			Path: proto.Path,
			Args: append([]string(nil), proto.Args...),
		},
	}

	p.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, err
	}
	_ = stdoutW.Close()
	slog.DebugContext(ctx, "worker started", "path", proto.Path, "pid", cmd.Process.Pid)

	p.transport = ipc.NewPipeTransport(stdoutR, stdin)
	p.transport.InvalidLine = func(line []byte) {
		slog.DebugContext(ctx, "dropping worker output", "pid", cmd.Process.Pid, "line", string(line))
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		processStderr(ctx, stderr, stderrFunc)
	}()
	go p.wait(stderrDone)
	return p, nil
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if stderrFunc != nil {
			stderrFunc(ctx, scanner.Text())
		}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (p *Process) wait(stderrDone <-chan struct{}) {
	<-stderrDone
	err := p.cmd.Wait()
	stopped := time.Now().UTC()

	p.mx.Lock()
	p.result.Stopped = stopped
	p.result.State = p.cmd.ProcessState
	p.result.Err = err
	p.mx.Unlock()
	close(p.done)
}

func (p *Process) Transport() ipc.Transport {
	return p.transport
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Release closes the read side of the protocol stream. Call it once the
// transport has reached EOF.
func (p *Process) Release() error {
	return p.stdout.Close()
}

// Result returns how the process ended. It is only complete after Done is
// closed.
func (p *Process) Result() Result {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.result
}

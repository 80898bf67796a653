package service

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/proxygui/proxyd/internal/model"
)

// WorkerCommand is the hidden subcommand a manager binary runs as a worker.
const WorkerCommand = "_worker"

// Options tunes the handles a Registry creates.
type Options struct {
	// InvokeTimeout bounds every request; zero waits forever.
	InvokeTimeout time.Duration
	// PendingLimit caps the unclaimed messages kept per worker.
	PendingLimit int
}

func DefaultOptions() Options {
	return Options{
		InvokeTimeout: model.DefaultInvokeTimeout,
		PendingLimit:  model.DefaultPendingLimit,
	}
}

// OptionsFromConfig reads the worker section of the configuration.
func OptionsFromConfig(cfg *model.Worker) (Options, error) {
	timeout, err := cfg.InvokeTimeoutOrDefault()
	if err != nil {
		return Options{}, fmt.Errorf("parsing worker.invoke_timeout: %w", err)
	}
	return Options{
		InvokeTimeout: timeout,
		PendingLimit:  cfg.PendingLimitOrDefault(),
	}, nil
}

// CommandFromConfig builds the command used to spawn workers. Without an
// explicit path the running executable is re-executed with WorkerCommand.
// Environment values starting with $ are expanded, names are upper cased.
func CommandFromConfig(cfg *model.Worker) (Command, error) {
	var w model.Worker
	if cfg != nil {
		w = *cfg
	}

	cmd := Command{
		Path: w.Path,
		Args: append([]string(nil), w.Args...),
		Dir:  w.Dir,
	}
	if cmd.Path == "" {
		self, err := os.Executable()
		if err != nil {
			return Command{}, fmt.Errorf("locating own executable: %w", err)
		}
		cmd.Path = self
		if len(cmd.Args) == 0 {
			cmd.Args = []string{WorkerCommand}
		}
	}

	cmd.Env = os.Environ()
	for k, v := range w.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		cmd.Env = append(cmd.Env, strings.ToUpper(k)+"="+v)
	}
	return cmd, nil
}

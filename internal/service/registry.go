package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/proxygui/proxyd/internal/ipc"
	"github.com/proxygui/proxyd/internal/model"
	"github.com/proxygui/proxyd/internal/parallel"
)

// ErrRegistryClosed is returned by Start once Close has been called.
var ErrRegistryClosed = errors.New("registry closed")

// MetricKind selects one of the fixed metric queries of a worker.
type MetricKind string

const (
	MetricCPU         MetricKind = "cpu"
	MetricMemory      MetricKind = "memory"
	MetricSpeed       MetricKind = "speed"
	MetricConnections MetricKind = "connections"
	MetricTraffic     MetricKind = "traffic"
)

var metricMethods = map[MetricKind]string{
	MetricCPU:         ipc.MethodGetCPUMetrics,
	MetricMemory:      ipc.MethodGetMemoryMetrics,
	MetricSpeed:       ipc.MethodGetSpeedMetrics,
	MetricConnections: ipc.MethodGetConnectionsMetrics,
	MetricTraffic:     ipc.MethodGetTrafficMetrics,
}

// fanOut bounds the concurrent requests of Services and Probe.
const fanOut = 16

// emptyMetrics is the answer for a service that is not running.
var emptyMetrics = json.RawMessage(`[]`)

type entry struct {
	state State
	// handle is the live handle while running, the last one once stopped
	handle *Handle
}

// Registry owns every worker. Each service id is either absent (never
// started), running with exactly one handle, or stopped. A failed start
// takes the id back to absent, so it can't be told apart from an id that was
// never started.
type Registry struct {
	ctx   context.Context
	spawn SpawnFunc
	opts  Options

	// spawnMx serializes spawning so two concurrent starts of an absent id
	// don't create two workers
	spawnMx sync.Mutex

	mx      sync.Mutex
	entries map[string]*entry
	order   []string
	closed  bool

	wg sync.WaitGroup
}

// NewRegistry returns an empty registry spawning workers with spawn. ctx is
// used for logging from background goroutines.
func NewRegistry(ctx context.Context, spawn SpawnFunc, opts Options) *Registry {
	return &Registry{
		ctx:     ctx,
		spawn:   spawn,
		opts:    opts,
		entries: make(map[string]*entry),
	}
}

// State returns the lifecycle state of id.
func (r *Registry) State(id string) State {
	state, _ := r.lookup(id)
	return state
}

func (r *Registry) lookup(id string) (State, *Handle) {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return StateNotStarted, nil
	}
	return e.state, e.handle
}

// Start spawns a worker for id unless one is running already, then sends it
// the start request with config. A running worker gets the start request
// again and is expected to treat it as a no-op. On failure the worker is
// killed and id goes back to never started.
func (r *Registry) Start(ctx context.Context, id string, config any) error {
	h, spawned, err := r.acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrStartFailed, id, err)
	}
	if spawned {
		slog.InfoContext(ctx, "worker spawned", "service_id", id, "pid", h.Process().Pid())
	}

	_, err = h.Invoke(ctx, ipc.MethodStart, config)
	if err != nil {
		r.discard(id, h)
		if cerr := h.Close(); cerr != nil {
			slog.WarnContext(ctx, "killing worker after failed start", "service_id", id, "error", cerr)
		}
		return fmt.Errorf("%w: %s: %w", model.ErrStartFailed, id, err)
	}
	slog.InfoContext(ctx, "service started", "service_id", id)
	return nil
}

// acquire returns the running handle of id, spawning a new worker when there
// is none. A new handle is recorded as running before any request is sent.
func (r *Registry) acquire(ctx context.Context, id string) (*Handle, bool, error) {
	r.spawnMx.Lock()
	defer r.spawnMx.Unlock()

	r.mx.Lock()
	if r.closed {
		r.mx.Unlock()
		return nil, false, ErrRegistryClosed
	}
	if e, ok := r.entries[id]; ok && e.state == StateRunning {
		r.mx.Unlock()
		return e.handle, false, nil
	}
	r.mx.Unlock()

	proc, err := r.spawn(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("spawning worker: %w", err)
	}
	h := NewHandle(r.ctx, id, proc, r.opts)

	r.mx.Lock()
	if r.closed {
		r.mx.Unlock()
		_ = h.Close()
		return nil, false, ErrRegistryClosed
	}
	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
		r.order = append(r.order, id)
	}
	e.state = StateRunning
	e.handle = h
	// under mx: Close flips closed under mx before it waits
	r.wg.Add(1)
	r.mx.Unlock()

	go func() {
		defer r.wg.Done()
		r.supervise(id, h)
	}()
	return h, true, nil
}

// supervise marks id stopped when its worker exits on its own.
func (r *Registry) supervise(id string, h *Handle) {
	<-h.Done()
	r.mx.Lock()
	e, ok := r.entries[id]
	crashed := ok && e.handle == h && e.state == StateRunning
	if crashed {
		e.state = StateStopped
	}
	r.mx.Unlock()
	if crashed {
		slog.WarnContext(r.ctx, "worker exited unexpectedly", "service_id", id, "error", h.Err())
	}
}

// discard removes id entirely if h is still its running handle. An entry
// stopped in the meantime stays stopped.
func (r *Registry) discard(id string, h *Handle) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if e, ok := r.entries[id]; ok && e.state == StateRunning && e.handle == h {
		delete(r.entries, id)
		r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	}
}

// Stop asks the worker of id to stop, kills it and marks id stopped. Stopping
// an id that is not running fails with model.ErrServiceNotFound. An error
// reply to the stop request is returned after the worker has been killed.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mx.Lock()
	e, ok := r.entries[id]
	if !ok || e.state != StateRunning {
		r.mx.Unlock()
		return fmt.Errorf("stopping %s: %w", id, model.ErrServiceNotFound)
	}
	e.state = StateStopped
	h := e.handle
	r.mx.Unlock()

	_, stopErr := h.Invoke(ctx, ipc.MethodStop, nil)
	if err := h.Close(); err != nil {
		slog.WarnContext(ctx, "killing worker", "service_id", id, "error", err)
	}
	if stopErr != nil {
		return fmt.Errorf("stopping %s: %w", id, stopErr)
	}
	slog.InfoContext(ctx, "service stopped", "service_id", id)
	return nil
}

// ServiceInfo reports the status of id. For a running service the fields
// returned by the worker's getStatus are merged in.
func (r *Registry) ServiceInfo(ctx context.Context, id string) (Info, error) {
	state, h := r.lookup(id)
	if state != StateRunning {
		return Info{Status: state.Status()}, nil
	}

	payload, err := h.Invoke(ctx, ipc.MethodGetStatus, nil)
	if err != nil {
		return Info{}, fmt.Errorf("status of %s: %w", id, err)
	}
	info := Info{Status: StatusRunning}
	if len(payload) > 0 && string(payload) != "null" {
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			fields = map[string]any{"details": payload}
		}
		info.Fields = fields
	}
	return info, nil
}

// Services reports every id that was ever started successfully, in the order
// they were first started.
func (r *Registry) Services(ctx context.Context) (Listing, error) {
	r.mx.Lock()
	ids := slices.Clone(r.order)
	r.mx.Unlock()

	return parallel.Map(ctx, fanOut, ids, func(ctx context.Context, id string) (ServiceInfo, error) {
		info, err := r.ServiceInfo(ctx, id)
		if err != nil {
			return ServiceInfo{}, err
		}
		return ServiceInfo{ID: id, Info: info}, nil
	})
}

// Metrics runs one metric query against the worker of id. A service that is
// not running yields an empty list instead of an error.
func (r *Registry) Metrics(ctx context.Context, id string, kind MetricKind) (json.RawMessage, error) {
	method, ok := metricMethods[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownMetric, kind)
	}
	state, h := r.lookup(id)
	if state != StateRunning {
		return emptyMetrics, nil
	}
	payload, err := h.Invoke(ctx, method, nil)
	if err != nil {
		return nil, fmt.Errorf("%s metrics of %s: %w", kind, id, err)
	}
	if len(payload) == 0 || string(payload) == "null" {
		return emptyMetrics, nil
	}
	return payload, nil
}

// Probe sends getStatus to every running worker and returns the failures by
// service id.
func (r *Registry) Probe(ctx context.Context) map[string]error {
	r.mx.Lock()
	var running []*Handle
	for _, e := range r.entries {
		if e.state == StateRunning {
			running = append(running, e.handle)
		}
	}
	r.mx.Unlock()

	errs := parallel.Errors(ctx, fanOut, running, func(ctx context.Context, h *Handle) error {
		_, err := h.Invoke(ctx, ipc.MethodGetStatus, nil)
		return err
	})
	failures := make(map[string]error)
	for i, err := range errs {
		if err != nil {
			failures[running[i].ID()] = err
		}
	}
	return failures
}

// Close stops every running worker and marks it stopped. Workers get a
// stop request first, bounded by ctx, and are killed afterwards. Start fails
// with ErrRegistryClosed from now on.
func (r *Registry) Close(ctx context.Context) error {
	r.mx.Lock()
	if r.closed {
		r.mx.Unlock()
		return nil
	}
	r.closed = true
	handles := make(map[string]*Handle)
	for id, e := range r.entries {
		if e.state == StateRunning {
			e.state = StateStopped
			handles[id] = e.handle
		}
	}
	r.mx.Unlock()

	var mx sync.Mutex
	var errs []error
	var g errgroup.Group
	for id, h := range handles {
		g.Go(func() error {
			_, stopErr := h.Invoke(ctx, ipc.MethodStop, nil)
			killErr := h.Close()
			if err := errors.Join(stopErr, killErr); err != nil {
				mx.Lock()
				errs = append(errs, fmt.Errorf("stopping %s: %w", id, err))
				mx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	r.wg.Wait()
	slog.DebugContext(ctx, "registry closed", "stopped", len(handles))
	return errors.Join(errs...)
}

// Package dispatch exposes the service registry to a front end as a small
// set of named calls with structured errors.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/proxygui/proxyd/internal/ipc"
	"github.com/proxygui/proxyd/internal/model"
	"github.com/proxygui/proxyd/internal/service"
)

// Calls understood by a Dispatcher.
const (
	MethodStartService   = "startService"
	MethodStopService    = "stopService"
	MethodGetServices    = "getServices"
	MethodGetServiceInfo = "getServiceInfo"
	MethodGetMetrics     = "getMetrics"
)

// Error codes of a failed call.
const (
	CodeNotFound      = "not_found"
	CodeStartFailed   = "start_failed"
	CodeHungRequest   = "hung_request"
	CodeWorkerExited  = "worker_exited"
	CodeUnknownMetric = "unknown_metric"
	CodeBadRequest    = "bad_request"
	CodeUnknownMethod = "unknown_method"
	CodeInternal      = "internal"
)

var (
	errBadRequest    = errors.New("bad request")
	errUnknownMethod = errors.New("unknown method")
)

// Registry is the part of service.Registry a Dispatcher drives.
type Registry interface {
	Start(ctx context.Context, id string, config any) error
	Stop(ctx context.Context, id string) error
	ServiceInfo(ctx context.Context, id string) (service.Info, error)
	Services(ctx context.Context) (service.Listing, error)
	Metrics(ctx context.Context, id string, kind service.MetricKind) (json.RawMessage, error)
}

// Error is the structured failure of a call.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// ErrorPayload makes a served call fail with the structured error.
func (e *Error) ErrorPayload() any {
	return e
}

// Response is the outcome of one call. Error is set when the call failed;
// Result may be empty for a call without a value.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

type idParams struct {
	ID string `json:"id"`
}

type startParams struct {
	ID     string          `json:"id"`
	Config json.RawMessage `json:"config,omitempty"`
}

type metricsParams struct {
	ID   string             `json:"id"`
	Kind service.MetricKind `json:"kind"`
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type Dispatcher struct {
	registry Registry
	handlers map[string]handlerFunc
}

func New(registry Registry) *Dispatcher {
	d := &Dispatcher{registry: registry}
	d.handlers = map[string]handlerFunc{
		MethodStartService:   d.startService,
		MethodStopService:    d.stopService,
		MethodGetServices:    d.getServices,
		MethodGetServiceInfo: d.getServiceInfo,
		MethodGetMetrics:     d.getMetrics,
	}
	return d
}

// Call runs method with its JSON params.
func (d *Dispatcher) Call(ctx context.Context, method string, params json.RawMessage) Response {
	result, err := d.call(ctx, method, params)
	if err != nil {
		e := toError(err)
		slog.DebugContext(ctx, "call failed", "method", method, "code", e.Code, "error", err)
		return Response{Error: e}
	}
	return Response{Result: result}
}

func (d *Dispatcher) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	h, ok := d.handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownMethod, method)
	}
	return h(ctx, params)
}

// Serve answers calls arriving over transport until it reaches EOF. Every
// call is answered with "<method>/done" carrying the result or
// "<method>/error" carrying an Error.
func (d *Dispatcher) Serve(ctx context.Context, transport ipc.Transport) error {
	srv := ipc.NewServer(transport)
	for method := range d.handlers {
		srv.Handle(method, func(ctx context.Context, params json.RawMessage) (any, error) {
			result, err := d.call(ctx, method, params)
			if err != nil {
				return nil, toError(err)
			}
			return result, nil
		})
	}
	return srv.Serve(ctx)
}

func (d *Dispatcher) startService(ctx context.Context, raw json.RawMessage) (any, error) {
	var p startParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	var config any
	if len(p.Config) > 0 {
		config = p.Config
	}
	return nil, d.registry.Start(ctx, p.ID, config)
}

func (d *Dispatcher) stopService(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	return nil, d.registry.Stop(ctx, p.ID)
}

func (d *Dispatcher) getServices(ctx context.Context, _ json.RawMessage) (any, error) {
	return d.registry.Services(ctx)
}

func (d *Dispatcher) getServiceInfo(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	return d.registry.ServiceInfo(ctx, p.ID)
}

func (d *Dispatcher) getMetrics(ctx context.Context, raw json.RawMessage) (any, error) {
	var p metricsParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	return d.registry.Metrics(ctx, p.ID, p.Kind)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", errBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func requireID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: missing id", errBadRequest)
	}
	return nil
}

// toError classifies err. A start failure caused by a hung or crashed worker
// is still reported as start_failed.
func toError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	code := CodeInternal
	switch {
	case errors.Is(err, errBadRequest):
		code = CodeBadRequest
	case errors.Is(err, errUnknownMethod):
		code = CodeUnknownMethod
	case errors.Is(err, model.ErrUnknownMetric):
		code = CodeUnknownMetric
	case errors.Is(err, model.ErrStartFailed):
		code = CodeStartFailed
	case errors.Is(err, model.ErrServiceNotFound):
		code = CodeNotFound
	case errors.Is(err, model.ErrHungRequest):
		code = CodeHungRequest
	case errors.Is(err, model.ErrWorkerExited), errors.Is(err, model.ErrHandleClosed):
		code = CodeWorkerExited
	}
	return &Error{Code: code, Message: err.Error()}
}

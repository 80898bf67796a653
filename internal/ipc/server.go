package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// HandlerFunc answers one request. The returned value becomes the payload of
// the "<method>/done" reply; an error becomes the payload of "<method>/error".
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// ErrorPayloader lets an error choose its own "<method>/error" payload. Other
// errors are sent as their message string.
type ErrorPayloader interface {
	ErrorPayload() any
}

// Server is the answering side of the protocol. Every request is served in
// its own goroutine and gets exactly one reply carrying the request id.
type Server struct {
	transport Transport
	handlers  map[string]HandlerFunc
	wg        sync.WaitGroup
}

func NewServer(transport Transport) *Server {
	return &Server{
		transport: transport,
		handlers:  make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for method. This must occur before Serve.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Serve receives requests until the transport reaches EOF, then waits for the
// requests in flight. Replies received by a server are ignored.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.wg.Wait()

	for {
		msg, ok := s.transport.Recv()
		if !ok {
			return nil
		}
		if _, _, isReply := ParseReply(msg.Type); isReply {
			slog.DebugContext(ctx, "ignoring reply sent to a server", "type", msg.Type, "id", msg.ID)
			continue
		}
		h, ok := s.handlers[msg.Type]
		if !ok {
			s.reply(ctx, msg, nil, fmt.Errorf("unknown method %q", msg.Type))
			continue
		}
		s.wg.Go(func() {
			result, err := h(ctx, msg.Payload)
			s.reply(ctx, msg, result, err)
		})
	}
}

func (s *Server) reply(ctx context.Context, req Message, result any, herr error) {
	var (
		msg Message
		err error
	)
	if herr != nil {
		var payload any = herr.Error()
		var p ErrorPayloader
		if errors.As(herr, &p) {
			payload = p.ErrorPayload()
		}
		msg, err = NewMessage(ErrorType(req.Type), req.ID, payload)
	} else {
		msg, err = NewMessage(DoneType(req.Type), req.ID, result)
	}
	if err != nil {
		slog.ErrorContext(ctx, "can't encode reply", "type", req.Type, "error", err)
		msg, _ = NewMessage(ErrorType(req.Type), req.ID, err.Error())
	}
	if err := s.transport.Send(msg); err != nil {
		slog.WarnContext(ctx, "can't send reply", "type", msg.Type, "id", msg.ID, "error", err)
	}
}

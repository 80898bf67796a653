package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	doneSuffix  = "/done"
	errorSuffix = "/error"
)

// Message is the unit exchanged with a worker. Requests carry the method name
// in Type; replies carry "<method>/done" or "<method>/error" and echo ID.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var errNoType = errors.New("message has no type")

func (msg *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if p.Type == "" {
		return errNoType
	}
	*msg = Message(p)
	return nil
}

// NewMessage builds a message with payload marshalled from v. A nil v leaves
// the payload empty.
func NewMessage(typ, id string, v any) (Message, error) {
	msg := Message{Type: typ, ID: id}
	if v == nil {
		return msg, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		msg.Payload = raw
		return msg, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("marshalling %s payload: %w", typ, err)
	}
	msg.Payload = b
	return msg, nil
}

func DoneType(method string) string  { return method + doneSuffix }
func ErrorType(method string) string { return method + errorSuffix }

// ParseReply splits a reply type into the method it answers and whether it
// reports a failure. ok is false for anything that is not a reply.
func ParseReply(typ string) (method string, failed bool, ok bool) {
	if m, found := strings.CutSuffix(typ, doneSuffix); found && m != "" {
		return m, false, true
	}
	if m, found := strings.CutSuffix(typ, errorSuffix); found && m != "" {
		return m, true, true
	}
	return "", false, false
}

// Answers reports whether msg is a reply to method. The comparison is exact,
// so a reply to "startAll" never answers "start".
func (msg Message) Answers(method string) bool {
	m, _, ok := ParseReply(msg.Type)
	return ok && m == method
}

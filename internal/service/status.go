package service

import (
	"bytes"
	"encoding/json"
	"maps"
)

// Status is the lifecycle state reported to the GUI.
type Status string

const (
	StatusInit    Status = "INIT"
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
)

// State is the registry entry of a service id.
type State int

const (
	// StateNotStarted: the id was never started, or its last start failed.
	StateNotStarted State = iota
	// StateRunning: the entry holds a live handle.
	StateRunning
	// StateStopped: the service ran before and was stopped or exited.
	StateStopped
)

func (s State) Status() Status {
	switch s {
	case StateRunning:
		return StatusRunning
	case StateStopped:
		return StatusStopped
	default:
		return StatusInit
	}
}

func (s State) String() string {
	return string(s.Status())
}

// Info is the status of one service plus whatever fields a running worker
// reported through getStatus. It is encoded as one flat JSON object.
type Info struct {
	Status Status
	Fields map[string]any
}

func (i Info) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(i.Fields)+1)
	maps.Copy(obj, i.Fields)
	obj["status"] = i.Status
	return json.Marshal(obj)
}

func (i *Info) UnmarshalJSON(b []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	status, _ := obj["status"].(string)
	delete(obj, "status")
	i.Status = Status(status)
	i.Fields = obj
	if len(i.Fields) == 0 {
		i.Fields = nil
	}
	return nil
}

// ServiceInfo is one row of a Listing.
type ServiceInfo struct {
	ID   string
	Info Info
}

// Listing is the status of every known service in the order the ids were
// first started. It is encoded as a JSON object keyed by id, preserving
// that order.
type Listing []ServiceInfo

func (l Listing) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, row := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(row.ID)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(row.Info)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the info of id, if listed.
func (l Listing) Get(id string) (Info, bool) {
	for _, row := range l {
		if row.ID == id {
			return row.Info, true
		}
	}
	return Info{}, false
}

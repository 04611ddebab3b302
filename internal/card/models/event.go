package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Wire values of the "mode" key.
const (
	ModeInserted = "readsmartcard"
	ModeRemoved  = "removedsmartcard"
)

// EventKind tags an Event.
type EventKind int

const (
	CardInserted EventKind = iota + 1
	CardRemoved
)

func (k EventKind) Mode() string {
	switch k {
	case CardInserted:
		return ModeInserted
	case CardRemoved:
		return ModeRemoved
	default:
		return "unknown"
	}
}

// OutputField is one key/value pair of a transformed record.
type OutputField struct {
	Key   string
	Value string
}

// OutputRecord is a transformed record. Order is significant: it is the order
// the keys appear on the wire.
type OutputRecord []OutputField

// Get returns the value stored under key.
func (o OutputRecord) Get(key string) (string, bool) {
	for _, f := range o {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Event is what the monitor publishes. Record and Fields are set only for
// CardInserted; Fields already carries any encrypted values.
type Event struct {
	Kind       EventKind
	Reader     string
	SessionID  string
	OccurredAt time.Time
	Record     *ThaiIDRecord
	Fields     OutputRecord
}

func NewInserted(reader, sessionID string, record *ThaiIDRecord, fields OutputRecord) Event {
	return Event{
		Kind:       CardInserted,
		Reader:     reader,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
		Record:     record,
		Fields:     fields,
	}
}

func NewRemoved(reader, sessionID string) Event {
	return Event{
		Kind:       CardRemoved,
		Reader:     reader,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
	}
}

// Payload renders the subscriber wire form: a single JSON object whose first
// key is "mode", followed by the output fields in order.
func (e Event) Payload() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"mode":`)
	mode, _ := json.Marshal(e.Kind.Mode())
	buf.Write(mode)
	if e.Kind == CardInserted {
		for _, f := range e.Fields {
			k, err := json.Marshal(f.Key)
			if err != nil {
				return nil, fmt.Errorf("marshal key %q: %w", f.Key, err)
			}
			v, err := json.Marshal(f.Value)
			if err != nil {
				return nil, fmt.Errorf("marshal value of %q: %w", f.Key, err)
			}
			buf.WriteByte(',')
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

package kafka

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/route-beacon/nlrt/internal/journal"
	"github.com/twmb/franz-go/pkg/kgo"
)

// EventMessage is the JSON value of a route-event record.
type EventMessage struct {
	EventID     string    `json:"event_id"`
	Time        time.Time `json:"time"`
	Op          string    `json:"op"`
	Destination string    `json:"destination,omitempty"`
	Mask        int       `json:"mask"`
	Gateway     string    `json:"gateway,omitempty"`
	Interface   string    `json:"interface,omitempty"`
	Sequence    uint32    `json:"seq"`
	Origin      uint32    `json:"origin"`
	Raw         []byte    `json:"raw,omitempty"`
	// Routes is the table size carried by a sync event. The routes
	// themselves stay out of the record to keep it under the broker limit.
	Routes int `json:"routes,omitempty"`
}

// NewRecord encodes ev as a record for topic.
func NewRecord(topic string, ev journal.Event) (*kgo.Record, error) {
	value, err := json.Marshal(EventMessage{
		EventID:     hex.EncodeToString(ev.ID),
		Time:        ev.Time,
		Op:          string(ev.Op),
		Destination: ev.Entry.Destination,
		Mask:        ev.Entry.Mask,
		Gateway:     ev.Entry.Gateway,
		Interface:   ev.Entry.Interface,
		Sequence:    ev.Sequence,
		Origin:      ev.Origin,
		Raw:         ev.Raw,
		Routes:      len(ev.Routes),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	var key []byte
	if ev.Op != journal.OpClear && ev.Op != journal.OpSync {
		key = []byte(ev.Entry.Key().String())
	}
	return &kgo.Record{Topic: topic, Key: key, Value: value, Timestamp: ev.Time}, nil
}

// DecodeEvent parses a record value produced by NewRecord.
func DecodeEvent(value []byte) (EventMessage, error) {
	var m EventMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return EventMessage{}, fmt.Errorf("decoding event: %w", err)
	}
	return m, nil
}

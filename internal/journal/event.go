// Package journal records routing table changes and ships them to sinks
// (Postgres, Kafka) in batches, off the receive path.
package journal

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/route-beacon/nlrt/internal/rtable"
)

// Op is the kind of table change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpClear  Op = "clear"
	// OpSync carries the whole table. It follows any lost event so sinks
	// that mirror the table can rebuild it.
	OpSync Op = "sync"
)

// Event is one applied table change.
type Event struct {
	ID       []byte // 32-byte SHA256
	Time     time.Time
	Op       Op
	Entry    rtable.Entry // zero for OpClear and OpSync
	Sequence uint32
	Origin   uint32         // identity of the requester
	Raw      []byte         // request bytes, if any
	Routes   []rtable.Entry // table snapshot for OpSync
}

// NewEvent stamps a change with the current time and its event id.
func NewEvent(op Op, e rtable.Entry, seq, origin uint32, raw []byte) Event {
	ev := Event{
		Time:     time.Now().UTC(),
		Op:       op,
		Entry:    e,
		Sequence: seq,
		Origin:   origin,
		Raw:      raw,
	}
	ev.ID = ComputeEventID(ev)
	return ev
}

// ComputeEventID hashes the fields that make an event unique. The raw request
// alone is not enough: an HTTP clear has none, and a resent request may repeat it.
func ComputeEventID(ev Event) []byte {
	h := sha256.New()
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(ev.Time.UnixNano()))
	binary.BigEndian.PutUint32(b[8:12], ev.Sequence)
	binary.BigEndian.PutUint32(b[12:16], ev.Origin)
	h.Write(b[:])
	h.Write([]byte(ev.Op))
	h.Write([]byte(ev.Entry.Key().String()))
	h.Write(ev.Raw)
	binary.BigEndian.PutUint32(b[0:4], uint32(len(ev.Routes)))
	h.Write(b[0:4])
	return h.Sum(nil)
}

// Recorder accepts events without blocking.
type Recorder interface {
	Record(Event)
}

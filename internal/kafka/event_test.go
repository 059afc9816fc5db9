package kafka

import (
	"bytes"
	"testing"

	"github.com/route-beacon/nlrt/internal/journal"
	"github.com/route-beacon/nlrt/internal/rtable"
)

func TestNewRecord(t *testing.T) {
	ev := journal.NewEvent(journal.OpInsert,
		rtable.Entry{Destination: "10.0.0.0", Mask: 24, Gateway: "192.168.1.1", Interface: "eth0"},
		7, 1234, []byte{1, 2, 3, 4})

	rec, err := NewRecord("nlrt.route-events", ev)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if string(rec.Key) != "10.0.0.0/24" {
		t.Errorf("key %q", rec.Key)
	}
	if rec.Topic != "nlrt.route-events" || !rec.Timestamp.Equal(ev.Time) {
		t.Errorf("topic %q timestamp %v", rec.Topic, rec.Timestamp)
	}

	m, err := DecodeEvent(rec.Value)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if m.Op != "insert" || m.Destination != "10.0.0.0" || m.Mask != 24 || m.Gateway != "192.168.1.1" ||
		m.Interface != "eth0" || m.Sequence != 7 || m.Origin != 1234 {
		t.Errorf("decoded %+v", m)
	}
	if !bytes.Equal(m.Raw, []byte{1, 2, 3, 4}) {
		t.Errorf("raw %x", m.Raw)
	}
	if len(m.EventID) != 64 {
		t.Errorf("event id %q", m.EventID)
	}
}

func TestNewRecord_ClearHasNoKey(t *testing.T) {
	rec, err := NewRecord("t", journal.NewEvent(journal.OpClear, rtable.Entry{}, 0, 0, nil))
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if rec.Key != nil {
		t.Errorf("clear keyed as %q", rec.Key)
	}
}

func TestDecodeEvent_Invalid(t *testing.T) {
	if _, err := DecodeEvent([]byte("{not json")); err == nil {
		t.Error("expected error")
	}
}

func TestNewRecord_SyncCarriesCount(t *testing.T) {
	ev := journal.NewEvent(journal.OpSync, rtable.Entry{}, 0, 0, nil)
	ev.Routes = []rtable.Entry{{Destination: "10.0.0.0", Mask: 8}, {Destination: "10.1.0.0", Mask: 16}}
	rec, err := NewRecord("t", ev)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if rec.Key != nil {
		t.Errorf("sync keyed as %q", rec.Key)
	}
	m, err := DecodeEvent(rec.Value)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if m.Op != "sync" || m.Routes != 2 {
		t.Errorf("decoded %+v", m)
	}
}

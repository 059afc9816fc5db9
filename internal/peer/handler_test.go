package peer

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/route-beacon/nlrt/internal/journal"
	"github.com/route-beacon/nlrt/internal/nlmsg"
	"github.com/route-beacon/nlrt/internal/rtable"
	"github.com/route-beacon/nlrt/internal/session"
	"github.com/route-beacon/nlrt/internal/transport"
	"go.uber.org/zap"
)

const requester transport.Identity = 1234

type sent struct {
	to  transport.Identity
	msg *nlmsg.Message
}

type mockSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *mockSender) Send(_ context.Context, to transport.Identity, b []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	m, err := nlmsg.Parse(b)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sent{to: to, msg: m})
	s.mu.Unlock()
	return len(b), nil
}

func (s *mockSender) last(t *testing.T) *nlmsg.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("no reply sent")
	}
	r := s.sent[len(s.sent)-1]
	if r.to != requester {
		t.Errorf("reply addressed to %d, want %d", r.to, requester)
	}
	return r.msg
}

type mockRecorder struct {
	events []journal.Event
}

func (r *mockRecorder) Record(ev journal.Event) { r.events = append(r.events, ev) }

func fixedIfName(index uint32) string {
	return map[uint32]string{2: "eth0", 3: "eth1"}[index]
}

func newTestHandler() (*Handler, *rtable.Table, *mockSender, *mockRecorder) {
	tbl := rtable.New(0)
	snd := &mockSender{}
	rec := &mockRecorder{}
	return NewHandler(tbl, snd, rec, fixedIfName, zap.NewNop()), tbl, snd, rec
}

func inbound(t *testing.T, raw []byte) session.Inbound {
	t.Helper()
	m, err := nlmsg.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return session.Inbound{From: requester, Message: m, Raw: raw}
}

func routeReq(t *testing.T, seq uint32, flags nlmsg.Flags, gw string, ifindex uint32) session.Inbound {
	t.Helper()
	raw, err := nlmsg.NewRoute(seq, uint32(requester), flags, nlmsg.Route{
		Destination: netip.MustParseAddr("10.0.0.0"),
		Mask:        24,
		Gateway:     netip.MustParseAddr(gw),
		IfIndex:     ifindex,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return inbound(t, raw)
}

const createFlags = nlmsg.FlagRequest | nlmsg.FlagCreate | nlmsg.FlagExcl | nlmsg.FlagAck

func TestNewRoute_InsertAndAck(t *testing.T) {
	h, tbl, snd, rec := newTestHandler()
	h.Handle(context.Background(), routeReq(t, 3, createFlags, "192.168.1.1", 2))

	e, ok := tbl.Lookup(rtable.Key{Destination: "10.0.0.0", Mask: 24})
	if !ok || e.Gateway != "192.168.1.1" || e.Interface != "eth0" {
		t.Fatalf("table entry %+v, %v", e, ok)
	}

	reply := snd.last(t)
	if reply.Header.Kind != nlmsg.KindDone || reply.Header.Sequence != 3 || reply.Header.PID != 0 {
		t.Errorf("unexpected ack header: %+v", reply.Header)
	}
	if len(rec.events) != 1 || rec.events[0].Op != journal.OpInsert || rec.events[0].Origin != uint32(requester) {
		t.Errorf("journal events: %+v", rec.events)
	}
	if len(rec.events[0].Raw) == 0 {
		t.Error("raw request not journaled")
	}
}

func TestNewRoute_ExclusiveConflict(t *testing.T) {
	h, tbl, snd, _ := newTestHandler()
	h.Handle(context.Background(), routeReq(t, 1, createFlags, "192.168.1.1", 2))
	h.Handle(context.Background(), routeReq(t, 2, createFlags, "192.168.1.254", 3))

	reply := snd.last(t)
	if reply.Header.Kind != nlmsg.KindError || reply.Err.Code != nlmsg.CodeExists {
		t.Fatalf("expected -EEXIST, got %+v", reply)
	}
	if reply.Err.Original == nil || reply.Err.Original.Header.Sequence != 2 || reply.Err.Original.Header.Kind != nlmsg.KindNewRoute {
		t.Errorf("original header not echoed: %+v", reply.Err.Original)
	}
	if tbl.Len() != 1 {
		t.Errorf("conflicting request changed the table: %d entries", tbl.Len())
	}
}

func TestNewRoute_ReplaceWithoutExclusive(t *testing.T) {
	h, tbl, snd, rec := newTestHandler()
	h.Handle(context.Background(), routeReq(t, 1, createFlags, "192.168.1.1", 2))
	h.Handle(context.Background(), routeReq(t, 2, nlmsg.FlagRequest|nlmsg.FlagAck, "192.168.1.254", 3))

	if reply := snd.last(t); reply.Header.Kind != nlmsg.KindDone {
		t.Fatalf("expected ack, got %s", reply.Header.Kind)
	}
	e, _ := tbl.Lookup(rtable.Key{Destination: "10.0.0.0", Mask: 24})
	if e.Gateway != "192.168.1.254" || e.Interface != "eth1" || tbl.Len() != 1 {
		t.Errorf("entry not updated in place: %+v (len %d)", e, tbl.Len())
	}
	if len(rec.events) != 2 || rec.events[1].Op != journal.OpUpdate {
		t.Errorf("journal events: %+v", rec.events)
	}
}

func TestNewRoute_MissingWithoutCreate(t *testing.T) {
	h, tbl, snd, _ := newTestHandler()
	h.Handle(context.Background(), routeReq(t, 1, nlmsg.FlagRequest, "192.168.1.1", 2))

	reply := snd.last(t)
	if reply.Header.Kind != nlmsg.KindError || reply.Err.Code != nlmsg.CodeNoEntry {
		t.Fatalf("expected -ENOENT, got %+v", reply)
	}
	if tbl.Len() != 0 {
		t.Error("entry created without CREATE")
	}
}

func TestNewRoute_TableFull(t *testing.T) {
	tbl := rtable.New(1)
	tbl.Insert(rtable.Entry{Destination: "172.16.0.0", Mask: 12})
	snd := &mockSender{}
	h := NewHandler(tbl, snd, nil, fixedIfName, zap.NewNop())

	h.Handle(context.Background(), routeReq(t, 1, createFlags, "192.168.1.1", 2))
	if reply := snd.last(t); reply.Err == nil || reply.Err.Code != nlmsg.CodeNoMemory {
		t.Fatalf("expected -ENOMEM, got %+v", reply)
	}
}

func TestNewRoute_MissingDestination(t *testing.T) {
	h, _, snd, _ := newTestHandler()
	b := nlmsg.NewBuilder(nlmsg.KindNewRoute, createFlags, 1, uint32(requester))
	body, _ := nlmsg.RouteBody{Family: nlmsg.FamilyIPv4, DstLen: 24}.MarshalBinary()
	b.Body(body)
	raw, err := b.Bytes()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	h.Handle(context.Background(), inbound(t, raw))
	if reply := snd.last(t); reply.Err == nil || reply.Err.Code != nlmsg.CodeInvalid {
		t.Fatalf("expected -EINVAL, got %+v", reply)
	}
}

func TestDelRoute(t *testing.T) {
	h, tbl, snd, rec := newTestHandler()
	h.Handle(context.Background(), routeReq(t, 1, createFlags, "192.168.1.1", 2))

	raw, _ := nlmsg.DelRoute(2, uint32(requester), nlmsg.FlagRequest|nlmsg.FlagAck, nlmsg.Route{
		Destination: netip.MustParseAddr("10.0.0.0"), Mask: 24,
	})
	h.Handle(context.Background(), inbound(t, raw))
	if reply := snd.last(t); reply.Header.Kind != nlmsg.KindDone || reply.Header.Sequence != 2 {
		t.Fatalf("expected ack for delete, got %+v", reply.Header)
	}
	if tbl.Len() != 0 {
		t.Error("entry not deleted")
	}
	if rec.events[len(rec.events)-1].Op != journal.OpDelete {
		t.Error("delete not journaled")
	}

	h.Handle(context.Background(), inbound(t, raw))
	if reply := snd.last(t); reply.Err == nil || reply.Err.Code != nlmsg.CodeNoEntry {
		t.Fatalf("expected -ENOENT, got %+v", reply)
	}
}

func TestGreet_AckText(t *testing.T) {
	h, _, snd, _ := newTestHandler()
	raw, _ := nlmsg.Greeting(9, uint32(requester), nlmsg.FlagRequest|nlmsg.FlagAck, "Hello from user space")
	h.Handle(context.Background(), inbound(t, raw))

	reply := snd.last(t)
	if reply.Header.Kind != nlmsg.KindDone || reply.Header.Sequence != 9 {
		t.Fatalf("unexpected reply header %+v", reply.Header)
	}
	if reply.Text() != "Msg from Process 1234 has been processed" {
		t.Errorf("reply text %q", reply.Text())
	}
}

func TestGreet_AckWithoutRequestFlag(t *testing.T) {
	h, _, snd, _ := newTestHandler()
	raw, _ := nlmsg.Greeting(9, uint32(requester), nlmsg.FlagAck, "hi")
	h.Handle(context.Background(), inbound(t, raw))

	reply := snd.last(t)
	if reply.Header.Kind != nlmsg.KindDone || reply.Header.Sequence != 9 {
		t.Fatalf("unexpected reply header %+v", reply.Header)
	}
}

func TestNewRoute_AckWithoutRequestFlag(t *testing.T) {
	h, tbl, snd, _ := newTestHandler()
	h.Handle(context.Background(), routeReq(t, 5, nlmsg.FlagCreate|nlmsg.FlagAck, "192.168.1.1", 2))

	if reply := snd.last(t); reply.Header.Kind != nlmsg.KindDone || reply.Header.Sequence != 5 {
		t.Fatalf("expected ack, got %+v", reply.Header)
	}
	if tbl.Len() != 1 {
		t.Errorf("table has %d entries", tbl.Len())
	}
}

func TestReplyAddressedToTransportSender(t *testing.T) {
	h, _, snd, _ := newTestHandler()
	raw, _ := nlmsg.Greeting(1, 4321, nlmsg.FlagRequest|nlmsg.FlagAck, "hi")
	h.Handle(context.Background(), inbound(t, raw))

	snd.mu.Lock()
	defer snd.mu.Unlock()
	if len(snd.sent) != 1 || snd.sent[0].to != requester {
		t.Fatalf("replies %+v, want one to %d", snd.sent, requester)
	}
}

func TestClear_Journaled(t *testing.T) {
	h, tbl, _, rec := newTestHandler()
	h.Handle(context.Background(), routeReq(t, 1, createFlags, "192.168.1.1", 2))

	if n := h.Clear(); n != 1 {
		t.Errorf("Clear removed %d, want 1", n)
	}
	if tbl.Len() != 0 {
		t.Errorf("table has %d entries", tbl.Len())
	}
	if len(rec.events) != 2 || rec.events[1].Op != journal.OpClear {
		t.Errorf("journal events: %+v", rec.events)
	}
}

func TestNoAckRequested_NoReply(t *testing.T) {
	h, _, snd, _ := newTestHandler()
	raw, _ := nlmsg.Greeting(1, uint32(requester), nlmsg.FlagRequest, "quiet")
	h.Handle(context.Background(), inbound(t, raw))
	if len(snd.sent) != 0 {
		t.Errorf("reply sent without ACK flag: %d", len(snd.sent))
	}
}

func TestNonRequestIgnored(t *testing.T) {
	h, _, snd, _ := newTestHandler()
	raw, _ := nlmsg.Done(nlmsg.Header{Sequence: 4}, uint32(requester), "")
	h.Handle(context.Background(), inbound(t, raw))
	if len(snd.sent) != 0 {
		t.Error("replied to a reply")
	}
}

func TestSendFailureIsNotFatal(t *testing.T) {
	h, tbl, snd, _ := newTestHandler()
	snd.err = transport.ErrPeerUnreachable
	h.Handle(context.Background(), routeReq(t, 1, createFlags, "192.168.1.1", 2))
	if tbl.Len() != 1 {
		t.Error("mutation lost because the ack could not be sent")
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int32
	}{
		{nil, nlmsg.CodeOK},
		{rtable.ErrNotFound, nlmsg.CodeNoEntry},
		{rtable.ErrResourceExhausted, nlmsg.CodeNoMemory},
		{rtable.ErrInvalidEntry, nlmsg.CodeInvalid},
		{errors.New("other"), nlmsg.CodeInvalid},
	}
	for _, tt := range tests {
		if got := CodeFor(tt.err); got != tt.want {
			t.Errorf("CodeFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHandler_OverSession(t *testing.T) {
	hub := transport.NewHub(8)
	kernel := session.New(hub.Endpoint(), zap.NewNop())
	user := session.New(hub.Endpoint(), zap.NewNop())
	if err := kernel.Bind(transport.PrivilegedPeer); err != nil {
		t.Fatal(err)
	}
	if err := user.Bind(requester); err != nil {
		t.Fatal(err)
	}

	tbl := rtable.New(0)
	h := NewHandler(tbl, kernel, nil, fixedIfName, zap.NewNop())
	l, err := kernel.Listen(context.Background(), h.Handle)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	replies := make(chan *nlmsg.Message, 1)
	ul, err := user.Listen(context.Background(), func(_ context.Context, in session.Inbound) { replies <- in.Message })
	if err != nil {
		t.Fatal(err)
	}
	defer ul.Stop()

	raw, _ := nlmsg.NewRoute(42, uint32(requester), createFlags, nlmsg.Route{
		Destination: netip.MustParseAddr("10.0.0.0"),
		Mask:        24,
		Gateway:     netip.MustParseAddr("192.168.1.1"),
		IfIndex:     2,
	})
	if _, err := user.Send(context.Background(), transport.PrivilegedPeer, raw); err != nil {
		t.Fatal(err)
	}
	var reply *nlmsg.Message
	select {
	case reply = <-replies:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply over the session")
	}
	if reply.Header.Kind != nlmsg.KindDone || reply.Header.Sequence != 42 {
		t.Fatalf("unexpected reply %+v", reply.Header)
	}
	if tbl.Len() != 1 {
		t.Errorf("table has %d entries", tbl.Len())
	}
}

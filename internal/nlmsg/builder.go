package nlmsg

import (
	"fmt"

	"github.com/mdlayher/netlink/nlenc"
	"github.com/route-beacon/nlrt/internal/nlattr"
)

// Builder assembles one message in a fixed MaxMessageLen buffer. The header
// length field is rewritten after every append. The first failure is sticky:
// later calls return it and Bytes refuses to hand out the partial message.
type Builder struct {
	buf []byte
	n   int
	hdr Header
	err error
}

// NewBuilder starts a message with the given header fields.
func NewBuilder(kind Kind, flags Flags, seq, pid uint32) *Builder {
	b := &Builder{
		buf: make([]byte, MaxMessageLen),
		n:   HeaderLen,
		hdr: Header{Kind: kind, Flags: flags, Sequence: seq, PID: pid},
	}
	b.sync()
	return b
}

func (b *Builder) sync() {
	b.hdr.Length = uint32(b.n)
	b.hdr.put(b.buf[:HeaderLen])
}

// Len returns the current message length.
func (b *Builder) Len() int { return b.n }

// Body appends a fixed-size body, padded to the attribute alignment.
func (b *Builder) Body(body []byte) error {
	if b.err != nil {
		return b.err
	}
	slot := nlattr.Align(len(body))
	if b.n+slot > len(b.buf) {
		b.err = fmt.Errorf("%w: body of %d bytes at offset %d exceeds %d", nlattr.ErrCapacityExceeded, len(body), b.n, len(b.buf))
		return b.err
	}
	copy(b.buf[b.n:], body)
	clear(b.buf[b.n+len(body) : b.n+slot])
	b.n += slot
	b.sync()
	return nil
}

// Attr appends one TLV attribute.
func (b *Builder) Attr(typ uint16, value []byte) error {
	if b.err != nil {
		return b.err
	}
	n, err := nlattr.Append(b.buf, b.n, MaxMessageLen, typ, value)
	if err != nil {
		b.err = fmt.Errorf("%w: %w", ErrAttributeOverflow, err)
		return b.err
	}
	b.n = n
	b.sync()
	return nil
}

// Bytes returns a copy of the finished message.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, b.n)
	copy(out, b.buf[:b.n])
	return out, nil
}

// NewRoute builds an RTM_NEWROUTE request. flags is normally
// FlagRequest|FlagCreate|FlagExcl|FlagAck.
func NewRoute(seq, pid uint32, flags Flags, r Route) ([]byte, error) {
	return buildRoute(KindNewRoute, seq, pid, flags, r, true)
}

// DelRoute builds an RTM_DELROUTE request keyed by destination and mask.
func DelRoute(seq, pid uint32, flags Flags, r Route) ([]byte, error) {
	return buildRoute(KindDelRoute, seq, pid, flags, r, false)
}

func buildRoute(kind Kind, seq, pid uint32, flags Flags, r Route, withNextHop bool) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	body := RouteBody{
		Family:   FamilyIPv4,
		DstLen:   r.Mask,
		Table:    TableMain,
		Protocol: ProtoBoot,
		Scope:    ScopeUniverse,
		Type:     RouteUnicast,
	}
	raw, _ := body.MarshalBinary()

	b := NewBuilder(kind, flags, seq, pid)
	b.Body(raw)
	b.Attr(AttrDestination, nlattr.Addr(r.Destination))
	if withNextHop {
		if r.Gateway.IsValid() {
			b.Attr(AttrGateway, nlattr.Addr(r.Gateway))
		}
		if r.IfIndex != 0 {
			b.Attr(AttrOutputInterface, nlattr.Uint32(r.IfIndex))
		}
	}
	return b.Bytes()
}

// Greeting builds a GREET message carrying a NUL-terminated text payload.
func Greeting(seq, pid uint32, flags Flags, text string) ([]byte, error) {
	b := NewBuilder(KindGreet, flags, seq, pid)
	b.Body(append([]byte(text), 0))
	return b.Bytes()
}

// Done builds the acknowledgment for req: same sequence, sent as pid.
// A non-empty text becomes a NUL-terminated payload.
func Done(req Header, pid uint32, text string) ([]byte, error) {
	b := NewBuilder(KindDone, 0, req.Sequence, pid)
	if text != "" {
		b.Body(append([]byte(text), 0))
	}
	return b.Bytes()
}

// Error builds an ERROR reply for req carrying code followed by the
// original request header. Only the header is echoed back, so the nested
// header's length may exceed what follows it.
func Error(req Header, pid uint32, code int32) ([]byte, error) {
	payload := make([]byte, 4+HeaderLen)
	nlenc.PutInt32(payload[0:4], code)
	req.put(payload[4:])

	b := NewBuilder(KindError, 0, req.Sequence, pid)
	b.Body(payload)
	return b.Bytes()
}

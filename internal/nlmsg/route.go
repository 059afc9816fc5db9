package nlmsg

import (
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink/nlenc"
	"github.com/route-beacon/nlrt/internal/nlattr"
)

// RouteBodyLen is the wire size of RouteBody (struct rtmsg).
const RouteBodyLen = 12

// RouteBody is the typed body of NEWROUTE and DELROUTE messages.
type RouteBody struct {
	Family   uint8
	DstLen   uint8
	SrcLen   uint8
	Tos      uint8
	Table    uint8
	Protocol uint8
	Scope    uint8
	Type     uint8
	Flags    uint32
}

// MarshalBinary encodes the body into RouteBodyLen bytes.
func (r RouteBody) MarshalBinary() ([]byte, error) {
	b := make([]byte, RouteBodyLen)
	b[0] = r.Family
	b[1] = r.DstLen
	b[2] = r.SrcLen
	b[3] = r.Tos
	b[4] = r.Table
	b[5] = r.Protocol
	b[6] = r.Scope
	b[7] = r.Type
	nlenc.PutUint32(b[8:12], r.Flags)
	return b, nil
}

// UnmarshalBinary decodes a body from the first RouteBodyLen bytes of b.
func (r *RouteBody) UnmarshalBinary(b []byte) error {
	if len(b) < RouteBodyLen {
		return fmt.Errorf("%w: route body needs %d bytes, have %d", ErrTruncatedMessage, RouteBodyLen, len(b))
	}
	r.Family = b[0]
	r.DstLen = b[1]
	r.SrcLen = b[2]
	r.Tos = b[3]
	r.Table = b[4]
	r.Protocol = b[5]
	r.Scope = b[6]
	r.Type = b[7]
	r.Flags = nlenc.Uint32(b[8:12])
	return nil
}

// Route is the semantic content of a route request.
type Route struct {
	Destination netip.Addr
	Mask        uint8
	// Gateway is omitted from the message when invalid.
	Gateway netip.Addr
	// IfIndex is omitted from the message when zero.
	IfIndex uint32
}

// Prefix returns the destination as a prefix.
func (r Route) Prefix() netip.Prefix {
	return netip.PrefixFrom(r.Destination, int(r.Mask))
}

func (r Route) validate() error {
	if !r.Destination.Is4() {
		return fmt.Errorf("nlmsg: destination %v is not an IPv4 address", r.Destination)
	}
	if r.Mask > 32 {
		return fmt.Errorf("nlmsg: mask %d out of range 0-32", r.Mask)
	}
	if r.Gateway.IsValid() && !r.Gateway.Is4() {
		return fmt.Errorf("nlmsg: gateway %v is not an IPv4 address", r.Gateway)
	}
	return nil
}

// Route extracts the route carried by a NEWROUTE or DELROUTE message.
func (m *Message) Route() (Route, error) {
	if m.RouteBody == nil {
		return Route{}, fmt.Errorf("nlmsg: %s carries no route body", m.Header.Kind)
	}

	var r Route
	r.Mask = m.RouteBody.DstLen

	dst, ok := nlattr.Find(m.Attributes, AttrDestination)
	if !ok {
		return Route{}, fmt.Errorf("nlmsg: %s without %s", m.Header.Kind, AttrName(AttrDestination))
	}
	var err error
	if r.Destination, err = dst.Addr(); err != nil {
		return Route{}, err
	}
	if gw, ok := nlattr.Find(m.Attributes, AttrGateway); ok {
		if r.Gateway, err = gw.Addr(); err != nil {
			return Route{}, err
		}
	}
	if oif, ok := nlattr.Find(m.Attributes, AttrOutputInterface); ok {
		if r.IfIndex, err = oif.Uint32(); err != nil {
			return Route{}, err
		}
	}
	return r, nil
}

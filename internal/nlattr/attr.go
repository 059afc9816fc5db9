package nlattr

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"net/netip"

	"github.com/mdlayher/netlink/nlenc"
)

// AlignTo is the alignment unit for attribute headers and values.
const AlignTo = 4

// HeaderLen is the size of the attribute header: type(2) + length(2).
const HeaderLen = 4

var (
	ErrCapacityExceeded   = errors.New("nlattr: capacity exceeded")
	ErrMalformedAttribute = errors.New("nlattr: malformed attribute")
)

// Attribute is one decoded TLV. Value aliases the buffer it was decoded from.
type Attribute struct {
	Type  uint16
	Value []byte
}

// Align rounds n up to the next multiple of AlignTo.
func Align(n int) int {
	return (n + AlignTo - 1) &^ (AlignTo - 1)
}

// Slot returns the number of bytes an attribute with a value of valueLen
// bytes occupies on the wire, padding included.
func Slot(valueLen int) int {
	return Align(HeaderLen) + Align(valueLen)
}

// Append writes one attribute at buf[cur:] and returns the new used length.
//
// The write is rejected with ErrCapacityExceeded when the aligned slot would
// end past maxLen (or past the end of buf); buf is untouched in that case.
// Padding bytes are zeroed. The caller owns propagating the returned length
// into the enclosing message header.
func Append(buf []byte, cur, maxLen int, typ uint16, value []byte) (int, error) {
	if cur < 0 || cur > len(buf) {
		return cur, fmt.Errorf("nlattr: write offset %d outside buffer of %d bytes", cur, len(buf))
	}
	if len(value) > math.MaxUint16 {
		return cur, fmt.Errorf("%w: attribute %d value of %d bytes exceeds length field", ErrCapacityExceeded, typ, len(value))
	}

	limit := min(maxLen, len(buf))
	slot := Slot(len(value))
	if cur+slot > limit {
		return cur, fmt.Errorf("%w: attribute %d needs %d bytes at offset %d, limit %d", ErrCapacityExceeded, typ, slot, cur, limit)
	}

	nlenc.PutUint16(buf[cur:cur+2], typ)
	nlenc.PutUint16(buf[cur+2:cur+4], uint16(len(value)))
	clear(buf[cur+4 : cur+Align(HeaderLen)])

	off := cur + Align(HeaderLen)
	copy(buf[off:], value)
	clear(buf[off+len(value) : cur+slot])

	return cur + slot, nil
}

// Iterate walks the attributes stored in buf[start:total]. Each call of the
// returned sequence starts over from start, so it can be ranged repeatedly.
//
// A header that does not fit, or a declared length that would read past
// total, yields a single ErrMalformedAttribute and ends the sequence.
func Iterate(buf []byte, start, total int) iter.Seq2[Attribute, error] {
	total = min(total, len(buf))
	return func(yield func(Attribute, error) bool) {
		off := start
		for off < total {
			remaining := total - off
			if remaining < HeaderLen {
				yield(Attribute{}, fmt.Errorf("%w: %d trailing bytes at offset %d", ErrMalformedAttribute, remaining, off))
				return
			}

			typ := nlenc.Uint16(buf[off : off+2])
			length := int(nlenc.Uint16(buf[off+2 : off+4]))
			if HeaderLen+length > remaining {
				yield(Attribute{}, fmt.Errorf("%w: attribute %d declares %d bytes at offset %d, %d remain",
					ErrMalformedAttribute, typ, length, off, remaining-HeaderLen))
				return
			}

			valueOff := off + Align(HeaderLen)
			if !yield(Attribute{Type: typ, Value: buf[valueOff : valueOff+length]}, nil) {
				return
			}

			// The last attribute may arrive without its padding.
			off += min(Slot(length), remaining)
		}
	}
}

// Decode collects every attribute in b.
func Decode(b []byte) ([]Attribute, error) {
	var attrs []Attribute
	for a, err := range Iterate(b, 0, len(b)) {
		if err != nil {
			return attrs, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// Find returns the first attribute of the given type.
func Find(attrs []Attribute, typ uint16) (Attribute, bool) {
	for _, a := range attrs {
		if a.Type == typ {
			return a, true
		}
	}
	return Attribute{}, false
}

// Uint32 encodes v in host byte order.
func Uint32(v uint32) []byte {
	b := make([]byte, 4)
	nlenc.PutUint32(b, v)
	return b
}

// Addr encodes an address in network byte order (4 bytes for IPv4, 16 for IPv6).
func Addr(a netip.Addr) []byte {
	return a.AsSlice()
}

// Uint32 decodes a 4-byte host-order value.
func (a Attribute) Uint32() (uint32, error) {
	if len(a.Value) != 4 {
		return 0, fmt.Errorf("%w: attribute %d has %d bytes, want 4", ErrMalformedAttribute, a.Type, len(a.Value))
	}
	return nlenc.Uint32(a.Value), nil
}

// Addr decodes a 4- or 16-byte address value.
func (a Attribute) Addr() (netip.Addr, error) {
	addr, ok := netip.AddrFromSlice(a.Value)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: attribute %d has %d bytes, want 4 or 16", ErrMalformedAttribute, a.Type, len(a.Value))
	}
	return addr, nil
}

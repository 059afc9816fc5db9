package nlmsg

import (
	"errors"

	"github.com/mdlayher/netlink/nlenc"
)

// HeaderLen is the fixed size of the message header.
const HeaderLen = 16

// MaxMessageLen is the ceiling every encoder respects; it bounds the whole
// message, header included.
const MaxMessageLen = 1024

var (
	ErrAttributeOverflow  = errors.New("nlmsg: attribute overflow")
	ErrTruncatedMessage   = errors.New("nlmsg: truncated message")
	ErrUnknownMessageType = errors.New("nlmsg: unknown message type")
)

// Header is the fixed 16-byte message header. All fields travel in host byte order.
type Header struct {
	Length   uint32
	Kind     Kind
	Flags    Flags
	Sequence uint32
	PID      uint32
}

func (h Header) put(b []byte) {
	nlenc.PutUint32(b[0:4], h.Length)
	nlenc.PutUint16(b[4:6], uint16(h.Kind))
	nlenc.PutUint16(b[6:8], uint16(h.Flags))
	nlenc.PutUint32(b[8:12], h.Sequence)
	nlenc.PutUint32(b[12:16], h.PID)
}

// MarshalBinary encodes the header alone.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderLen)
	h.put(b)
	return b, nil
}

// decodeHeader reads a header from b, which must hold at least HeaderLen bytes.
func decodeHeader(b []byte) Header {
	return Header{
		Length:   nlenc.Uint32(b[0:4]),
		Kind:     Kind(nlenc.Uint16(b[4:6])),
		Flags:    Flags(nlenc.Uint16(b[6:8])),
		Sequence: nlenc.Uint32(b[8:12]),
		PID:      nlenc.Uint32(b[12:16]),
	}
}

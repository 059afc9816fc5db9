package nlmsg

import (
	"bytes"
	"fmt"

	"github.com/mdlayher/netlink/nlenc"
	"github.com/route-beacon/nlrt/internal/nlattr"
)

// maxNestingDepth bounds how deep ERROR messages are unwrapped.
const maxNestingDepth = 1

// Message is a parsed message. Exactly one of RouteBody, Err or Payload is
// meaningful, selected by Header.Kind. Byte slices alias the input buffer.
type Message struct {
	Header     Header
	RouteBody  *RouteBody
	Attributes []nlattr.Attribute
	Err        *ErrorBody
	// Payload holds the raw body of GREET, DONE, NOOP, OVERRUN and unknown kinds.
	Payload []byte
}

// ErrorBody is the body of an ERROR message.
type ErrorBody struct {
	Code int32
	// Original is the message that caused the error, when one was echoed.
	// Its Header is always set; the rest only when the full message was included.
	Original *Message
	// OriginalErr records why the echoed message could not be parsed.
	OriginalErr error
}

// Text returns the payload up to the first NUL.
func (m *Message) Text() string {
	p := m.Payload
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}

// Parse decodes one message from b.
//
// On ErrUnknownMessageType and on a declared length past the end of b the
// returned message still carries the header for diagnostics.
func Parse(b []byte) (*Message, error) {
	return parse(b, 0)
}

func parse(b []byte, depth int) (*Message, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncatedMessage, len(b), HeaderLen)
	}
	m := &Message{Header: decodeHeader(b)}
	if m.Header.Length < HeaderLen {
		return m, fmt.Errorf("%w: declared length %d smaller than header", ErrTruncatedMessage, m.Header.Length)
	}
	if int(m.Header.Length) > len(b) {
		return m, fmt.Errorf("%w: declared length %d, received %d", ErrTruncatedMessage, m.Header.Length, len(b))
	}
	b = b[:m.Header.Length]
	body := b[HeaderLen:]

	switch m.Header.Kind {
	case KindNoop, KindDone, KindOverrun, KindGreet:
		m.Payload = body
	case KindError:
		if err := m.parseError(body, depth); err != nil {
			return m, err
		}
	case KindNewRoute, KindDelRoute:
		var rb RouteBody
		if err := rb.UnmarshalBinary(body); err != nil {
			return m, err
		}
		m.RouteBody = &rb
		start := HeaderLen + nlattr.Align(RouteBodyLen)
		for a, err := range nlattr.Iterate(b, start, len(b)) {
			if err != nil {
				return m, err
			}
			m.Attributes = append(m.Attributes, a)
		}
	default:
		m.Payload = body
		return m, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint16(m.Header.Kind))
	}
	return m, nil
}

func (m *Message) parseError(body []byte, depth int) error {
	if len(body) < 4 {
		return fmt.Errorf("%w: error body of %d bytes", ErrTruncatedMessage, len(body))
	}
	m.Err = &ErrorBody{Code: nlenc.Int32(body[0:4])}

	rest := body[4:]
	if depth >= maxNestingDepth || len(rest) < HeaderLen {
		return nil
	}

	h := decodeHeader(rest)
	if int(h.Length) > len(rest) {
		// Only the header was echoed back.
		m.Err.Original = &Message{Header: h}
		return nil
	}
	orig, err := parse(rest, depth+1)
	if orig == nil {
		orig = &Message{Header: h}
	}
	m.Err.Original = orig
	m.Err.OriginalErr = err
	return nil
}

package nlmsg

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/route-beacon/nlrt/internal/nlattr"
	"go.uber.org/zap/zapcore"
)

// Dump writes a human-readable description of m to w. The original message
// embedded in an ERROR is described indented beneath it.
func Dump(w io.Writer, m *Message) {
	dump(w, m, "")
}

func dump(w io.Writer, m *Message, indent string) {
	h := m.Header
	fmt.Fprintf(w, "%sType     = %s\n", indent, h.Kind)
	fmt.Fprintf(w, "%sLength   = %d\n", indent, h.Length)
	fmt.Fprintf(w, "%sFlags    = %s\n", indent, h.Flags)
	fmt.Fprintf(w, "%sSequence = %d\n", indent, h.Sequence)
	fmt.Fprintf(w, "%sPID      = %d\n", indent, h.PID)

	switch {
	case m.Err != nil:
		fmt.Fprintf(w, "%sCode     = %d (%s)\n", indent, m.Err.Code, CodeName(m.Err.Code))
		if m.Err.Original != nil {
			fmt.Fprintf(w, "%sOriginal:\n", indent)
			dump(w, m.Err.Original, indent+"    ")
		}
		if m.Err.OriginalErr != nil {
			fmt.Fprintf(w, "%sOriginal error: %v\n", indent, m.Err.OriginalErr)
		}
	case m.RouteBody != nil:
		rb := m.RouteBody
		fmt.Fprintf(w, "%sRoute    = family=%d dst_len=%d table=%d proto=%d scope=%d type=%d\n",
			indent, rb.Family, rb.DstLen, rb.Table, rb.Protocol, rb.Scope, rb.Type)
		for _, a := range m.Attributes {
			fmt.Fprintf(w, "%s  %-11s = %s\n", indent, AttrName(a.Type), attrValue(a))
		}
	case len(m.Payload) > 0:
		fmt.Fprintf(w, "%sPayload  = %q\n", indent, m.Text())
	}
}

func attrValue(a nlattr.Attribute) string {
	switch a.Type {
	case AttrDestination, AttrGateway:
		if addr, err := a.Addr(); err == nil {
			return addr.String()
		}
	case AttrOutputInterface:
		if v, err := a.Uint32(); err == nil {
			return strconv.FormatUint(uint64(v), 10)
		}
	}
	return hex.EncodeToString(a.Value)
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (h Header) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", h.Kind.String())
	enc.AddUint32("length", h.Length)
	enc.AddString("flags", h.Flags.String())
	enc.AddUint32("seq", h.Sequence)
	enc.AddUint32("pid", h.PID)
	return nil
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (m *Message) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if err := enc.AddObject("header", m.Header); err != nil {
		return err
	}
	if m.RouteBody != nil {
		enc.AddUint8("dst_len", m.RouteBody.DstLen)
		enc.AddInt("attrs", len(m.Attributes))
	}
	if m.Err != nil {
		enc.AddInt32("code", m.Err.Code)
		if m.Err.Original != nil {
			if err := enc.AddObject("original", m.Err.Original.Header); err != nil {
				return err
			}
		}
	}
	return nil
}

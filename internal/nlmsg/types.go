package nlmsg

import (
	"fmt"
	"strings"

	"github.com/mdlayher/netlink"
)

// Kind is the message type carried in the header.
type Kind uint16

// Control kinds share their values with netlink; user-defined kinds start above 16.
const (
	KindNoop    = Kind(netlink.Noop)
	KindError   = Kind(netlink.Error)
	KindDone    = Kind(netlink.Done)
	KindOverrun = Kind(netlink.Overrun)

	KindGreet    Kind = 20
	KindNewRoute Kind = 24 // RTM_NEWROUTE
	KindDelRoute Kind = 25 // RTM_DELROUTE
)

func (k Kind) String() string {
	switch k {
	case KindNoop:
		return "NLMSG_NOOP"
	case KindError:
		return "NLMSG_ERROR"
	case KindDone:
		return "NLMSG_DONE"
	case KindOverrun:
		return "NLMSG_OVERRUN"
	case KindGreet:
		return "NLMSG_GREET"
	case KindNewRoute:
		return "RTM_NEWROUTE"
	case KindDelRoute:
		return "RTM_DELROUTE"
	default:
		return fmt.Sprintf("NLMSG_UNKNOWN(%d)", uint16(k))
	}
}

// Known reports whether the parser has a body schema for k.
func (k Kind) Known() bool {
	switch k {
	case KindNoop, KindError, KindDone, KindOverrun, KindGreet, KindNewRoute, KindDelRoute:
		return true
	}
	return false
}

// Flags is the header flag bitset.
type Flags uint16

const (
	FlagRequest = Flags(netlink.Request)
	FlagAck     = Flags(netlink.Acknowledge)
	FlagExcl    = Flags(netlink.Excl)
	FlagCreate  = Flags(netlink.Create)
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagRequest, "REQUEST"},
	{FlagAck, "ACK"},
	{FlagExcl, "EXCL"},
	{FlagCreate, "CREATE"},
}

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}

// Route attribute types (RTA_*).
const (
	AttrDestination     uint16 = 1
	AttrOutputInterface uint16 = 4
	AttrGateway         uint16 = 5
)

// AttrName returns the RTA_* name of a route attribute type.
func AttrName(typ uint16) string {
	switch typ {
	case AttrDestination:
		return "RTA_DST"
	case AttrOutputInterface:
		return "RTA_OIF"
	case AttrGateway:
		return "RTA_GATEWAY"
	default:
		return fmt.Sprintf("RTA_UNKNOWN(%d)", typ)
	}
}

// Address families.
const (
	FamilyIPv4 uint8 = 2
	FamilyIPv6 uint8 = 10
)

// Routing table ids.
const (
	TableUnspec  uint8 = 0
	TableDefault uint8 = 253
	TableMain    uint8 = 254
	TableLocal   uint8 = 255
)

// Route origin protocols.
const (
	ProtoUnspec uint8 = 0
	ProtoKernel uint8 = 2
	ProtoBoot   uint8 = 3
	ProtoStatic uint8 = 4
)

// Route scopes.
const (
	ScopeUniverse uint8 = 0
	ScopeSite     uint8 = 200
	ScopeLink     uint8 = 253
	ScopeHost     uint8 = 254
	ScopeNowhere  uint8 = 255
)

// Route types.
const (
	RouteUnspec    uint8 = 0
	RouteUnicast   uint8 = 1
	RouteLocal     uint8 = 2
	RouteBlackhole uint8 = 6
)

// Error codes carried by ERROR replies (negated errno values).
const (
	CodeOK           int32 = 0
	CodeNoEntry      int32 = -2
	CodeNoMemory     int32 = -12
	CodeExists       int32 = -17
	CodeInvalid      int32 = -22
	CodeNotSupported int32 = -95
)

// CodeName returns a short name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeOK:
		return "OK"
	case CodeNoEntry:
		return "ENOENT"
	case CodeNoMemory:
		return "ENOMEM"
	case CodeExists:
		return "EEXIST"
	case CodeInvalid:
		return "EINVAL"
	case CodeNotSupported:
		return "EOPNOTSUPP"
	default:
		return fmt.Sprintf("errno(%d)", -code)
	}
}

// Package transport moves whole datagrams between small-integer identities.
//
// Identity 0 is reserved for the privileged peer, the side that owns the
// routing table. Every Endpoint must be bound exactly once before it can
// send or receive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Identity addresses an endpoint.
type Identity uint32

// PrivilegedPeer is the identity of the routing-table owner.
const PrivilegedPeer Identity = 0

func (id Identity) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

var (
	ErrNotBound        = errors.New("transport: endpoint not bound")
	ErrAlreadyBound    = errors.New("transport: endpoint already bound")
	ErrAddressInUse    = errors.New("transport: address in use")
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	ErrChannelClosed   = errors.New("transport: channel closed")
)

// Datagram is one received message and the identity that sent it.
type Datagram struct {
	From Identity
	Data []byte
}

// Endpoint is a connectionless, message-oriented channel.
type Endpoint interface {
	// Bind registers the endpoint under id.
	Bind(id Identity) error
	// Send transmits b to the endpoint bound as to.
	Send(ctx context.Context, to Identity, b []byte) (int, error)
	// Receive blocks until a datagram arrives, ctx ends, or the endpoint is closed.
	// A closed endpoint yields ErrChannelClosed.
	Receive(ctx context.Context) (Datagram, error)
	// Local returns the bound identity.
	Local() (Identity, error)
	Close() error
}

// maxDatagram bounds a single receive.
const maxDatagram = 64 * 1024

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindUnixgram Kind = "unixgram"
	KindNetlink  Kind = "netlink"
)

// Options select and parameterize an Endpoint.
type Options struct {
	Kind      Kind
	SocketDir string
	Family    int
}

// New returns an unbound endpoint of the configured kind.
func New(opts Options) (Endpoint, error) {
	switch opts.Kind {
	case KindUnixgram:
		return NewUnixgram(opts.SocketDir), nil
	case KindNetlink:
		return NewNetlink(opts.Family), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", opts.Kind)
	}
}

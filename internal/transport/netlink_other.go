//go:build !linux

package transport

import (
	"context"
	"errors"
)

var errNetlinkUnsupported = errors.New("transport: netlink endpoints require linux")

// Netlink is unavailable off Linux; every operation fails.
type Netlink struct{}

func NewNetlink(family int) *Netlink { return &Netlink{} }

func (*Netlink) Bind(Identity) error      { return errNetlinkUnsupported }
func (*Netlink) Local() (Identity, error) { return 0, ErrNotBound }
func (*Netlink) Close() error             { return nil }
func (*Netlink) Send(context.Context, Identity, []byte) (int, error) {
	return 0, ErrNotBound
}
func (*Netlink) Receive(context.Context) (Datagram, error) {
	return Datagram{}, ErrNotBound
}

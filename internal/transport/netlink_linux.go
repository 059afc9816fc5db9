//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Netlink is an Endpoint on a kernel netlink socket of a custom protocol
// family, talking to a kernel-module peer (identity 0) or to other user-space
// sockets of the same family.
//
// Datagrams are written and read raw through the socket's file descriptor so
// that sequence numbers and ERROR bodies pass through untouched.
type Netlink struct {
	family int

	mu     sync.Mutex
	conn   *netlink.Conn
	id     Identity
	closed bool
}

// NewNetlink returns an unbound endpoint for the given protocol family.
func NewNetlink(family int) *Netlink {
	return &Netlink{family: family}
}

func (n *Netlink) Bind(id Identity) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrChannelClosed
	}
	if n.conn != nil {
		return fmt.Errorf("%w: as %s", ErrAlreadyBound, n.id)
	}
	conn, err := netlink.Dial(n.family, &netlink.Config{PID: uint32(id)})
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return fmt.Errorf("%w: netlink pid %s", ErrAddressInUse, id)
		}
		if errors.Is(err, unix.EPROTONOSUPPORT) {
			return fmt.Errorf("%w: netlink family %d not registered", ErrPeerUnreachable, n.family)
		}
		return fmt.Errorf("transport: netlink dial family %d: %w", n.family, err)
	}
	n.conn, n.id = conn, id
	return nil
}

func (n *Netlink) bound() (*netlink.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrChannelClosed
	}
	if n.conn == nil {
		return nil, ErrNotBound
	}
	return n.conn, nil
}

func (n *Netlink) Local() (Identity, error) {
	if _, err := n.bound(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id, nil
}

func (n *Netlink) Send(ctx context.Context, to Identity, b []byte) (int, error) {
	conn, err := n.bound()
	if err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, classify(err)
	}

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: uint32(to)}
	var sendErr error
	err = rc.Write(func(fd uintptr) bool {
		sendErr = unix.Sendto(int(fd), b, 0, sa)
		return sendErr != unix.EAGAIN
	})
	if err == nil {
		err = sendErr
	}
	if err != nil {
		if errors.Is(err, unix.ECONNREFUSED) {
			return 0, fmt.Errorf("%w: netlink pid %s", ErrPeerUnreachable, to)
		}
		return 0, classify(err)
	}
	return len(b), nil
}

func (n *Netlink) Receive(ctx context.Context) (Datagram, error) {
	conn, err := n.bound()
	if err != nil {
		return Datagram{}, err
	}
	rc, err := conn.SyscallConn()
	if err != nil {
		return Datagram{}, classify(err)
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			conn.SetReadDeadline(time.Time{})
		}
	}()

	buf := make([]byte, maxDatagram)
	var (
		nr   int
		from unix.Sockaddr
		rerr error
	)
	err = rc.Read(func(fd uintptr) bool {
		nr, from, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return rerr != unix.EAGAIN
	})
	if err == nil {
		err = rerr
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Datagram{}, ctxErr
		}
		if errors.Is(err, unix.ENOBUFS) {
			return Datagram{}, fmt.Errorf("transport: netlink receive overrun: %w", err)
		}
		return Datagram{}, classify(err)
	}

	var src Identity
	if sa, ok := from.(*unix.SockaddrNetlink); ok {
		src = Identity(sa.Pid)
	}
	return Datagram{From: src, Data: append([]byte(nil), buf[:nr]...)}, nil
}

func (n *Netlink) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

func classify(err error) error {
	if errors.Is(err, unix.EBADF) || errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	return fmt.Errorf("transport: netlink: %w", err)
}

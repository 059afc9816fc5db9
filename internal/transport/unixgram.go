package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const socketPrefix = "nlrt-"

// Unixgram is an Endpoint backed by one unix datagram socket per identity,
// all living in the same directory.
type Unixgram struct {
	dir string

	mu     sync.Mutex
	id     Identity
	conn   *net.UnixConn
	path   string
	closed bool
}

// NewUnixgram returns an unbound endpoint rooted at dir.
func NewUnixgram(dir string) *Unixgram {
	return &Unixgram{dir: dir}
}

// SocketPath returns the socket file used for id under dir.
func SocketPath(dir string, id Identity) string {
	return filepath.Join(dir, socketPrefix+id.String()+".sock")
}

func identityFromPath(p string) (Identity, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), socketPrefix), ".sock")
	v, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, false
	}
	return Identity(v), true
}

func (u *Unixgram) Bind(id Identity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrChannelClosed
	}
	if u.conn != nil {
		return fmt.Errorf("%w: as %s", ErrAlreadyBound, u.id)
	}
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return fmt.Errorf("transport: creating socket dir: %w", err)
	}

	path := SocketPath(u.dir, id)
	if err := reclaimStale(path); err != nil {
		return err
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		if errors.Is(err, os.ErrExist) || isAddrInUse(err) {
			return fmt.Errorf("%w: %s", ErrAddressInUse, path)
		}
		return fmt.Errorf("transport: binding %s: %w", path, err)
	}
	u.id, u.conn, u.path = id, conn, path
	return nil
}

// reclaimStale removes a socket file left behind by a dead process. A socket
// that still accepts datagrams belongs to a live endpoint.
func reclaimStale(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	c, err := net.Dial("unixgram", path)
	if err == nil {
		c.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("transport: removing stale socket %s: %w", path, err)
	}
	return nil
}

func (u *Unixgram) Local() (Identity, error) {
	if _, err := u.bound(); err != nil {
		return 0, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.id, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func (u *Unixgram) bound() (*net.UnixConn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, ErrChannelClosed
	}
	if u.conn == nil {
		return nil, ErrNotBound
	}
	return u.conn, nil
}

func (u *Unixgram) Send(ctx context.Context, to Identity, b []byte) (int, error) {
	conn, err := u.bound()
	if err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	addr := &net.UnixAddr{Name: SocketPath(u.dir, to), Net: "unixgram"}
	n, err := conn.WriteToUnix(b, addr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return n, ErrChannelClosed
		}
		return n, fmt.Errorf("%w: %s: %w", ErrPeerUnreachable, to, err)
	}
	return n, nil
}

func (u *Unixgram) Receive(ctx context.Context) (Datagram, error) {
	conn, err := u.bound()
	if err != nil {
		return Datagram{}, err
	}

	// Unblock the read when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			conn.SetReadDeadline(time.Time{})
		}
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUnix(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Datagram{}, ctxErr
			}
			if errors.Is(err, net.ErrClosed) {
				return Datagram{}, ErrChannelClosed
			}
			return Datagram{}, fmt.Errorf("transport: receive: %w", err)
		}
		if from == nil {
			continue
		}
		src, ok := identityFromPath(from.Name)
		if !ok {
			// Unbound or foreign sender; a reply could not be addressed.
			continue
		}
		return Datagram{From: src, Data: append([]byte(nil), buf[:n]...)}, nil
	}
}

func (u *Unixgram) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	os.Remove(u.path)
	return err
}

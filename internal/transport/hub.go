package transport

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process datagram fabric. Each bound endpoint owns a mailbox of
// fixed depth; sending to a full mailbox fails rather than blocks.
type Hub struct {
	depth int

	mu    sync.Mutex
	boxes map[Identity]*HubEndpoint
}

// NewHub returns a hub whose mailboxes hold depth datagrams.
func NewHub(depth int) *Hub {
	if depth <= 0 {
		depth = 64
	}
	return &Hub{depth: depth, boxes: make(map[Identity]*HubEndpoint)}
}

// Endpoint returns a new unbound endpoint attached to the hub.
func (h *Hub) Endpoint() *HubEndpoint {
	return &HubEndpoint{hub: h, closed: make(chan struct{})}
}

func (h *Hub) register(id Identity, ep *HubEndpoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.boxes[id]; taken {
		return fmt.Errorf("%w: identity %s", ErrAddressInUse, id)
	}
	h.boxes[id] = ep
	return nil
}

func (h *Hub) unregister(id Identity, ep *HubEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.boxes[id] == ep {
		delete(h.boxes, id)
	}
}

func (h *Hub) lookup(id Identity) *HubEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boxes[id]
}

// HubEndpoint is an Endpoint on a Hub.
type HubEndpoint struct {
	hub *Hub

	mu    sync.Mutex
	id    Identity
	box   chan Datagram
	bound bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (e *HubEndpoint) Bind(id Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bound {
		return fmt.Errorf("%w: as %s", ErrAlreadyBound, e.id)
	}
	select {
	case <-e.closed:
		return ErrChannelClosed
	default:
	}
	if err := e.hub.register(id, e); err != nil {
		return err
	}
	e.id = id
	e.box = make(chan Datagram, e.hub.depth)
	e.bound = true
	return nil
}

func (e *HubEndpoint) Local() (Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.bound {
		return 0, ErrNotBound
	}
	return e.id, nil
}

func (e *HubEndpoint) Send(ctx context.Context, to Identity, b []byte) (int, error) {
	from, err := e.Local()
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	select {
	case <-e.closed:
		return 0, ErrChannelClosed
	default:
	}

	dst := e.hub.lookup(to)
	if dst == nil {
		return 0, fmt.Errorf("%w: no endpoint bound as %s", ErrPeerUnreachable, to)
	}
	d := Datagram{From: from, Data: append([]byte(nil), b...)}
	select {
	case dst.box <- d:
		return len(b), nil
	case <-dst.closed:
		return 0, fmt.Errorf("%w: %s closed", ErrPeerUnreachable, to)
	default:
		return 0, fmt.Errorf("%w: mailbox of %s full", ErrPeerUnreachable, to)
	}
}

func (e *HubEndpoint) Receive(ctx context.Context) (Datagram, error) {
	e.mu.Lock()
	bound, box := e.bound, e.box
	e.mu.Unlock()
	if !bound {
		return Datagram{}, ErrNotBound
	}
	select {
	case d := <-box:
		return d, nil
	case <-e.closed:
		return Datagram{}, ErrChannelClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (e *HubEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		if e.bound {
			e.hub.unregister(e.id, e)
		}
		e.mu.Unlock()
	})
	return nil
}

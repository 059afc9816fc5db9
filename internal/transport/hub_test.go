package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHub_SendReceive(t *testing.T) {
	hub := NewHub(4)
	kernel, user := hub.Endpoint(), hub.Endpoint()
	if err := kernel.Bind(PrivilegedPeer); err != nil {
		t.Fatalf("bind kernel: %v", err)
	}
	if err := user.Bind(1234); err != nil {
		t.Fatalf("bind user: %v", err)
	}

	msg := []byte{1, 2, 3}
	n, err := user.Send(context.Background(), PrivilegedPeer, msg)
	if err != nil || n != 3 {
		t.Fatalf("send: %d, %v", n, err)
	}
	msg[0] = 9 // the hub must have copied

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := kernel.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if d.From != 1234 || d.Data[0] != 1 {
		t.Errorf("unexpected datagram: %+v", d)
	}
}

func TestHub_BindRules(t *testing.T) {
	hub := NewHub(1)
	a, b := hub.Endpoint(), hub.Endpoint()

	if _, err := a.Send(context.Background(), 0, nil); !errors.Is(err, ErrNotBound) {
		t.Errorf("send before bind: %v", err)
	}
	if _, err := a.Receive(context.Background()); !errors.Is(err, ErrNotBound) {
		t.Errorf("receive before bind: %v", err)
	}
	if err := a.Bind(7); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := a.Bind(8); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second bind: %v", err)
	}
	if err := b.Bind(7); !errors.Is(err, ErrAddressInUse) {
		t.Errorf("duplicate identity: %v", err)
	}

	a.Close()
	if err := b.Bind(7); err != nil {
		t.Errorf("identity not released on close: %v", err)
	}
}

func TestHub_PeerUnreachable(t *testing.T) {
	hub := NewHub(1)
	a, b := hub.Endpoint(), hub.Endpoint()
	a.Bind(1)
	b.Bind(2)

	if _, err := a.Send(context.Background(), 99, []byte{1}); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("unknown peer: %v", err)
	}
	if _, err := a.Send(context.Background(), 2, []byte{1}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := a.Send(context.Background(), 2, []byte{2}); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("full mailbox: %v", err)
	}
}

func TestHub_ReceiveUnblocksOnCloseAndCancel(t *testing.T) {
	hub := NewHub(1)
	ep := hub.Endpoint()
	ep.Bind(5)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := ep.Receive(ctx)
		errc <- err
	}()
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not return on cancel")
	}

	go func() {
		_, err := ep.Receive(context.Background())
		errc <- err
	}()
	ep.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrChannelClosed) {
			t.Errorf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not return on close")
	}
}

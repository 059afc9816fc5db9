package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/route-beacon/nlrt/internal/nlmsg"
	"github.com/route-beacon/nlrt/internal/seq"
	"github.com/route-beacon/nlrt/internal/session"
	"github.com/route-beacon/nlrt/internal/transport"
	"go.uber.org/zap"
)

var errInputClosed = errors.New("input closed")

// console is the interactive requester. The menu runs on the caller's
// goroutine; replies arrive on the session's receive loop.
type console struct {
	in      *bufio.Scanner
	sess    *session.Session
	peer    transport.Identity
	pid     uint32
	tracker *seq.Tracker
	ifIndex func(name string) (uint32, error)
	logger  *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// prompt prints label and returns the next trimmed input line.
func (c *console) prompt(label string) (string, error) {
	c.printf("%s", label)
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			return "", err
		}
		return "", errInputClosed
	}
	return strings.TrimSpace(c.in.Text()), nil
}

// run shows the menu until the user exits or input ends.
func (c *console) run(ctx context.Context) error {
	for {
		c.printf("Main-Menu\n")
		c.printf("\t1. Greet Peer\n")
		c.printf("\t2. Route Add\n")
		c.printf("\t3. Route Replace\n")
		c.printf("\t4. Route Delete\n")
		c.printf("\t5. Exit\n")
		choice, err := c.prompt("choice ? ")
		if errors.Is(err, errInputClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		switch choice {
		case "1":
			err = c.greet(ctx)
		case "2":
			err = c.addRoute(ctx, nlmsg.FlagCreate|nlmsg.FlagExcl)
		case "3":
			err = c.addRoute(ctx, nlmsg.FlagCreate)
		case "4":
			err = c.delRoute(ctx)
		case "5", "q", "exit":
			return nil
		case "":
			continue
		default:
			c.printf("unknown choice %q\n", choice)
			continue
		}
		if errors.Is(err, errInputClosed) {
			return nil
		}
		if err != nil {
			c.printf("Error : %v\n", err)
		}
	}
}

func (c *console) greet(ctx context.Context) error {
	text, err := c.prompt("\t\tEnter greeting : ")
	if err != nil {
		return err
	}
	return c.send(ctx, "greet", func(s uint32) ([]byte, error) {
		return nlmsg.Greeting(s, c.pid, nlmsg.FlagRequest|nlmsg.FlagAck, text)
	})
}

func (c *console) addRoute(ctx context.Context, flags nlmsg.Flags) error {
	r, err := c.readRoute(true)
	if err != nil {
		return err
	}
	label := "route add " + r.Prefix().String()
	if !flags.Has(nlmsg.FlagExcl) {
		label = "route replace " + r.Prefix().String()
	}
	return c.send(ctx, label, func(s uint32) ([]byte, error) {
		return nlmsg.NewRoute(s, c.pid, nlmsg.FlagRequest|nlmsg.FlagAck|flags, r)
	})
}

func (c *console) delRoute(ctx context.Context) error {
	r, err := c.readRoute(false)
	if err != nil {
		return err
	}
	return c.send(ctx, "route delete "+r.Prefix().String(), func(s uint32) ([]byte, error) {
		return nlmsg.DelRoute(s, c.pid, nlmsg.FlagRequest|nlmsg.FlagAck, r)
	})
}

// readRoute prompts for destination and mask, and with nextHop also for
// gateway and interface. Empty gateway or interface leaves them unset.
func (c *console) readRoute(nextHop bool) (nlmsg.Route, error) {
	var r nlmsg.Route

	s, err := c.prompt("\t\tEnter Destination Address : ")
	if err != nil {
		return r, err
	}
	if r.Destination, err = parseIPv4(s); err != nil {
		return r, fmt.Errorf("destination: %w", err)
	}

	s, err = c.prompt("\t\tEnter mask [0-32]: ")
	if err != nil {
		return r, err
	}
	mask, err := strconv.Atoi(s)
	if err != nil || mask < 0 || mask > 32 {
		return r, fmt.Errorf("mask %q is not in 0-32", s)
	}
	r.Mask = uint8(mask)

	if !nextHop {
		return r, nil
	}

	s, err = c.prompt("\t\tEnter GateWay Address : ")
	if err != nil {
		return r, err
	}
	if s != "" {
		if r.Gateway, err = parseIPv4(s); err != nil {
			return r, fmt.Errorf("gateway: %w", err)
		}
	}

	s, err = c.prompt("\t\tEnter Interface Name : ")
	if err != nil {
		return r, err
	}
	if s != "" {
		if r.IfIndex, err = c.ifIndex(s); err != nil {
			return r, fmt.Errorf("interface %q: %w", s, err)
		}
	}
	return r, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !a.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return a, nil
}

// send builds a request under a fresh sequence number and transmits it.
// The request stays tracked until its reply arrives or it expires.
func (c *console) send(ctx context.Context, label string, build func(seq uint32) ([]byte, error)) error {
	s := c.tracker.Next(label)
	b, err := build(s)
	if err != nil {
		c.tracker.Forget(s)
		return fmt.Errorf("building %s: %w", label, err)
	}
	if m, err := nlmsg.Parse(b); err == nil {
		c.mu.Lock()
		nlmsg.Dump(c.out, m)
		c.mu.Unlock()
	}
	n, err := c.sess.Send(ctx, c.peer, b)
	if err != nil {
		c.tracker.Forget(s)
		return err
	}
	c.printf("Sent %s, seq = %d, bytes sent = %d\n", label, s, n)
	return nil
}

// onReply is the receive-loop handler.
func (c *console) onReply(_ context.Context, in session.Inbound) {
	hdr := in.Message.Header

	// A request leaves the tracker only once its reply is on screen.
	c.mu.Lock()
	defer c.mu.Unlock()
	p, matched := c.tracker.Resolve(hdr.Sequence)
	fmt.Fprintf(c.out, "\nReceived msg from peer %s, bytes recvd = %d\n", in.From, len(in.Raw))
	if matched {
		fmt.Fprintf(c.out, "Reply to %s (seq %d) after %s\n", p.Label, p.Sequence, time.Since(p.Sent).Round(time.Microsecond))
	} else {
		fmt.Fprintf(c.out, "Unsolicited message (seq %d)\n", hdr.Sequence)
	}
	nlmsg.Dump(c.out, in.Message)
	if e := in.Message.Err; e != nil && e.Code != nlmsg.CodeOK {
		fmt.Fprintf(c.out, "Request failed: %s\n", nlmsg.CodeName(e.Code))
	}
}

// expireLoop reports requests that never got a reply.
func (c *console) expireLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range c.tracker.Expire() {
				c.logger.Warn("request timed out", zap.String("request", p.Label), zap.Uint32("seq", p.Sequence))
				c.printf("\nNo reply to %s (seq %d): %v\n", p.Label, p.Sequence, seq.ErrTimeout)
			}
		}
	}
}

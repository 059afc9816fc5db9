// Package peer is the privileged side of the protocol: it applies route
// requests to the table and answers the requester.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/route-beacon/nlrt/internal/journal"
	"github.com/route-beacon/nlrt/internal/metrics"
	"github.com/route-beacon/nlrt/internal/nlmsg"
	"github.com/route-beacon/nlrt/internal/rtable"
	"github.com/route-beacon/nlrt/internal/session"
	"github.com/route-beacon/nlrt/internal/transport"
	"go.uber.org/zap"
)

// Sender delivers replies.
type Sender interface {
	Send(ctx context.Context, to transport.Identity, b []byte) (int, error)
}

// IfNamer maps an interface index from a request to the name stored in the table.
type IfNamer func(index uint32) string

// SystemIfName resolves index against the host's interfaces, falling back
// to "if<index>" for indexes the host does not know.
func SystemIfName(index uint32) string {
	if ifi, err := net.InterfaceByIndex(int(index)); err == nil {
		return ifi.Name
	}
	return fmt.Sprintf("if%d", index)
}

// Handler serializes table changes with their journal records, so sinks see
// changes in the order the table applied them.
type Handler struct {
	mu      sync.Mutex
	table   *rtable.Table
	sender  Sender
	journal journal.Recorder
	ifName  IfNamer
	logger  *zap.Logger
}

func NewHandler(table *rtable.Table, sender Sender, rec journal.Recorder, ifName IfNamer, logger *zap.Logger) *Handler {
	if rec == nil {
		rec = journal.Discard{}
	}
	if ifName == nil {
		ifName = SystemIfName
	}
	return &Handler{table: table, sender: sender, journal: rec, ifName: ifName, logger: logger}
}

// Handle processes one inbound message. It matches session.Handler.
//
// Replies go to in.From, the sender identity the transport reported, not to
// the pid in the header. Whether a success reply is sent depends only on
// FlagAck; failures are always reported.
func (h *Handler) Handle(ctx context.Context, in session.Inbound) {
	m := in.Message
	hdr := m.Header

	switch hdr.Kind {
	case nlmsg.KindGreet, nlmsg.KindNewRoute, nlmsg.KindDelRoute:
	case nlmsg.KindNoop, nlmsg.KindDone, nlmsg.KindError, nlmsg.KindOverrun:
		h.logger.Debug("ignoring reply message", zap.Stringer("from", in.From), zap.Object("header", hdr))
		return
	default:
		if !hdr.Flags.Has(nlmsg.FlagRequest) {
			h.logger.Debug("ignoring non-request message", zap.Stringer("from", in.From), zap.Object("header", hdr))
			return
		}
	}

	var (
		code int32
		text string
	)
	switch hdr.Kind {
	case nlmsg.KindGreet:
		h.logger.Info("greeting received",
			zap.Stringer("from", in.From),
			zap.Uint32("seq", hdr.Sequence),
			zap.String("text", m.Text()),
		)
		text = fmt.Sprintf("Msg from Process %d has been processed", hdr.PID)
	case nlmsg.KindNewRoute:
		code = h.newRoute(in)
	case nlmsg.KindDelRoute:
		code = h.delRoute(in)
	default:
		h.logger.Warn("unsupported request", zap.Stringer("from", in.From), zap.Object("header", hdr))
		code = nlmsg.CodeNotSupported
	}

	// Failures are always reported; success only on request.
	switch {
	case code != nlmsg.CodeOK:
		h.reply(ctx, in.From, nlmsg.KindError, func() ([]byte, error) {
			return nlmsg.Error(hdr, uint32(transport.PrivilegedPeer), code)
		})
	case hdr.Flags.Has(nlmsg.FlagAck):
		h.reply(ctx, in.From, nlmsg.KindDone, func() ([]byte, error) {
			return nlmsg.Done(hdr, uint32(transport.PrivilegedPeer), text)
		})
	}
}

func (h *Handler) newRoute(in session.Inbound) int32 {
	hdr := in.Message.Header
	e, err := h.entry(in.Message)
	if err != nil {
		h.logger.Warn("rejecting route request", zap.Stringer("from", in.From), zap.Error(err))
		metrics.RouteOpsTotal.WithLabelValues("new", "invalid").Inc()
		return nlmsg.CodeInvalid
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, exists := h.table.Lookup(e.Key())
	switch {
	case exists && hdr.Flags.Has(nlmsg.FlagExcl):
		metrics.RouteOpsTotal.WithLabelValues("insert", "exists").Inc()
		return nlmsg.CodeExists

	case exists:
		updated, err := h.table.Update(e.Key(), e.Gateway, e.Interface)
		if err != nil {
			return h.fail("update", e, err)
		}
		h.applied(journal.OpUpdate, updated, in)
		return nlmsg.CodeOK

	case !hdr.Flags.Has(nlmsg.FlagCreate):
		metrics.RouteOpsTotal.WithLabelValues("update", "not_found").Inc()
		return nlmsg.CodeNoEntry
	}

	if err := h.table.Insert(e); err != nil {
		return h.fail("insert", e, err)
	}
	h.applied(journal.OpInsert, e, in)
	return nlmsg.CodeOK
}

func (h *Handler) delRoute(in session.Inbound) int32 {
	r, err := in.Message.Route()
	if err != nil {
		h.logger.Warn("rejecting delete request", zap.Stringer("from", in.From), zap.Error(err))
		metrics.RouteOpsTotal.WithLabelValues("delete", "invalid").Inc()
		return nlmsg.CodeInvalid
	}
	key := rtable.Key{Destination: r.Destination.String(), Mask: int(r.Mask)}

	h.mu.Lock()
	defer h.mu.Unlock()
	removed, err := h.table.Delete(key)
	if err != nil {
		return h.fail("delete", rtable.Entry{Destination: key.Destination, Mask: key.Mask}, err)
	}
	h.applied(journal.OpDelete, removed, in)
	return nlmsg.CodeOK
}

// Clear empties the table and journals the change. It returns the number of
// entries removed.
func (h *Handler) Clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.table.Clear()
	metrics.Routes.Set(0)
	metrics.RouteOpsTotal.WithLabelValues(string(journal.OpClear), "ok").Inc()
	h.journal.Record(journal.NewEvent(journal.OpClear, rtable.Entry{}, 0, 0, nil))
	return n
}

func (h *Handler) entry(m *nlmsg.Message) (rtable.Entry, error) {
	r, err := m.Route()
	if err != nil {
		return rtable.Entry{}, err
	}
	e := rtable.Entry{Destination: r.Destination.String(), Mask: int(r.Mask)}
	if r.Gateway.IsValid() {
		e.Gateway = r.Gateway.String()
	}
	if r.IfIndex != 0 {
		e.Interface = h.ifName(r.IfIndex)
	}
	return e, e.Validate()
}

func (h *Handler) applied(op journal.Op, e rtable.Entry, in session.Inbound) {
	metrics.RouteOpsTotal.WithLabelValues(string(op), "ok").Inc()
	metrics.Routes.Set(float64(h.table.Len()))
	h.logger.Info("route "+string(op),
		zap.String("key", e.Key().String()),
		zap.String("gateway", e.Gateway),
		zap.String("interface", e.Interface),
		zap.Stringer("from", in.From),
		zap.Uint32("seq", in.Message.Header.Sequence),
	)
	h.journal.Record(journal.NewEvent(op, e, in.Message.Header.Sequence, uint32(in.From), in.Raw))
}

func (h *Handler) fail(op string, e rtable.Entry, err error) int32 {
	code := CodeFor(err)
	metrics.RouteOpsTotal.WithLabelValues(op, nlmsg.CodeName(code)).Inc()
	h.logger.Warn("route "+op+" failed", zap.String("key", e.Key().String()), zap.Error(err))
	return code
}

// CodeFor maps a table error onto the errno-style code sent back to the requester.
func CodeFor(err error) int32 {
	switch {
	case err == nil:
		return nlmsg.CodeOK
	case errors.Is(err, rtable.ErrNotFound):
		return nlmsg.CodeNoEntry
	case errors.Is(err, rtable.ErrResourceExhausted):
		return nlmsg.CodeNoMemory
	default:
		return nlmsg.CodeInvalid
	}
}

func (h *Handler) reply(ctx context.Context, to transport.Identity, kind nlmsg.Kind, build func() ([]byte, error)) {
	b, err := build()
	if err != nil {
		metrics.RepliesSentTotal.WithLabelValues(kind.String(), "build_error").Inc()
		h.logger.Error("building reply", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	if _, err := h.sender.Send(ctx, to, b); err != nil {
		// Not retried; the requester's pending entry will expire.
		metrics.RepliesSentTotal.WithLabelValues(kind.String(), "send_error").Inc()
		h.logger.Warn("sending reply", zap.Stringer("to", to), zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	metrics.RepliesSentTotal.WithLabelValues(kind.String(), "ok").Inc()
}

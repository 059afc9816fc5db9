// Package session binds a transport endpoint and runs its receive loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/route-beacon/nlrt/internal/metrics"
	"github.com/route-beacon/nlrt/internal/nlattr"
	"github.com/route-beacon/nlrt/internal/nlmsg"
	"github.com/route-beacon/nlrt/internal/transport"
	"go.uber.org/zap"
)

// retryDelay paces the loop after a transient receive error.
const retryDelay = 100 * time.Millisecond

// Inbound is one parsed message together with its origin and raw bytes.
type Inbound struct {
	From    transport.Identity
	Message *nlmsg.Message
	Raw     []byte
}

// Handler processes inbound messages. Calls are sequential.
type Handler func(ctx context.Context, in Inbound)

// Session owns one endpoint.
type Session struct {
	ep     transport.Endpoint
	logger *zap.Logger

	mu       sync.Mutex
	listener *Listener
}

func New(ep transport.Endpoint, logger *zap.Logger) *Session {
	return &Session{ep: ep, logger: logger}
}

// Bind registers the local identity. It must be called exactly once.
func (s *Session) Bind(id transport.Identity) error {
	if err := s.ep.Bind(id); err != nil {
		return err
	}
	s.logger.Info("endpoint bound", zap.Stringer("identity", id))
	return nil
}

// Local returns the bound identity.
func (s *Session) Local() (transport.Identity, error) {
	return s.ep.Local()
}

// Send transmits one fully built message.
func (s *Session) Send(ctx context.Context, to transport.Identity, msg []byte) (int, error) {
	n, err := s.ep.Send(ctx, to, msg)
	if err != nil {
		return n, fmt.Errorf("send to %s: %w", to, err)
	}
	return n, nil
}

// Close closes the endpoint, which also ends a running receive loop.
func (s *Session) Close() error {
	return s.ep.Close()
}

// Listen starts the receive loop. Malformed messages are logged and skipped;
// the loop ends when ctx is done, Stop is called, or the channel closes.
func (s *Session) Listen(ctx context.Context, h Handler) (*Listener, error) {
	if _, err := s.ep.Local(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil && !s.listener.stopped() {
		return nil, errors.New("session: receive loop already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{cancel: cancel, done: make(chan struct{})}
	s.listener = l

	metrics.ListenerUp.Set(1)
	go func() {
		defer close(l.done)
		defer metrics.ListenerUp.Set(0)
		l.err = s.loop(ctx, h)
		if l.err != nil {
			s.logger.Error("receive loop terminated", zap.Error(l.err))
		} else {
			s.logger.Info("receive loop stopped")
		}
	}()
	return l, nil
}

func (s *Session) loop(ctx context.Context, h Handler) error {
	for {
		d, err := s.ep.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrChannelClosed) || errors.Is(err, transport.ErrNotBound) {
				return fmt.Errorf("%w: %w", transport.ErrChannelClosed, err)
			}
			s.logger.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		m, err := nlmsg.Parse(d.Data)
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("message", parseReason(err)).Inc()
			fields := []zap.Field{
				zap.Stringer("from", d.From),
				zap.Int("bytes", len(d.Data)),
				zap.Error(err),
			}
			if m != nil {
				fields = append(fields, zap.Object("header", m.Header))
			}
			s.logger.Warn("discarding malformed message", fields...)
			continue
		}

		metrics.MessagesReceivedTotal.WithLabelValues(m.Header.Kind.String()).Inc()
		metrics.LastMsgTimestamp.SetToCurrentTime()
		s.logger.Debug("message received", zap.Stringer("from", d.From), zap.Object("msg", m))

		h(ctx, Inbound{From: d.From, Message: m, Raw: d.Data})
	}
}

func parseReason(err error) string {
	switch {
	case errors.Is(err, nlmsg.ErrTruncatedMessage):
		return "truncated"
	case errors.Is(err, nlmsg.ErrUnknownMessageType):
		return "unknown_type"
	case errors.Is(err, nlattr.ErrMalformedAttribute):
		return "malformed_attribute"
	default:
		return "other"
	}
}

// Listener supervises a running receive loop.
type Listener struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Stop signals the loop to end and waits for it. It returns the loop's
// terminal error, which is nil for a requested stop.
func (l *Listener) Stop() error {
	l.cancel()
	<-l.done
	return l.err
}

// Done is closed when the loop has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the terminal error after Done is closed. It wraps
// transport.ErrChannelClosed when the channel failed underneath the loop.
func (l *Listener) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Running reports whether the loop is still active.
func (l *Listener) Running() bool {
	return !l.stopped()
}

func (l *Listener) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

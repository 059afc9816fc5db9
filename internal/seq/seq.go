// Package seq issues request sequence numbers and correlates replies with
// the requests that caused them.
package seq

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrTimeout = errors.New("seq: request timed out")

var counter atomic.Uint32

// Next returns the process-wide next sequence number. The first call returns 0.
// The counter wraps after 2^32 requests.
func Next() uint32 {
	return counter.Add(1) - 1
}

// Pending is an in-flight request awaiting a reply.
type Pending struct {
	Sequence uint32
	Label    string
	Sent     time.Time
}

// Tracker records in-flight requests keyed by sequence number.
type Tracker struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	pending map[uint32]Pending
}

// NewTracker returns a tracker that considers a request lost after timeout.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{
		timeout: timeout,
		now:     time.Now,
		pending: make(map[uint32]Pending),
	}
}

// Next issues a sequence number and tracks it under label.
func (t *Tracker) Next(label string) uint32 {
	s := Next()
	t.Track(s, label)
	return s
}

// Track records that a request with sequence s was sent.
func (t *Tracker) Track(s uint32, label string) {
	t.mu.Lock()
	t.pending[s] = Pending{Sequence: s, Label: label, Sent: t.now()}
	t.mu.Unlock()
}

// Resolve removes and returns the request matching a reply's sequence.
func (t *Tracker) Resolve(s uint32) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[s]
	if ok {
		delete(t.pending, s)
	}
	return p, ok
}

// Forget drops a tracked request without resolving it, e.g. when its send failed.
func (t *Tracker) Forget(s uint32) {
	t.mu.Lock()
	delete(t.pending, s)
	t.mu.Unlock()
}

// Expire removes and returns every request older than the timeout.
func (t *Tracker) Expire() []Pending {
	cutoff := t.now().Add(-t.timeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []Pending
	for s, p := range t.pending {
		if p.Sent.Before(cutoff) {
			expired = append(expired, p)
			delete(t.pending, s)
		}
	}
	return expired
}

// Len returns the number of in-flight requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

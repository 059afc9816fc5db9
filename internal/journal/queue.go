package journal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/route-beacon/nlrt/internal/metrics"
	"github.com/route-beacon/nlrt/internal/rtable"
	"go.uber.org/zap"
)

// closeSyncTimeout bounds how long Close waits to enqueue a pending resync.
const closeSyncTimeout = 5 * time.Second

// Queue decouples the receive loop from the sinks. Record never blocks:
// when the buffer is full the event is dropped and counted, and the queue
// turns stale. While stale, Record replaces the next event with an OpSync
// snapshot of the table.
//
// Record must be called after the change it describes is applied, and in
// the same order as the changes, so a snapshot taken there covers every
// event already queued.
type Queue struct {
	ch       chan Event
	snapshot func() []rtable.Entry
	logger   *zap.Logger

	stale atomic.Bool

	mu     sync.RWMutex
	closed bool
}

// NewQueue returns a queue buffering size events. snapshot returns the
// current table; nil disables resync.
func NewQueue(size int, snapshot func() []rtable.Entry, logger *zap.Logger) *Queue {
	return &Queue{ch: make(chan Event, size), snapshot: snapshot, logger: logger}
}

func (q *Queue) Record(ev Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	if q.stale.Load() && q.snapshot != nil {
		ev = q.syncEvent()
	}
	select {
	case q.ch <- ev:
		if ev.Op == OpSync {
			q.stale.Store(false)
			q.logger.Info("journal resync queued", zap.Int("routes", len(ev.Routes)))
		}
	default:
		metrics.JournalDroppedTotal.Inc()
		q.stale.Store(true)
		q.logger.Warn("journal queue full, dropping event",
			zap.String("op", string(ev.Op)),
			zap.String("key", ev.Entry.Key().String()),
		)
	}
}

// MarkStale makes the next Record carry a full snapshot. Pipelines call it
// when a sink loses events.
func (q *Queue) MarkStale() {
	q.stale.Store(true)
}

// Stale reports whether a resync is pending.
func (q *Queue) Stale() bool {
	return q.stale.Load()
}

func (q *Queue) syncEvent() Event {
	ev := NewEvent(OpSync, rtable.Entry{}, 0, 0, nil)
	ev.Routes = q.snapshot()
	ev.ID = ComputeEventID(ev)
	return ev
}

// Events is the channel a Pipeline consumes.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Close stops accepting events; the pipeline drains what is buffered. A
// pending resync is enqueued first, waiting for buffer room.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.stale.Load() && q.snapshot != nil {
		select {
		case q.ch <- q.syncEvent():
			q.stale.Store(false)
		case <-time.After(closeSyncTimeout):
			q.logger.Error("journal resync not queued before close; stored routes may be out of date")
		}
	}
	close(q.ch)
}

// Discard is a Recorder that drops everything.
type Discard struct{}

func (Discard) Record(Event) {}

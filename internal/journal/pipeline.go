package journal

import (
	"context"
	"time"

	"github.com/route-beacon/nlrt/internal/metrics"
	"go.uber.org/zap"
)

// Sink persists or forwards a batch of events. A failed Write is retried
// with the same events plus any that arrived since.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

type Pipeline struct {
	sinks         []Sink
	batchSize     int
	flushInterval time.Duration
	onLoss        func()
	logger        *zap.Logger
}

func NewPipeline(sinks []Sink, batchSize, flushIntervalMs int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		sinks:         sinks,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// OnLoss registers f to be called when a sink's backlog is dropped.
// Typically Queue.MarkStale, so an OpSync follows.
func (p *Pipeline) OnLoss(f func()) {
	p.onLoss = f
}

// Run batches events until the channel closes or ctx is cancelled, then
// makes one last flush attempt.
func (p *Pipeline) Run(ctx context.Context, events <-chan Event) {
	// Each sink keeps its own backlog so one failing sink does not make
	// the others write the same events twice.
	pending := make([][]Event, len(p.sinks))
	// A sink that lost its backlog takes nothing until the next OpSync.
	lost := make([]bool, len(p.sinks))
	buffered := 0

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	flushAll := func(ctx context.Context) {
		for i, s := range p.sinks {
			if len(pending[i]) == 0 {
				continue
			}
			if p.flush(ctx, s, pending[i]) {
				pending[i] = nil
			}
		}
		buffered = 0
	}

	for {
		select {
		case <-ctx.Done():
			// The run context is gone; give the final flush a fresh deadline.
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flushAll(fctx)
			cancel()
			return

		case ev, ok := <-events:
			if !ok {
				flushAll(ctx)
				return
			}
			for i := range pending {
				if ev.Op == OpSync {
					lost[i] = false
				}
				if !lost[i] {
					pending[i] = append(pending[i], ev)
				}
			}
			buffered++

			if buffered >= p.batchSize {
				flushAll(ctx)
			}

			// Cap memory: if a sink keeps failing, drop its backlog once it
			// grows beyond 10x the configured batch size.
			for i, s := range p.sinks {
				if len(pending[i]) >= p.batchSize*10 {
					p.logger.Error("dropping oversized batch after repeated flush failures",
						zap.String("sink", s.Name()),
						zap.Int("dropped_events", len(pending[i])),
					)
					pending[i] = nil
					lost[i] = true
					if p.onLoss != nil {
						p.onLoss()
					}
				}
			}

		case <-ticker.C:
			flushAll(ctx)
		}
	}
}

func (p *Pipeline) flush(ctx context.Context, s Sink, batch []Event) bool {
	if err := s.Write(ctx, batch); err != nil {
		p.logger.Error("journal batch flush failed", zap.String("sink", s.Name()), zap.Error(err))
		return false
	}
	metrics.BatchSize.WithLabelValues(s.Name()).Observe(float64(len(batch)))
	p.logger.Debug("journal batch flushed",
		zap.String("sink", s.Name()),
		zap.Int("batch_size", len(batch)),
	)
	return true
}

package journal

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/nlrt/internal/metrics"
	"github.com/route-beacon/nlrt/internal/rtable"
	"go.uber.org/zap"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
	zstdMagic      = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DecodeRaw returns the request bytes stored in route_events.raw,
// decompressing them if they were stored as a zstd frame.
func DecodeRaw(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, zstdMagic) {
		return stored, nil
	}
	raw, err := zstdDecoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing raw bytes: %w", err)
	}
	return raw, nil
}

// TxBeginner is the subset of pgxpool.Pool used by Writer.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Writer is the Postgres sink. Each batch runs in one transaction that
// appends to route_events and replays the change onto the routes mirror.
type Writer struct {
	pool          TxBeginner
	logger        *zap.Logger
	storeRawBytes bool
	compressRaw   bool
}

func NewWriter(pool TxBeginner, logger *zap.Logger, storeRawBytes, compressRaw bool) *Writer {
	return &Writer{
		pool:          pool,
		logger:        logger,
		storeRawBytes: storeRawBytes,
		compressRaw:   compressRaw,
	}
}

func (w *Writer) Name() string { return "postgres" }

func (w *Writer) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted, mirrored int64
	for _, ev := range events {
		tag, err := tx.Exec(ctx, `
			INSERT INTO route_events (event_id, event_time, op, destination, mask, gateway,
				interface, seq, origin, raw)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (event_id, event_time) DO NOTHING`,
			ev.ID, ev.Time, string(ev.Op), nilIfEmpty(ev.Entry.Destination), ev.Entry.Mask,
			nilIfEmpty(ev.Entry.Gateway), nilIfEmpty(ev.Entry.Interface),
			int64(ev.Sequence), int64(ev.Origin), w.rawBytes(ev.Raw),
		)
		if err != nil {
			return fmt.Errorf("insert route_event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already journaled by an earlier, partially acknowledged attempt.
			continue
		}
		inserted++

		n, err := mirror(ctx, tx, ev)
		if err != nil {
			return fmt.Errorf("mirror %s %s: %w", ev.Op, ev.Entry.Key(), err)
		}
		mirrored += n
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("journal").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("route_events", "insert").Add(float64(inserted))
	metrics.DBRowsAffectedTotal.WithLabelValues("routes", "mirror").Add(float64(mirrored))
	return nil
}

func (w *Writer) rawBytes(raw []byte) []byte {
	if !w.storeRawBytes || raw == nil {
		return nil
	}
	if w.compressRaw {
		return zstdEncoder.EncodeAll(raw, nil)
	}
	return raw
}

// mirror applies one change to the routes table. Keyed changes act on the
// oldest row with the key, matching the in-memory first-match rule.
func mirror(ctx context.Context, tx pgx.Tx, ev Event) (int64, error) {
	e := ev.Entry
	var (
		sql  string
		args []any
	)
	switch ev.Op {
	case OpInsert:
		sql = `INSERT INTO routes (destination, mask, gateway, interface) VALUES ($1, $2, $3, $4)`
		args = []any{e.Destination, e.Mask, e.Gateway, e.Interface}
	case OpUpdate:
		sql = `UPDATE routes SET gateway = $3, interface = $4, updated_at = now()
			WHERE id = (SELECT id FROM routes WHERE destination = $1 AND mask = $2 ORDER BY id LIMIT 1)`
		args = []any{e.Destination, e.Mask, e.Gateway, e.Interface}
	case OpDelete:
		sql = `DELETE FROM routes
			WHERE id = (SELECT id FROM routes WHERE destination = $1 AND mask = $2 ORDER BY id LIMIT 1)`
		args = []any{e.Destination, e.Mask}
	case OpClear:
		sql = `DELETE FROM routes`
	case OpSync:
		return resync(ctx, tx, ev.Routes)
	default:
		return 0, fmt.Errorf("unknown op %q", ev.Op)
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// resync replaces the routes mirror with a table snapshot, keeping its order.
func resync(ctx context.Context, tx pgx.Tx, routes []rtable.Entry) (int64, error) {
	if _, err := tx.Exec(ctx, `DELETE FROM routes`); err != nil {
		return 0, err
	}
	if len(routes) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(routes))
	for i, e := range routes {
		rows[i] = []any{e.Destination, e.Mask, e.Gateway, e.Interface}
	}
	return tx.CopyFrom(ctx, pgx.Identifier{"routes"},
		[]string{"destination", "mask", "gateway", "interface"}, pgx.CopyFromRows(rows))
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

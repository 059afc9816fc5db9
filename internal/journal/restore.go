package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/route-beacon/nlrt/internal/rtable"
	"go.uber.org/zap"
)

// Querier is the subset of pgxpool.Pool used by LoadRoutes.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LoadRoutes reads the routes mirror in table order.
func LoadRoutes(ctx context.Context, q Querier) ([]rtable.Entry, error) {
	rows, err := q.Query(ctx, `SELECT destination, mask, gateway, interface FROM routes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rtable.Entry, error) {
		var e rtable.Entry
		err := row.Scan(&e.Destination, &e.Mask, &e.Gateway, &e.Interface)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning routes: %w", err)
	}
	return entries, nil
}

// Restore inserts entries into tbl, skipping any the table rejects. It
// returns the number restored.
func Restore(tbl *rtable.Table, entries []rtable.Entry, logger *zap.Logger) int {
	n := 0
	for _, e := range entries {
		if err := tbl.Insert(e); err != nil {
			logger.Warn("skipping stored route", zap.String("key", e.Key().String()), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

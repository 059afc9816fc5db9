// Package maintenance keeps the daily partitions of route_events in step
// with the retention window.
package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var validPartitionName = regexp.MustCompile(`^route_events_\d{8}$`)

// DB is the subset of pgxpool.Pool the manager needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PartitionManager struct {
	db            DB
	retentionDays int
	timezone      string
	logger        *zap.Logger
	now           func() time.Time
}

func NewPartitionManager(db DB, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{
		db:            db,
		retentionDays: retentionDays,
		timezone:      timezone,
		logger:        logger,
		now:           time.Now,
	}
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	return nil
}

// Loop calls Run every interval until ctx is done. Failures are logged and
// retried on the next tick.
func (pm *PartitionManager) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pm.Run(ctx); err != nil && ctx.Err() == nil {
				pm.logger.Error("partition maintenance failed", zap.Error(err))
			}
		}
	}
}

// PartitionName is the route_events partition holding events of day.
func PartitionName(day time.Time) string {
	return fmt.Sprintf("route_events_%s", day.Format("20060102"))
}

// startOfDay truncates t to midnight in loc.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// CreatePartitions creates daily partitions for today and tomorrow using the configured timezone.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	today := startOfDay(pm.now(), loc)
	for i := 0; i < 2; i++ {
		from := today.AddDate(0, 0, i)
		if err := pm.createPartition(ctx, from, from.AddDate(0, 0, 1)); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PartitionManager) createPartition(ctx context.Context, from, to time.Time) error {
	name := PartitionName(from)
	safeName := pgx.Identifier{name}.Sanitize()
	fromStr := from.UTC().Format("2006-01-02 15:04:05+00")
	toStr := to.UTC().Format("2006-01-02 15:04:05+00")

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF route_events FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, fromStr, toStr,
	)
	if _, err := pm.db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", name))

	indexes := []struct{ suffix, cols string }{
		{"route_history", "destination, mask, event_time DESC"},
		{"origin_activity", "origin, event_time DESC"},
	}
	for _, idx := range indexes {
		safeIdx := pgx.Identifier{fmt.Sprintf("idx_%s_%s", name, idx.suffix)}.Sanitize()
		sql := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`, safeIdx, safeName, idx.cols)
		if _, err := pm.db.Exec(ctx, sql); err != nil {
			return fmt.Errorf("creating %s index on %s: %w", idx.suffix, name, err)
		}
	}
	return nil
}

// expired reports whether partition name holds only days before cutoff.
// Names that do not follow the daily pattern are never expired.
func expired(name string, cutoff time.Time) (bool, error) {
	if !validPartitionName.MatchString(name) {
		return false, fmt.Errorf("unexpected partition name %q", name)
	}
	partDate, err := time.ParseInLocation("20060102", name[len(name)-8:], cutoff.Location())
	if err != nil {
		return false, fmt.Errorf("parsing partition date of %q: %w", name, err)
	}
	return partDate.Before(cutoff), nil
}

// DropOldPartitions drops partitions older than the configured retention period.
func (pm *PartitionManager) DropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}
	cutoff := startOfDay(pm.now().In(loc).AddDate(0, 0, -pm.retentionDays), loc)

	rows, err := pm.db.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = 'route_events'::regclass`)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	partitions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scanning partitions: %w", err)
	}

	for _, name := range partitions {
		old, err := expired(name, cutoff)
		if err != nil {
			pm.logger.Warn("skipping partition", zap.String("partition", name), zap.Error(err))
			continue
		}
		if !old {
			continue
		}
		dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
		if _, err := pm.db.Exec(ctx, dropSQL); err != nil {
			return fmt.Errorf("dropping partition %s: %w", name, err)
		}
		pm.logger.Info("dropped old partition", zap.String("partition", name), zap.Time("cutoff", cutoff))
	}

	return nil
}

package maintenance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

func TestValidPartitionName_Valid(t *testing.T) {
	name := "route_events_20250115"
	if !validPartitionName.MatchString(name) {
		t.Errorf("expected %q to match validPartitionName regex", name)
	}
}

func TestValidPartitionName_Invalid(t *testing.T) {
	invalid := []string{
		"route_events_abc",
		"other_table_20250115",
		"route_events_2025011",
		"",
	}
	for _, name := range invalid {
		if validPartitionName.MatchString(name) {
			t.Errorf("expected %q to NOT match validPartitionName regex", name)
		}
	}
}

func TestValidPartitionName_InjectionAttempt(t *testing.T) {
	name := "route_events_20250115; DROP TABLE x"
	if validPartitionName.MatchString(name) {
		t.Errorf("expected %q to NOT match validPartitionName regex (SQL injection attempt)", name)
	}
}

func TestPartitionName(t *testing.T) {
	day := time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC)
	if got := PartitionName(day); got != "route_events_20250115" {
		t.Errorf("PartitionName = %q", got)
	}
}

func TestExpired(t *testing.T) {
	cutoff := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		want    bool
		wantErr bool
	}{
		{"route_events_20250114", true, false},
		{"route_events_20250115", false, false},
		{"route_events_20250116", false, false},
		{"route_events_20251399", false, true},
		{"route_events_default", false, true},
	}
	for _, c := range cases {
		got, err := expired(c.name, cutoff)
		if (err != nil) != c.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", c.name, err, c.wantErr)
			continue
		}
		if got != c.want {
			t.Errorf("%s: expired = %v, want %v", c.name, got, c.want)
		}
	}
}

type recordingDB struct {
	execs []string
}

func (d *recordingDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (d *recordingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, context.Canceled
}

func TestCreatePartitions_TodayAndTomorrow(t *testing.T) {
	db := &recordingDB{}
	pm := NewPartitionManager(db, 30, "UTC", zap.NewNop())
	pm.now = func() time.Time { return time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC) }

	if err := pm.CreatePartitions(context.Background()); err != nil {
		t.Fatalf("CreatePartitions: %v", err)
	}
	// One CREATE TABLE and two indexes per day.
	if len(db.execs) != 6 {
		t.Fatalf("got %d statements: %v", len(db.execs), db.execs)
	}
	if !strings.Contains(db.execs[0], `"route_events_20250131"`) ||
		!strings.Contains(db.execs[0], "FROM ('2025-01-31 00:00:00+00') TO ('2025-02-01 00:00:00+00')") {
		t.Errorf("first partition: %s", db.execs[0])
	}
	if !strings.Contains(db.execs[3], `"route_events_20250201"`) {
		t.Errorf("second partition: %s", db.execs[3])
	}
	if !strings.Contains(db.execs[1], "(destination, mask, event_time DESC)") {
		t.Errorf("history index: %s", db.execs[1])
	}
}

func TestCreatePartitions_BadTimezone(t *testing.T) {
	pm := NewPartitionManager(&recordingDB{}, 30, "Not/A/Zone", zap.NewNop())
	if err := pm.CreatePartitions(context.Background()); err == nil {
		t.Fatal("expected timezone error")
	}
}

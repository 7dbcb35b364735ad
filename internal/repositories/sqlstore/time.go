package sqlstore

import (
	"fmt"
	"time"
)

// timestampLayout is a valid MySQL DATETIME(6) literal and sorts lexically in SQLite TEXT columns.
const timestampLayout = "2006-01-02 15:04:05.000000"

var parseLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

// dbTimestamp scans DATETIME values from MySQL (time.Time with parseTime) and TEXT values from SQLite.
type dbTimestamp struct {
	Time  time.Time
	Valid bool
}

func (ts *dbTimestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		ts.Time, ts.Valid = time.Time{}, false
		return nil
	case time.Time:
		ts.Time, ts.Valid = v.UTC(), true
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	default:
		return fmt.Errorf("sqlstore: unsupported timestamp type %T", src)
	}
}

func (ts *dbTimestamp) parse(value string) error {
	for _, layout := range parseLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			ts.Time, ts.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("sqlstore: invalid timestamp %q", value)
}

func (ts dbTimestamp) ptr() *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

package ingest

import (
	"strconv"
	"time"
)

// Row is one raw decoded bulk record: [timestamp, node_id, field1, field2, ...].
// Field count varies per node; consumers must bounds-check every index.
type Row []any

// Site is the authenticated site identity attached to every record.
type Site struct {
	ID   int64
	Name string
}

// Record is a normalized reading ready for the sinks. Table, when set,
// overrides the deployment's default relational destination; it is derived
// from the reporting node, never from field content.
type Record struct {
	Time   time.Time
	Site   Site
	Table  string
	Fields map[string]any
}

// Float coerces a decoded scalar to float64. JSON numbers arrive as float64,
// msgpack numbers as int64/uint64/float64, and legacy clients send numeric
// strings.
func Float(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Int coerces a decoded scalar to int64.
func Int(value any) (int64, bool) {
	parsed, ok := Float(value)
	if !ok {
		return 0, false
	}
	return int64(parsed), true
}

// Timestamp converts a raw epoch value to UTC time. Accepts seconds or
// milliseconds.
func Timestamp(value any) (time.Time, bool) {
	epoch, ok := Int(value)
	if !ok || epoch <= 0 {
		return time.Time{}, false
	}
	if epoch > 1_000_000_000_000 {
		return time.UnixMilli(epoch).UTC(), true
	}
	return time.Unix(epoch, 0).UTC(), true
}

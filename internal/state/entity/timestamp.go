package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// pausedLiteral is the wire form of a paused timestamp.
const pausedLiteral = "paused"

// Timestamp is either an epoch-millisecond instant or the paused sentinel.
// A paused timestamp suspends expiry evaluation until it is resumed.
type Timestamp struct {
	Millis int64
	Paused bool
}

// Paused is the sentinel used to suspend expiry of a room or filter.
var Paused = Timestamp{Paused: true}

// At converts t to a millisecond timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{Millis: t.UnixMilli()}
}

// Millis builds a timestamp from raw epoch milliseconds.
func Millis(ms int64) Timestamp {
	return Timestamp{Millis: ms}
}

// IsZero reports whether the timestamp was never set.
func (t Timestamp) IsZero() bool { return !t.Paused && t.Millis == 0 }

// Time returns the instant; paused timestamps yield the zero time.
func (t Timestamp) Time() time.Time {
	if t.Paused {
		return time.Time{}
	}
	return time.UnixMilli(t.Millis)
}

// Newer reports whether t is a numeric timestamp strictly later than other.
// Paused values are never newer than anything.
func (t Timestamp) Newer(other Timestamp) bool {
	if t.Paused || other.Paused {
		return false
	}
	return t.Millis > other.Millis
}

func (t Timestamp) String() string {
	if t.Paused {
		return pausedLiteral
	}
	return strconv.FormatInt(t.Millis, 10)
}

// MarshalJSON encodes paused as "paused" and instants as numbers.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Paused {
		return json.Marshal(pausedLiteral)
	}
	return []byte(strconv.FormatInt(t.Millis, 10)), nil
}

// UnmarshalJSON accepts a number or the "paused" string.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != pausedLiteral {
			return fmt.Errorf("invalid timestamp %q", s)
		}
		*t = Paused
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	*t = Timestamp{Millis: ms}
	return nil
}

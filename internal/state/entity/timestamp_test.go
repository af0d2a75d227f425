package entity

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestampNewer(t *testing.T) {
	cases := []struct {
		name string
		a, b Timestamp
		want bool
	}{
		{"later", Millis(20), Millis(10), true},
		{"equal", Millis(10), Millis(10), false},
		{"earlier", Millis(5), Millis(10), false},
		{"paused left", Paused, Millis(10), false},
		{"paused right", Millis(10), Paused, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Newer(tc.b); got != tc.want {
				t.Fatalf("Newer(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestTimestampJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		A Timestamp `json:"a"`
		B Timestamp `json:"b"`
	}{A: Paused, B: Millis(1700000000123)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"a":"paused","b":1700000000123}` {
		t.Fatalf("unexpected json %s", b)
	}

	var out struct {
		A Timestamp `json:"a"`
		B Timestamp `json:"b"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.A.Paused || out.B.Millis != 1700000000123 {
		t.Fatalf("unexpected decode %+v", out)
	}

	var bad Timestamp
	if err := json.Unmarshal([]byte(`"later"`), &bad); err == nil {
		t.Fatal("expected error for unknown sentinel")
	}
}

func TestAtRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := At(now)
	if !ts.Time().Equal(now) {
		t.Fatalf("Time() = %v, want %v", ts.Time(), now)
	}
	if !Paused.Time().IsZero() {
		t.Fatal("paused timestamp should have zero time")
	}
}

func TestFilterQueryMatches(t *testing.T) {
	f := FilterRecord{UserID: "alice", RoomName: "lab", DeviceName: "ws1", DeviceIP: "10.0.0.5"}
	if !(FilterQuery{UserID: "alice"}).Matches(f) {
		t.Fatal("user-only query should match")
	}
	if !(FilterQuery{UserID: "alice", RoomName: AnyField, DeviceIP: "10.0.0.5"}).Matches(f) {
		t.Fatal("wildcard room should match")
	}
	if (FilterQuery{UserID: "alice", RoomName: "lobby"}).Matches(f) {
		t.Fatal("other room must not match")
	}
}

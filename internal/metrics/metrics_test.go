package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Expired("room", OutcomeRemoved)
	m.Expired("room", OutcomeRemoved)
	m.Expired("filter", OutcomeStale)
	m.Event("access", "entered")
	m.Pending("room", 3)

	if got := testutil.ToFloat64(m.expiries.WithLabelValues("room", OutcomeRemoved)); got != 2 {
		t.Fatalf("room removed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("access", "entered")); got != 1 {
		t.Fatalf("events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pending.WithLabelValues("room")); got != 3 {
		t.Fatalf("pending = %v, want 3", got)
	}
}

func TestNilMetricsDiscard(t *testing.T) {
	var m *Metrics
	m.Expired("room", OutcomeRemoved)
	m.Event("session", "loggedIn")
	m.Pending("filter", 1)
}

func TestStoreCollector(t *testing.T) {
	ctx := context.Background()
	s := state.New(state.NewMemory())
	t.Cleanup(s.Close)
	_ = s.AddUser(ctx, entity.ActiveUser{UserID: "alice"})
	_, _ = s.AddAttendance(ctx, entity.RoomAttendance{UserID: "alice", RoomName: "lab"})

	m := New()
	m.ObserveStore(s)
	expected := `
# HELP porch_active_users Users with presence in at least one room.
# TYPE porch_active_users gauge
porch_active_users 1
# HELP porch_room_attendance Room attendance records.
# TYPE porch_room_attendance gauge
porch_room_attendance 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "porch_active_users", "porch_room_attendance"); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "porch_filters 0") {
		t.Fatalf("handler status %d body lacks store gauges", rec.Code)
	}
}

package presence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/directory"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/inspector"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/presence"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/testkit"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/user"
)

const (
	aliceDN = "CN=alice,OU=People,DC=example,DC=org"
	labIP   = "10.0.1.5"
)

type fixture struct {
	h     *presence.Handler
	insp  *inspector.Inspector
	users *user.Service
	dir   *testkit.Directory
	fw    *testkit.Firewall
	rooms map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := &config.Environment{
		RoomTimeouts: map[string]int{"lobby": 10, "corridor": 10, "lab": 10},
		Routes:       map[string][]string{"lab": {"lobby", "corridor", "lab"}},
		Networks: map[string]string{
			"lobby":    "10.0.0.0/24",
			"corridor": "10.0.4.0/24",
			"lab":      "10.0.1.0/24",
		},
	}
	if err := env.Normalize(); err != nil {
		t.Fatal(err)
	}
	store := state.New(state.NewMemory())
	t.Cleanup(store.Close)
	dir := testkit.NewDirectory(directory.Schema{})
	dir.AddUser("alice", aliceDN)
	rooms := map[string]string{}
	for _, r := range []string{"lobby", "corridor", "lab"} {
		rooms[r] = dir.AddRoom(r)
	}
	fw := testkit.NewFirewall()
	logger := zaptest.NewLogger(t).Sugar()
	users := user.NewService(user.Options{
		Store:     store,
		Directory: dir,
		Firewall:  fw,
		Routes:    env.Graph(),
		Filtersets: firewall.Filtersets{
			"default": {Timeout: 30, Filters: []firewall.Rule{{DstAddr: "10.9.0.10", DstPort: "445", IPVersion: "4", Protocol: "tcp"}}},
		},
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)),
		Logger: logger,
	})
	insp := inspector.New(inspector.Options{Users: users, Environment: env, Logger: logger})
	parser, err := presence.NewParser(presence.Detection{
		"doors": {Detection: map[string]presence.DetectionRule{
			presence.KeyUser:         {Regexp: `user=(\w+)`, MatchInGroup: 1},
			presence.KeyRoom:         {Regexp: `door=(\w+)`, MatchInGroup: 1},
			presence.KeyDirectionIn:  {Regexp: `(IN)$`, MatchInGroup: 1},
			presence.KeyDirectionOut: {Regexp: `(OUT)$`, MatchInGroup: 1},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		h: presence.NewHandler(presence.Options{
			Users:       users,
			Inspector:   insp,
			Environment: env,
			Parser:      parser,
			Metrics:     metrics.New(),
			Logger:      logger,
		}),
		insp:  insp,
		users: users,
		dir:   dir,
		fw:    fw,
		rooms: rooms,
	}
}

func (f *fixture) alice(t *testing.T) *user.User {
	t.Helper()
	u, err := f.users.Get(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func (f *fixture) enter(t *testing.T, rooms ...string) {
	t.Helper()
	for _, r := range rooms {
		ev := presence.AccessEvent{System: "doors", User: "alice", Room: r, Kind: presence.Entered}
		if err := f.h.HandleAccess(context.Background(), ev); err != nil {
			t.Fatalf("enter %s: %v", r, err)
		}
	}
}

func (f *fixture) session(t *testing.T, event string) {
	t.Helper()
	ev := presence.SessionEvent{User: "Alice", Hostname: "ws-1", IP: labIP, Event: event}
	if err := f.h.HandleSession(context.Background(), ev); err != nil {
		t.Fatalf("%s: %v", event, err)
	}
}

func TestEnteringAlongRouteAllowsLogon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "lab")
	u := f.alice(t)
	if ok, _ := u.IsLogonAllowed(ctx, "lab"); ok {
		t.Fatal("logon must wait for the route")
	}

	f.enter(t, "lobby", "corridor", "lab")
	if ok, _ := u.IsLogonAllowed(ctx, "lab"); !ok {
		t.Fatal("route taken, logon should be allowed")
	}
	if got := f.dir.Members(f.rooms["lab"]); len(got) != 1 || got[0] != aliceDN {
		t.Fatalf("lab members = %v", got)
	}
}

func TestEnteringUnknownRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "attic")
	u := f.alice(t)
	if in, _ := u.IsInRoom(ctx, "attic"); in {
		t.Fatal("room without a directory group must not be attended")
	}
	if present, _ := u.IsPresent(ctx); !present {
		t.Fatal("user is still activated")
	}
}

func TestAccessEventForUnknownUser(t *testing.T) {
	f := newFixture(t)
	ev := presence.AccessEvent{User: "mallory", Room: "lab", Kind: presence.Entered}
	if err := f.h.HandleAccess(context.Background(), ev); err != nil {
		t.Fatalf("HandleAccess = %v", err)
	}
}

func TestLeavingLastRoomDeactivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "lobby", "corridor", "lab")
	f.session(t, presence.LoggedIn)

	f.h.HandleLine(ctx, "2026-03-02 09:00:00 user=alice door=lab OUT")
	u := f.alice(t)
	if present, _ := u.IsPresent(ctx); present {
		t.Fatal("leaving the terminal room clears the route and deactivates")
	}
	if len(f.fw.RuleNames()) != 0 {
		t.Fatalf("rules left %v", f.fw.RuleNames())
	}
	if len(f.dir.Members(f.rooms["lab"])) != 0 {
		t.Fatal("logon must be revoked")
	}
}

func TestLeavingWhileAbsentIsIgnored(t *testing.T) {
	f := newFixture(t)
	ev := presence.AccessEvent{User: "alice", Room: "lab", Kind: presence.Left}
	if err := f.h.HandleAccess(context.Background(), ev); err != nil {
		t.Fatalf("HandleAccess = %v", err)
	}
}

func TestLeavingPausedRoomKeepsAttendance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "lobby")
	u := f.alice(t)
	if err := f.insp.UpdateTimeout(ctx, u, inspector.RoomTimeout, "lobby", "", true); err != nil {
		t.Fatal(err)
	}
	f.h.HandleLine(ctx, "user=alice door=lobby OUT")
	if in, _ := u.IsInRoom(ctx, "lobby"); !in {
		t.Fatal("paused attendance must be kept")
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "lobby", "corridor", "lab")
	u := f.alice(t)
	name := firewall.FilterName("alice", "lab", labIP, "default", 0)

	f.session(t, presence.LoggedIn)
	if rec, ok, _ := u.Filter(ctx, name); !ok || rec.DeviceName != "ws-1" {
		t.Fatalf("filter after login = %+v, %v", rec, ok)
	}
	if f.fw.Applied() != 1 {
		t.Fatalf("applied = %d, want 1", f.fw.Applied())
	}

	f.session(t, presence.LockedAuto)
	if locked, _ := u.IsFilterAutoLocked(ctx, name); !locked {
		t.Fatal("filter should be auto-locked")
	}

	f.session(t, presence.LockedManual)
	if ts, _, _ := u.FilterTimestamp(ctx, name); ts.Paused {
		t.Fatal("auto-locked filter keeps its timeout on a manual lock")
	}
	for _, room := range []string{"lobby", "corridor", "lab"} {
		if ts, _, _ := u.RoomTimestamp(ctx, room); !ts.Paused {
			t.Fatalf("%s should be paused", room)
		}
	}

	f.session(t, presence.Unlocked)
	if locked, _ := u.IsFilterAutoLocked(ctx, name); locked {
		t.Fatal("unlock clears the auto-lock")
	}
	for _, room := range []string{"lobby", "corridor", "lab"} {
		if ts, _, _ := u.RoomTimestamp(ctx, room); ts.Paused {
			t.Fatalf("%s should be resumed", room)
		}
	}

	f.session(t, presence.LockedManual)
	if ts, _, _ := u.FilterTimestamp(ctx, name); !ts.Paused {
		t.Fatal("manual lock pauses the filter")
	}
	f.session(t, presence.LoggedIn)
	if f.fw.Applied() != 1 {
		t.Fatal("login on a paused filter changes nothing")
	}

	f.session(t, presence.LoggedOut)
	if _, ok, _ := u.Filter(ctx, name); ok {
		t.Fatal("logout removes the device filter")
	}
	if f.fw.Applied() != 2 {
		t.Fatalf("applied = %d, want 2", f.fw.Applied())
	}
}

func TestSessionEventDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tests := []presence.SessionEvent{
		{User: "alice", Hostname: "ws-1", IP: labIP, Event: presence.LoggedIn},
		{User: "alice", Hostname: "ws-9", IP: "192.168.1.1", Event: presence.LoggedIn},
		{User: "mallory", Hostname: "ws-1", IP: labIP, Event: presence.LoggedIn},
	}
	for _, ev := range tests {
		if err := f.h.HandleSession(ctx, ev); err != nil {
			t.Fatalf("HandleSession(%+v) = %v", ev, err)
		}
	}
	f.enter(t, "lab")
	if err := f.h.HandleSession(ctx, presence.SessionEvent{User: "alice", Hostname: "ws-1", IP: labIP, Event: "rebooted"}); err != nil {
		t.Fatalf("unknown kind = %v", err)
	}
	if f.fw.Created() != 0 {
		t.Fatal("dropped events must not provision rules")
	}
}

func TestSessionEventValidation(t *testing.T) {
	f := newFixture(t)
	err := f.h.HandleSession(context.Background(), presence.SessionEvent{User: "alice", Event: presence.LoggedIn})
	if !errors.Is(err, presence.ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}

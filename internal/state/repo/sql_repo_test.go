package repo

import (
	"context"
	"testing"
	"time"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
	"github.com/ovaphlow/pitchfork/service-porch-go/pkg/database"
)

func newRepo(t *testing.T) *SQLRepo {
	t.Helper()
	db, err := database.Connect(database.Config{Driver: database.DriverSQLite, DSN: ":memory:", Timeout: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	r := NewSQLRepo(db)
	if err := r.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	// second call must be a no-op
	if err := r.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table twice: %v", err)
	}
	return r
}

func TestSQLRepoUsers(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	if _, ok, err := r.User(ctx, "alice"); err != nil || ok {
		t.Fatalf("User before add: ok %v err %v", ok, err)
	}
	if err := r.AddUser(ctx, entity.ActiveUser{UserID: "alice", DN: "cn=alice", Roles: []string{"default", "staff"}}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	u, ok, err := r.User(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("User: ok %v err %v", ok, err)
	}
	if u.DN != "cn=alice" || len(u.Roles) != 2 || u.Roles[1] != "staff" {
		t.Fatalf("unexpected user %+v", u)
	}
	if err := r.RemoveUser(ctx, "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	users, err := r.Users(ctx)
	if err != nil || len(users) != 0 {
		t.Fatalf("Users after remove = %v, %v", users, err)
	}
}

func TestSQLRepoAttendance(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	if _, err := r.AddAttendance(ctx, entity.RoomAttendance{UserID: "alice", RoomName: "lab", RoomDN: "cn=lab", Timestamp: entity.Millis(10)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := r.AddAttendance(ctx, entity.RoomAttendance{UserID: "alice", RoomName: "lobby", Timestamp: entity.Millis(5)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, ok, err := r.UpdateRoomLogon(ctx, "alice", "lab", true); err != nil || !ok {
		t.Fatalf("logon: ok %v err %v", ok, err)
	}
	got, err := r.AddAttendance(ctx, entity.RoomAttendance{UserID: "alice", RoomName: "lab", RoomDN: "cn=lab2", Timestamp: entity.Millis(20)})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !got.LogonAllowed || got.RoomDN != "cn=lab2" || got.Timestamp.Millis != 20 {
		t.Fatalf("upsert must keep logon, got %+v", got)
	}

	paused, ok, err := r.UpdateRoomTimestamp(ctx, "alice", "lobby", entity.Paused)
	if err != nil || !ok || !paused.Timestamp.Paused {
		t.Fatalf("pause: %+v ok %v err %v", paused, ok, err)
	}
	if _, ok, err := r.UpdateRoomTimestamp(ctx, "bob", "lobby", entity.Millis(1)); err != nil || ok {
		t.Fatalf("absent update should be a no-op: ok %v err %v", ok, err)
	}

	all, err := r.Attendance(ctx, "alice", entity.AnyField)
	if err != nil || len(all) != 2 || all[0].RoomName != "lab" {
		t.Fatalf("Attendance = %+v, %v", all, err)
	}
	if err := r.RemoveAttendance(ctx, "alice", "lab"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	left, _ := r.Attendance(ctx, entity.AnyField, "lab")
	if len(left) != 0 {
		t.Fatalf("lab attendance should be gone, got %+v", left)
	}
}

func TestSQLRepoFilters(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	base := entity.FilterRecord{UserID: "alice", Role: "default", RoomName: "lab", DeviceName: "ws1", Timestamp: entity.Millis(100), RenewalAmount: 2, Conf: `{"action":"pass"}`}
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		f := base
		f.FilterName = "porch_alice:lab:" + ip + ":default:0"
		f.DeviceIP = ip
		if err := r.AddFilter(ctx, f); err != nil {
			t.Fatalf("add filter: %v", err)
		}
	}

	name := "porch_alice:lab:10.0.0.1:default:0"
	f, ok, err := r.Filter(ctx, name)
	if err != nil || !ok || f.Conf != base.Conf || f.RenewalAmount != 2 {
		t.Fatalf("Filter = %+v ok %v err %v", f, ok, err)
	}
	if f, ok, err = r.UpdateFilterAutoLock(ctx, name, true); err != nil || !ok || !f.AutoLocked {
		t.Fatalf("autolock: %+v ok %v err %v", f, ok, err)
	}
	if f, ok, err = r.UpdateFilterRenewal(ctx, name, 1); err != nil || !ok || f.RenewalAmount != 1 {
		t.Fatalf("renewal: %+v ok %v err %v", f, ok, err)
	}
	if f, ok, err = r.UpdateFilterTimestamp(ctx, name, entity.Paused); err != nil || !ok || !f.Timestamp.Paused {
		t.Fatalf("pause: %+v ok %v err %v", f, ok, err)
	}
	if _, ok, err := r.UpdateFilterTimestamp(ctx, "missing", entity.Millis(1)); err != nil || ok {
		t.Fatalf("absent update should be a no-op: ok %v err %v", ok, err)
	}

	got, err := r.Filters(ctx, entity.FilterQuery{UserID: "alice", RoomName: "lab", DeviceIP: "10.0.0.2"})
	if err != nil || len(got) != 1 {
		t.Fatalf("Filters = %+v, %v", got, err)
	}
	removed, err := r.RemoveFilters(ctx, entity.FilterQuery{UserID: "alice", RoomName: entity.AnyField})
	if err != nil || len(removed) != 2 {
		t.Fatalf("RemoveFilters = %v, %v", removed, err)
	}
	if _, ok, _ := r.Filter(ctx, name); ok {
		t.Fatal("filter should be gone")
	}
}

func TestSQLRepoBehindStore(t *testing.T) {
	ctx := context.Background()
	s := state.New(newRepo(t))
	defer s.Close()

	_ = s.AddUser(ctx, entity.ActiveUser{UserID: "alice"})
	_, _ = s.AddAttendance(ctx, entity.RoomAttendance{UserID: "alice", RoomName: "lab", Timestamp: entity.Millis(1)})
	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Users) != 1 || len(snap.Rooms) != 1 || len(snap.Filters) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

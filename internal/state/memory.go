package state

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
)

type attendanceKey struct {
	user string
	room string
}

// Memory is the volatile Repository. It holds no lock of its own and must be
// driven through a Store when shared between goroutines.
type Memory struct {
	users   map[string]entity.ActiveUser
	rooms   map[attendanceKey]entity.RoomAttendance
	filters map[string]entity.FilterRecord
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]entity.ActiveUser),
		rooms:   make(map[attendanceKey]entity.RoomAttendance),
		filters: make(map[string]entity.FilterRecord),
	}
}

var _ Repository = (*Memory)(nil)

func (m *Memory) AddUser(_ context.Context, u entity.ActiveUser) error {
	u.Roles = slices.Clone(u.Roles)
	m.users[u.UserID] = u
	return nil
}

func (m *Memory) RemoveUser(_ context.Context, userID string) error {
	delete(m.users, userID)
	return nil
}

func (m *Memory) User(_ context.Context, userID string) (entity.ActiveUser, bool, error) {
	u, ok := m.users[userID]
	if ok {
		u.Roles = slices.Clone(u.Roles)
	}
	return u, ok, nil
}

func (m *Memory) Users(_ context.Context) ([]entity.ActiveUser, error) {
	out := make([]entity.ActiveUser, 0, len(m.users))
	for _, u := range m.users {
		u.Roles = slices.Clone(u.Roles)
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) AddAttendance(_ context.Context, a entity.RoomAttendance) (entity.RoomAttendance, error) {
	k := attendanceKey{a.UserID, a.RoomName}
	if cur, ok := m.rooms[k]; ok {
		a.LogonAllowed = cur.LogonAllowed
	}
	m.rooms[k] = a
	return a, nil
}

func (m *Memory) RemoveAttendance(_ context.Context, userID, room string) error {
	delete(m.rooms, attendanceKey{userID, room})
	return nil
}

func (m *Memory) Attendance(_ context.Context, userID, room string) ([]entity.RoomAttendance, error) {
	var out []entity.RoomAttendance
	for k, a := range m.rooms {
		if matchAny(userID, k.user) && matchAny(room, k.room) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].RoomName < out[j].RoomName
	})
	return out, nil
}

func (m *Memory) UpdateRoomTimestamp(_ context.Context, userID, room string, ts entity.Timestamp) (entity.RoomAttendance, bool, error) {
	return m.updateRoom(userID, room, func(a *entity.RoomAttendance) { a.Timestamp = ts })
}

func (m *Memory) UpdateRoomLogon(_ context.Context, userID, room string, allowed bool) (entity.RoomAttendance, bool, error) {
	return m.updateRoom(userID, room, func(a *entity.RoomAttendance) { a.LogonAllowed = allowed })
}

func (m *Memory) updateRoom(userID, room string, fn func(*entity.RoomAttendance)) (entity.RoomAttendance, bool, error) {
	k := attendanceKey{userID, room}
	a, ok := m.rooms[k]
	if !ok {
		return entity.RoomAttendance{}, false, nil
	}
	fn(&a)
	m.rooms[k] = a
	return a, true, nil
}

func (m *Memory) AddFilter(_ context.Context, f entity.FilterRecord) error {
	m.filters[f.FilterName] = f
	return nil
}

func (m *Memory) RemoveFilter(_ context.Context, name string) error {
	delete(m.filters, name)
	return nil
}

func (m *Memory) RemoveFilters(_ context.Context, q entity.FilterQuery) ([]string, error) {
	var names []string
	for name, f := range m.filters {
		if q.Matches(f) {
			names = append(names, name)
		}
	}
	for _, name := range names {
		delete(m.filters, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Filter(_ context.Context, name string) (entity.FilterRecord, bool, error) {
	f, ok := m.filters[name]
	return f, ok, nil
}

func (m *Memory) Filters(_ context.Context, q entity.FilterQuery) ([]entity.FilterRecord, error) {
	var out []entity.FilterRecord
	for _, f := range m.filters {
		if q.Matches(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].FilterName, out[j].FilterName) < 0 })
	return out, nil
}

func (m *Memory) UpdateFilterTimestamp(_ context.Context, name string, ts entity.Timestamp) (entity.FilterRecord, bool, error) {
	return m.updateFilter(name, func(f *entity.FilterRecord) { f.Timestamp = ts })
}

func (m *Memory) UpdateFilterAutoLock(_ context.Context, name string, locked bool) (entity.FilterRecord, bool, error) {
	return m.updateFilter(name, func(f *entity.FilterRecord) { f.AutoLocked = locked })
}

func (m *Memory) UpdateFilterRenewal(_ context.Context, name string, amount int) (entity.FilterRecord, bool, error) {
	return m.updateFilter(name, func(f *entity.FilterRecord) { f.RenewalAmount = max(amount, 0) })
}

func (m *Memory) updateFilter(name string, fn func(*entity.FilterRecord)) (entity.FilterRecord, bool, error) {
	f, ok := m.filters[name]
	if !ok {
		return entity.FilterRecord{}, false, nil
	}
	fn(&f)
	m.filters[name] = f
	return f, true, nil
}

func matchAny(want, got string) bool {
	return want == "" || want == entity.AnyField || want == got
}

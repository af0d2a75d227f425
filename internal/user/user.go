package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/directory"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
)

// User is a handle on one identity. It holds no presence state of its own;
// every read and write goes through the store.
type User struct {
	svc   *Service
	id    string
	dn    string
	roles []string
}

func (u *User) ID() string      { return u.id }
func (u *User) DN() string      { return u.dn }
func (u *User) Roles() []string { return slices.Clone(u.roles) }

func (u *User) Activate(ctx context.Context) error {
	return u.svc.store.AddUser(ctx, entity.ActiveUser{UserID: u.id, DN: u.dn, Roles: u.roles})
}

func (u *User) Deactivate(ctx context.Context) error {
	return u.svc.store.RemoveUser(ctx, u.id)
}

func (u *User) IsPresent(ctx context.Context) (bool, error) {
	_, ok, err := u.svc.store.User(ctx, u.id)
	return ok, err
}

func (u *User) roomDN(ctx context.Context, room string) (string, error) {
	dn, found, err := u.svc.dir.ResolveDN(ctx, u.svc.schema.RoomFilter(room))
	if err != nil {
		return "", fmt.Errorf("resolve room %s: %w", room, err)
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrNoRoomsFound, room)
	}
	return dn, nil
}

// AddRoom records the user entering room and schedules its expiry.
func (u *User) AddRoom(ctx context.Context, room string) error {
	dn, err := u.roomDN(ctx, room)
	if err != nil {
		return err
	}
	var rec entity.RoomAttendance
	err = u.svc.store.Do(ctx, func(r state.Repository) error {
		_, ok, err := r.User(ctx, u.id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotActive, u.id)
		}
		rec, err = r.AddAttendance(ctx, entity.RoomAttendance{
			UserID:    u.id,
			RoomName:  room,
			RoomDN:    dn,
			Timestamp: u.svc.Now(),
		})
		return err
	})
	if err != nil {
		return err
	}
	u.svc.roomChanged(rec)
	return nil
}

// RemoveRoom drops the attendance record of room.
func (u *User) RemoveRoom(ctx context.Context, room string) error {
	if _, err := u.roomDN(ctx, room); err != nil {
		return err
	}
	return u.svc.store.RemoveAttendance(ctx, u.id, room)
}

// Room returns the attendance record of room.
func (u *User) Room(ctx context.Context, room string) (entity.RoomAttendance, bool, error) {
	recs, err := u.svc.store.Attendance(ctx, u.id, room)
	if err != nil || len(recs) == 0 {
		return entity.RoomAttendance{}, false, err
	}
	return recs[0], true, nil
}

// Rooms lists every room the user attends.
func (u *User) Rooms(ctx context.Context) ([]entity.RoomAttendance, error) {
	return u.svc.store.Attendance(ctx, u.id, entity.AnyField)
}

// IsInRoom reports attendance in room; entity.AnyField asks for any room.
func (u *User) IsInRoom(ctx context.Context, room string) (bool, error) {
	recs, err := u.svc.store.Attendance(ctx, u.id, room)
	return len(recs) > 0, err
}

func (u *User) IsLogonAllowed(ctx context.Context, room string) (bool, error) {
	rec, ok, err := u.Room(ctx, room)
	return ok && rec.LogonAllowed, err
}

func (u *User) RoomTimestamp(ctx context.Context, room string) (entity.Timestamp, bool, error) {
	rec, ok, err := u.Room(ctx, room)
	return rec.Timestamp, ok, err
}

// UpdateRoomTimestamp stores ts and, unless ts is paused, reschedules the
// room's expiry.
func (u *User) UpdateRoomTimestamp(ctx context.Context, room string, ts entity.Timestamp) error {
	rec, ok, err := u.svc.store.UpdateRoomTimestamp(ctx, u.id, room, ts)
	if err != nil {
		return err
	}
	if ok && !ts.Paused {
		u.svc.roomChanged(rec)
	}
	return nil
}

// AllowLogon adds the user to the directory group of every room.
func (u *User) AllowLogon(ctx context.Context, rooms ...string) error {
	return u.setLogon(ctx, directory.Add, rooms)
}

// DenyLogon removes the user from the directory group of every room.
func (u *User) DenyLogon(ctx context.Context, rooms ...string) error {
	return u.setLogon(ctx, directory.Remove, rooms)
}

func (u *User) setLogon(ctx context.Context, op directory.Op, rooms []string) error {
	for _, room := range rooms {
		rec, ok, err := u.Room(ctx, room)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s in %s", ErrUserNotInRoom, u.id, room)
		}
		member, err := u.svc.dir.IsMember(ctx, rec.RoomDN, u.dn)
		if err != nil {
			return fmt.Errorf("group membership %s: %w", rec.RoomDN, err)
		}
		if member != (op == directory.Add) {
			if err := u.svc.dir.ModifyGroup(ctx, rec.RoomDN, op, u.dn); err != nil {
				return fmt.Errorf("%w: %w", ErrLdapModification, err)
			}
		}
		if _, _, err := u.svc.store.UpdateRoomLogon(ctx, u.id, room, op == directory.Add); err != nil {
			return err
		}
		u.svc.logger.Infow("logon membership updated", "user", u.id, "room", room, "op", op.String())
	}
	return nil
}

// PathTaken reports whether the user attends every room on the route to
// room. Rooms without a route are trivially reachable.
func (u *User) PathTaken(ctx context.Context, room string) (bool, error) {
	chain, ok := u.svc.routes.To(room)
	if !ok {
		return true, nil
	}
	recs, err := u.Rooms(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range chain {
		if !slices.ContainsFunc(recs, func(a entity.RoomAttendance) bool { return a.RoomName == r }) {
			return false, nil
		}
	}
	return true, nil
}

// GrantRoute allows logon to a routed room once its route is taken. With
// implicit trust the earlier rooms of the chain are entered on the user's
// behalf instead of being required.
func (u *User) GrantRoute(ctx context.Context, room string, implicit bool) error {
	if _, ok := u.svc.routes.To(room); !ok {
		return nil
	}
	allowed, err := u.IsLogonAllowed(ctx, room)
	if err != nil || allowed {
		return err
	}
	if !implicit {
		taken, err := u.PathTaken(ctx, room)
		if err != nil || !taken {
			return err
		}
	}
	for _, prev := range u.svc.routes.Before(room) {
		in, err := u.IsInRoom(ctx, prev)
		if err != nil {
			return err
		}
		if in {
			continue
		}
		if err := u.AddRoom(ctx, prev); err != nil {
			return err
		}
		u.svc.logger.Infow("room added along route", "user", u.id, "room", prev, "target", room)
	}
	return u.AllowLogon(ctx, room)
}

// templates yields the filterset of every role the user holds that has one.
func (u *User) templates() []roleTemplates {
	var out []roleTemplates
	for _, role := range u.roles {
		fs, ok := u.svc.filtersets[role]
		if !ok {
			continue
		}
		out = append(out, roleTemplates{role: role, set: fs})
	}
	return out
}

type roleTemplates struct {
	role string
	set  firewall.Filterset
}

// AddFilter provisions the role filters for a device in room. A rule that
// already exists on the firewall is renewed instead of created again.
func (u *User) AddFilter(ctx context.Context, room string, ts entity.Timestamp, deviceName, deviceIP string) error {
	fw := u.svc.fw
	if fw == nil {
		return nil
	}
	for _, rt := range u.templates() {
		for idx, rule := range rt.set.Filters {
			name := firewall.FilterName(u.id, room, deviceIP, rt.role, idx)
			conf, err := json.Marshal(rule)
			if err != nil {
				return fmt.Errorf("encode filter %s: %w", name, err)
			}
			rec := entity.FilterRecord{
				FilterName:    name,
				UserID:        u.id,
				Role:          rt.role,
				RoomName:      room,
				DeviceName:    deviceName,
				DeviceIP:      deviceIP,
				Timestamp:     ts,
				RenewalAmount: rt.set.RenewalAmount,
				Conf:          string(conf),
			}
			existing, err := fw.SearchFilter(ctx, name)
			if err != nil {
				return fmt.Errorf("search filter %s: %w", name, err)
			}
			if len(existing) == 0 {
				if err := fw.CreateFilter(ctx, name, deviceIP, rule); err != nil {
					return fmt.Errorf("create filter %s: %w", name, err)
				}
				if err := u.svc.store.AddFilter(ctx, rec); err != nil {
					return err
				}
				u.svc.filterChanged(rec)
				u.svc.logger.Infow("filter created", "user", u.id, "room", room, "filter", name, "ip", deviceIP)
				continue
			}
			for _, d := range existing {
				rec.FilterName = d.Description
				err := u.svc.store.Do(ctx, func(r state.Repository) error {
					if _, ok, err := r.Filter(ctx, d.Description); err != nil || ok {
						return err
					}
					return r.AddFilter(ctx, rec)
				})
				if err != nil {
					return err
				}
				if err := u.UpdateFilterTimestamp(ctx, d.Description, ts); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// RemoveFilter removes the user's filters for a device in a room. Empty
// ip or room match any value.
func (u *User) RemoveFilter(ctx context.Context, deviceIP, room string) error {
	if fw := u.svc.fw; fw != nil {
		var errs []error
		for _, rt := range u.templates() {
			for idx := range rt.set.Filters {
				// names holds the rules that are gone even when err is set
				names, err := fw.RemoveFilter(ctx, firewall.Phrase(u.id, deviceIP, room, rt.role, idx))
				if err != nil {
					errs = append(errs, err)
				}
				for _, name := range names {
					if err := u.svc.store.RemoveFilter(ctx, name); err != nil {
						return err
					}
					u.svc.logger.Infow("filter removed", "user", u.id, "filter", name)
				}
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("remove filters of %s: %w", u.id, err)
		}
	}
	// records whose rule is already gone from the firewall
	_, err := u.svc.store.RemoveFilters(ctx, entity.FilterQuery{UserID: u.id, RoomName: room, DeviceIP: deviceIP})
	return err
}

// RemoveFilterByName removes one filter from the firewall and the store.
func (u *User) RemoveFilterByName(ctx context.Context, name string) error {
	if fw := u.svc.fw; fw != nil {
		if _, err := fw.RemoveFilter(ctx, name); err != nil {
			return fmt.Errorf("remove filter %s: %w", name, err)
		}
	}
	if err := u.svc.store.RemoveFilter(ctx, name); err != nil {
		return err
	}
	u.svc.logger.Infow("filter removed", "user", u.id, "filter", name)
	return nil
}

// Filter returns one of the user's filter records.
func (u *User) Filter(ctx context.Context, name string) (entity.FilterRecord, bool, error) {
	rec, ok, err := u.svc.store.Filter(ctx, name)
	if err != nil || !ok || rec.UserID != u.id {
		return entity.FilterRecord{}, false, err
	}
	return rec, true, nil
}

// SearchFilters lists the user's filters; empty or entity.AnyField fields
// match everything.
func (u *User) SearchFilters(ctx context.Context, room, deviceName, deviceIP string) ([]entity.FilterRecord, error) {
	return u.svc.store.Filters(ctx, entity.FilterQuery{UserID: u.id, RoomName: room, DeviceName: deviceName, DeviceIP: deviceIP})
}

func (u *User) FilterTimestamp(ctx context.Context, name string) (entity.Timestamp, bool, error) {
	rec, ok, err := u.Filter(ctx, name)
	return rec.Timestamp, ok, err
}

// UpdateFilterTimestamp stores ts and, unless ts is paused, reschedules the
// filter's expiry.
func (u *User) UpdateFilterTimestamp(ctx context.Context, name string, ts entity.Timestamp) error {
	rec, ok, err := u.svc.store.UpdateFilterTimestamp(ctx, name, ts)
	if err != nil {
		return err
	}
	if ok && !ts.Paused {
		u.svc.filterChanged(rec)
	}
	return nil
}

func (u *User) UpdateFilterRenewal(ctx context.Context, name string, amount int) error {
	_, _, err := u.svc.store.UpdateFilterRenewal(ctx, name, amount)
	return err
}

// FilterNames lists the deterministic names of the device's filters in room
// across every role template.
func (u *User) FilterNames(room, deviceIP string) []string {
	var names []string
	for _, rt := range u.templates() {
		for idx := range rt.set.Filters {
			names = append(names, firewall.FilterName(u.id, room, deviceIP, rt.role, idx))
		}
	}
	return names
}

// SetAutoLock marks the device's filters in room as locked by the system
// rather than the user.
func (u *User) SetAutoLock(ctx context.Context, room, deviceIP string, locked bool) error {
	var errs []error
	for _, name := range u.FilterNames(room, deviceIP) {
		if _, _, err := u.svc.store.UpdateFilterAutoLock(ctx, name, locked); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *User) IsFilterAutoLocked(ctx context.Context, name string) (bool, error) {
	rec, ok, err := u.Filter(ctx, name)
	return ok && rec.AutoLocked, err
}

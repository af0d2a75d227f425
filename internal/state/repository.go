package state

import (
	"context"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
)

// Repository is the capability set over the three presence collections.
//
// Lookups of absent records report found=false rather than an error, and
// updates of absent keys are no-ops that report ok=false. Implementations
// need not be safe for concurrent use: Store serialises every call.
type Repository interface {
	AddUser(ctx context.Context, u entity.ActiveUser) error
	RemoveUser(ctx context.Context, userID string) error
	User(ctx context.Context, userID string) (entity.ActiveUser, bool, error)
	Users(ctx context.Context) ([]entity.ActiveUser, error)

	// AddAttendance inserts the record or, when (user, room) already exists,
	// refreshes its timestamp and room DN while keeping LogonAllowed.
	AddAttendance(ctx context.Context, a entity.RoomAttendance) (entity.RoomAttendance, error)
	RemoveAttendance(ctx context.Context, userID, room string) error
	// Attendance lists records for userID and room; entity.AnyField or ""
	// matches every value of that field.
	Attendance(ctx context.Context, userID, room string) ([]entity.RoomAttendance, error)
	UpdateRoomTimestamp(ctx context.Context, userID, room string, ts entity.Timestamp) (entity.RoomAttendance, bool, error)
	UpdateRoomLogon(ctx context.Context, userID, room string, allowed bool) (entity.RoomAttendance, bool, error)

	// AddFilter inserts or replaces the record keyed by FilterName.
	AddFilter(ctx context.Context, f entity.FilterRecord) error
	RemoveFilter(ctx context.Context, name string) error
	RemoveFilters(ctx context.Context, q entity.FilterQuery) ([]string, error)
	Filter(ctx context.Context, name string) (entity.FilterRecord, bool, error)
	Filters(ctx context.Context, q entity.FilterQuery) ([]entity.FilterRecord, error)
	UpdateFilterTimestamp(ctx context.Context, name string, ts entity.Timestamp) (entity.FilterRecord, bool, error)
	UpdateFilterAutoLock(ctx context.Context, name string, locked bool) (entity.FilterRecord, bool, error)
	UpdateFilterRenewal(ctx context.Context, name string, amount int) (entity.FilterRecord, bool, error)
}

// Snapshot is a point-in-time copy of every collection.
type Snapshot struct {
	Users   []entity.ActiveUser     `json:"users"`
	Rooms   []entity.RoomAttendance `json:"rooms"`
	Filters []entity.FilterRecord   `json:"filters"`
}

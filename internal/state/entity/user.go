package entity

import "strings"

// AnyField matches every value in store searches.
const AnyField = "any"

// ActiveUser is a user whose presence has been detected in at least one room.
type ActiveUser struct {
	UserID string   `json:"user_id"`
	DN     string   `json:"dn"`
	Roles  []string `json:"roles"`
}

// RoomAttendance records that a user is inside a tracked room.
type RoomAttendance struct {
	UserID       string    `json:"user_id"`
	RoomName     string    `json:"room_name"`
	RoomDN       string    `json:"room_dn"`
	Timestamp    Timestamp `json:"timestamp"`
	LogonAllowed bool      `json:"logon_allowed"`
}

// FilterRecord tracks one firewall rule provisioned for a user's device in a room.
type FilterRecord struct {
	FilterName    string    `json:"filter_name"`
	UserID        string    `json:"user_id"`
	Role          string    `json:"role"`
	RoomName      string    `json:"room_name"`
	DeviceName    string    `json:"device_name"`
	DeviceIP      string    `json:"device_ip"`
	Timestamp     Timestamp `json:"timestamp"`
	AutoLocked    bool      `json:"auto_locked"`
	RenewalAmount int       `json:"renewal_amount"`
	// Conf is the JSON-serialised rule template the filter was created from.
	Conf string `json:"conf"`
}

// FilterQuery selects filters by owner, room and device. Empty or AnyField
// fields match everything.
type FilterQuery struct {
	UserID     string
	RoomName   string
	DeviceName string
	DeviceIP   string
}

// Matches reports whether f satisfies every set field of q.
func (q FilterQuery) Matches(f FilterRecord) bool {
	return fieldMatches(q.UserID, f.UserID) &&
		fieldMatches(q.RoomName, f.RoomName) &&
		fieldMatches(q.DeviceName, f.DeviceName) &&
		fieldMatches(q.DeviceIP, f.DeviceIP)
}

func fieldMatches(want, got string) bool {
	return want == "" || want == AnyField || want == got
}

// NormalizeID lower-cases and trims an identifier or room name.
func NormalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
)

// SQLRepo is a Repository persisted in postgres or sqlite through sqlx.
// Queries are written with '?' placeholders and rebound per driver.
type SQLRepo struct {
	db *sqlx.DB
}

func NewSQLRepo(db *sqlx.DB) *SQLRepo { return &SQLRepo{db: db} }

var _ state.Repository = (*SQLRepo)(nil)

// EnsureTable creates the presence tables if they do not exist (idempotent).
func (r *SQLRepo) EnsureTable(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS porch_users (
  user_id TEXT PRIMARY KEY,
  dn TEXT NOT NULL DEFAULT '',
  roles TEXT NOT NULL DEFAULT '[]'
)`,
		`CREATE TABLE IF NOT EXISTS porch_rooms (
  user_id TEXT NOT NULL,
  room_name TEXT NOT NULL,
  room_dn TEXT NOT NULL DEFAULT '',
  ts_millis BIGINT NOT NULL DEFAULT 0,
  ts_paused BOOLEAN NOT NULL DEFAULT FALSE,
  logon_allowed BOOLEAN NOT NULL DEFAULT FALSE,
  PRIMARY KEY (user_id, room_name)
)`,
		`CREATE TABLE IF NOT EXISTS porch_filters (
  filter_name TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT '',
  room_name TEXT NOT NULL,
  device_name TEXT NOT NULL DEFAULT '',
  device_ip TEXT NOT NULL DEFAULT '',
  ts_millis BIGINT NOT NULL DEFAULT 0,
  ts_paused BOOLEAN NOT NULL DEFAULT FALSE,
  auto_locked BOOLEAN NOT NULL DEFAULT FALSE,
  renewal_amount INTEGER NOT NULL DEFAULT 0,
  conf TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_porch_filters_user_room ON porch_filters (user_id, room_name)`,
	}
	for _, stmt := range ddl {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure presence tables: %w", err)
		}
	}
	return nil
}

type userRow struct {
	UserID string `db:"user_id"`
	DN     string `db:"dn"`
	Roles  string `db:"roles"`
}

type roomRow struct {
	UserID       string `db:"user_id"`
	RoomName     string `db:"room_name"`
	RoomDN       string `db:"room_dn"`
	TsMillis     int64  `db:"ts_millis"`
	TsPaused     bool   `db:"ts_paused"`
	LogonAllowed bool   `db:"logon_allowed"`
}

func (row roomRow) entity() entity.RoomAttendance {
	return entity.RoomAttendance{
		UserID:       row.UserID,
		RoomName:     row.RoomName,
		RoomDN:       row.RoomDN,
		Timestamp:    entity.Timestamp{Millis: row.TsMillis, Paused: row.TsPaused},
		LogonAllowed: row.LogonAllowed,
	}
}

type filterRow struct {
	FilterName    string `db:"filter_name"`
	UserID        string `db:"user_id"`
	Role          string `db:"role"`
	RoomName      string `db:"room_name"`
	DeviceName    string `db:"device_name"`
	DeviceIP      string `db:"device_ip"`
	TsMillis      int64  `db:"ts_millis"`
	TsPaused      bool   `db:"ts_paused"`
	AutoLocked    bool   `db:"auto_locked"`
	RenewalAmount int    `db:"renewal_amount"`
	Conf          string `db:"conf"`
}

func (row filterRow) entity() entity.FilterRecord {
	return entity.FilterRecord{
		FilterName:    row.FilterName,
		UserID:        row.UserID,
		Role:          row.Role,
		RoomName:      row.RoomName,
		DeviceName:    row.DeviceName,
		DeviceIP:      row.DeviceIP,
		Timestamp:     entity.Timestamp{Millis: row.TsMillis, Paused: row.TsPaused},
		AutoLocked:    row.AutoLocked,
		RenewalAmount: row.RenewalAmount,
		Conf:          row.Conf,
	}
}

const (
	roomColumns   = `user_id, room_name, room_dn, ts_millis, ts_paused, logon_allowed`
	filterColumns = `filter_name, user_id, role, room_name, device_name, device_ip, ts_millis, ts_paused, auto_locked, renewal_amount, conf`
)

func (r *SQLRepo) AddUser(ctx context.Context, u entity.ActiveUser) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}
	q := r.db.Rebind(`INSERT INTO porch_users (user_id, dn, roles) VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET dn = excluded.dn, roles = excluded.roles`)
	_, err = r.db.ExecContext(ctx, q, u.UserID, u.DN, string(roles))
	return err
}

func (r *SQLRepo) RemoveUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM porch_users WHERE user_id = ?`), userID)
	return err
}

func (r *SQLRepo) User(ctx context.Context, userID string) (entity.ActiveUser, bool, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT user_id, dn, roles FROM porch_users WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.ActiveUser{}, false, nil
	}
	if err != nil {
		return entity.ActiveUser{}, false, err
	}
	u, err := row.entity()
	return u, err == nil, err
}

func (row userRow) entity() (entity.ActiveUser, error) {
	u := entity.ActiveUser{UserID: row.UserID, DN: row.DN}
	if row.Roles != "" {
		if err := json.Unmarshal([]byte(row.Roles), &u.Roles); err != nil {
			return entity.ActiveUser{}, fmt.Errorf("decode roles for %s: %w", row.UserID, err)
		}
	}
	return u, nil
}

func (r *SQLRepo) Users(ctx context.Context) ([]entity.ActiveUser, error) {
	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT user_id, dn, roles FROM porch_users ORDER BY user_id`); err != nil {
		return nil, err
	}
	out := make([]entity.ActiveUser, 0, len(rows))
	for _, row := range rows {
		u, err := row.entity()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *SQLRepo) AddAttendance(ctx context.Context, a entity.RoomAttendance) (entity.RoomAttendance, error) {
	q := r.db.Rebind(`INSERT INTO porch_rooms (` + roomColumns + `) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, room_name) DO UPDATE SET room_dn = excluded.room_dn, ts_millis = excluded.ts_millis, ts_paused = excluded.ts_paused`)
	if _, err := r.db.ExecContext(ctx, q, a.UserID, a.RoomName, a.RoomDN, a.Timestamp.Millis, a.Timestamp.Paused, a.LogonAllowed); err != nil {
		return entity.RoomAttendance{}, err
	}
	got, _, err := r.room(ctx, a.UserID, a.RoomName)
	return got, err
}

func (r *SQLRepo) RemoveAttendance(ctx context.Context, userID, room string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM porch_rooms WHERE user_id = ? AND room_name = ?`), userID, room)
	return err
}

func (r *SQLRepo) room(ctx context.Context, userID, room string) (entity.RoomAttendance, bool, error) {
	var row roomRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+roomColumns+` FROM porch_rooms WHERE user_id = ? AND room_name = ?`), userID, room)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.RoomAttendance{}, false, nil
	}
	if err != nil {
		return entity.RoomAttendance{}, false, err
	}
	return row.entity(), true, nil
}

func (r *SQLRepo) Attendance(ctx context.Context, userID, room string) ([]entity.RoomAttendance, error) {
	var w where
	w.eq("user_id", userID)
	w.eq("room_name", room)
	var rows []roomRow
	q := r.db.Rebind(`SELECT ` + roomColumns + ` FROM porch_rooms` + w.sql() + ` ORDER BY user_id, room_name`)
	if err := r.db.SelectContext(ctx, &rows, q, w.args...); err != nil {
		return nil, err
	}
	out := make([]entity.RoomAttendance, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.entity())
	}
	return out, nil
}

func (r *SQLRepo) UpdateRoomTimestamp(ctx context.Context, userID, room string, ts entity.Timestamp) (entity.RoomAttendance, bool, error) {
	q := r.db.Rebind(`UPDATE porch_rooms SET ts_millis = ?, ts_paused = ? WHERE user_id = ? AND room_name = ?`)
	return r.updateRoom(ctx, userID, room, q, ts.Millis, ts.Paused, userID, room)
}

func (r *SQLRepo) UpdateRoomLogon(ctx context.Context, userID, room string, allowed bool) (entity.RoomAttendance, bool, error) {
	q := r.db.Rebind(`UPDATE porch_rooms SET logon_allowed = ? WHERE user_id = ? AND room_name = ?`)
	return r.updateRoom(ctx, userID, room, q, allowed, userID, room)
}

func (r *SQLRepo) updateRoom(ctx context.Context, userID, room, q string, args ...any) (entity.RoomAttendance, bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return entity.RoomAttendance{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return entity.RoomAttendance{}, false, err
	}
	return r.room(ctx, userID, room)
}

func (r *SQLRepo) AddFilter(ctx context.Context, f entity.FilterRecord) error {
	q := r.db.Rebind(`INSERT INTO porch_filters (` + filterColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (filter_name) DO UPDATE SET user_id = excluded.user_id, role = excluded.role, room_name = excluded.room_name,
  device_name = excluded.device_name, device_ip = excluded.device_ip, ts_millis = excluded.ts_millis, ts_paused = excluded.ts_paused,
  auto_locked = excluded.auto_locked, renewal_amount = excluded.renewal_amount, conf = excluded.conf`)
	_, err := r.db.ExecContext(ctx, q, f.FilterName, f.UserID, f.Role, f.RoomName, f.DeviceName, f.DeviceIP,
		f.Timestamp.Millis, f.Timestamp.Paused, f.AutoLocked, f.RenewalAmount, f.Conf)
	return err
}

func (r *SQLRepo) RemoveFilter(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM porch_filters WHERE filter_name = ?`), name)
	return err
}

func (r *SQLRepo) RemoveFilters(ctx context.Context, q entity.FilterQuery) ([]string, error) {
	w := filterWhere(q)
	var names []string
	if err := r.db.SelectContext(ctx, &names, r.db.Rebind(`SELECT filter_name FROM porch_filters`+w.sql()+` ORDER BY filter_name`), w.args...); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM porch_filters`+w.sql()), w.args...); err != nil {
		return nil, err
	}
	return names, nil
}

func (r *SQLRepo) Filter(ctx context.Context, name string) (entity.FilterRecord, bool, error) {
	var row filterRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+filterColumns+` FROM porch_filters WHERE filter_name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.FilterRecord{}, false, nil
	}
	if err != nil {
		return entity.FilterRecord{}, false, err
	}
	return row.entity(), true, nil
}

func (r *SQLRepo) Filters(ctx context.Context, q entity.FilterQuery) ([]entity.FilterRecord, error) {
	w := filterWhere(q)
	var rows []filterRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT `+filterColumns+` FROM porch_filters`+w.sql()+` ORDER BY filter_name`), w.args...); err != nil {
		return nil, err
	}
	out := make([]entity.FilterRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.entity())
	}
	return out, nil
}

func (r *SQLRepo) UpdateFilterTimestamp(ctx context.Context, name string, ts entity.Timestamp) (entity.FilterRecord, bool, error) {
	return r.updateFilter(ctx, name, `ts_millis = ?, ts_paused = ?`, ts.Millis, ts.Paused)
}

func (r *SQLRepo) UpdateFilterAutoLock(ctx context.Context, name string, locked bool) (entity.FilterRecord, bool, error) {
	return r.updateFilter(ctx, name, `auto_locked = ?`, locked)
}

func (r *SQLRepo) UpdateFilterRenewal(ctx context.Context, name string, amount int) (entity.FilterRecord, bool, error) {
	return r.updateFilter(ctx, name, `renewal_amount = ?`, max(amount, 0))
}

func (r *SQLRepo) updateFilter(ctx context.Context, name, set string, args ...any) (entity.FilterRecord, bool, error) {
	q := r.db.Rebind(`UPDATE porch_filters SET ` + set + ` WHERE filter_name = ?`)
	res, err := r.db.ExecContext(ctx, q, append(args, name)...)
	if err != nil {
		return entity.FilterRecord{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return entity.FilterRecord{}, false, err
	}
	return r.Filter(ctx, name)
}

// where accumulates equality predicates, skipping wildcard values.
type where struct {
	clauses []string
	args    []any
}

func (w *where) eq(col, v string) {
	if v == "" || v == entity.AnyField {
		return
	}
	w.clauses = append(w.clauses, col+" = ?")
	w.args = append(w.args, v)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func filterWhere(q entity.FilterQuery) *where {
	w := &where{}
	w.eq("user_id", q.UserID)
	w.eq("room_name", q.RoomName)
	w.eq("device_name", q.DeviceName)
	w.eq("device_ip", q.DeviceIP)
	return w
}

package state

import (
	"context"
	"errors"
	"sync"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("state store closed")

type command struct {
	fn   func(Repository) error
	err  error
	done chan struct{}
}

// Store serialises every Repository call through a single worker goroutine,
// so operations complete atomically and in submission order. Store itself
// satisfies Repository; use Do for compound operations that must not
// interleave with other callers.
type Store struct {
	repo Repository
	cmds chan *command
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New starts the worker over repo.
func New(repo Repository) *Store {
	s := &Store{
		repo: repo,
		cmds: make(chan *command),
		quit: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

var _ Repository = (*Store)(nil)

func (s *Store) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case c := <-s.cmds:
			c.err = c.fn(s.repo)
			close(c.done)
		}
	}
}

// Close stops the worker. Pending submitters receive ErrClosed.
func (s *Store) Close() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}

// Do runs fn on the worker with exclusive access to the backing repository.
// fn must only use the Repository it is given; calling back into the Store
// from fn deadlocks.
//
// Once fn has been accepted Do waits for it to finish even if ctx is
// cancelled, so results captured by fn are always safe to read.
func (s *Store) Do(ctx context.Context, fn func(Repository) error) error {
	c := &command{fn: fn, done: make(chan struct{})}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	case s.cmds <- c:
	}
	<-c.done
	return c.err
}

// Snapshot copies every collection atomically.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.Do(ctx, func(r Repository) error {
		var err error
		if snap.Users, err = r.Users(ctx); err != nil {
			return err
		}
		if snap.Rooms, err = r.Attendance(ctx, entity.AnyField, entity.AnyField); err != nil {
			return err
		}
		snap.Filters, err = r.Filters(ctx, entity.FilterQuery{})
		return err
	})
	return snap, err
}

func call[T any](ctx context.Context, s *Store, fn func(Repository) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, func(r Repository) error {
		var err error
		out, err = fn(r)
		return err
	})
	return out, err
}

type found[T any] struct {
	v  T
	ok bool
}

func lookup[T any](ctx context.Context, s *Store, fn func(Repository) (T, bool, error)) (T, bool, error) {
	res, err := call(ctx, s, func(r Repository) (found[T], error) {
		v, ok, err := fn(r)
		return found[T]{v, ok}, err
	})
	return res.v, res.ok, err
}

func (s *Store) AddUser(ctx context.Context, u entity.ActiveUser) error {
	return s.Do(ctx, func(r Repository) error { return r.AddUser(ctx, u) })
}

func (s *Store) RemoveUser(ctx context.Context, userID string) error {
	return s.Do(ctx, func(r Repository) error { return r.RemoveUser(ctx, userID) })
}

func (s *Store) User(ctx context.Context, userID string) (entity.ActiveUser, bool, error) {
	return lookup(ctx, s, func(r Repository) (entity.ActiveUser, bool, error) { return r.User(ctx, userID) })
}

func (s *Store) Users(ctx context.Context) ([]entity.ActiveUser, error) {
	return call(ctx, s, func(r Repository) ([]entity.ActiveUser, error) { return r.Users(ctx) })
}

func (s *Store) AddAttendance(ctx context.Context, a entity.RoomAttendance) (entity.RoomAttendance, error) {
	return call(ctx, s, func(r Repository) (entity.RoomAttendance, error) { return r.AddAttendance(ctx, a) })
}

func (s *Store) RemoveAttendance(ctx context.Context, userID, room string) error {
	return s.Do(ctx, func(r Repository) error { return r.RemoveAttendance(ctx, userID, room) })
}

func (s *Store) Attendance(ctx context.Context, userID, room string) ([]entity.RoomAttendance, error) {
	return call(ctx, s, func(r Repository) ([]entity.RoomAttendance, error) { return r.Attendance(ctx, userID, room) })
}

func (s *Store) UpdateRoomTimestamp(ctx context.Context, userID, room string, ts entity.Timestamp) (entity.RoomAttendance, bool, error) {
	return lookup(ctx, s, func(r Repository) (entity.RoomAttendance, bool, error) {
		return r.UpdateRoomTimestamp(ctx, userID, room, ts)
	})
}

func (s *Store) UpdateRoomLogon(ctx context.Context, userID, room string, allowed bool) (entity.RoomAttendance, bool, error) {
	return lookup(ctx, s, func(r Repository) (entity.RoomAttendance, bool, error) {
		return r.UpdateRoomLogon(ctx, userID, room, allowed)
	})
}

func (s *Store) AddFilter(ctx context.Context, f entity.FilterRecord) error {
	return s.Do(ctx, func(r Repository) error { return r.AddFilter(ctx, f) })
}

func (s *Store) RemoveFilter(ctx context.Context, name string) error {
	return s.Do(ctx, func(r Repository) error { return r.RemoveFilter(ctx, name) })
}

func (s *Store) RemoveFilters(ctx context.Context, q entity.FilterQuery) ([]string, error) {
	return call(ctx, s, func(r Repository) ([]string, error) { return r.RemoveFilters(ctx, q) })
}

func (s *Store) Filter(ctx context.Context, name string) (entity.FilterRecord, bool, error) {
	return lookup(ctx, s, func(r Repository) (entity.FilterRecord, bool, error) { return r.Filter(ctx, name) })
}

func (s *Store) Filters(ctx context.Context, q entity.FilterQuery) ([]entity.FilterRecord, error) {
	return call(ctx, s, func(r Repository) ([]entity.FilterRecord, error) { return r.Filters(ctx, q) })
}

func (s *Store) UpdateFilterTimestamp(ctx context.Context, name string, ts entity.Timestamp) (entity.FilterRecord, bool, error) {
	return lookup(ctx, s, func(r Repository) (entity.FilterRecord, bool, error) {
		return r.UpdateFilterTimestamp(ctx, name, ts)
	})
}

func (s *Store) UpdateFilterAutoLock(ctx context.Context, name string, locked bool) (entity.FilterRecord, bool, error) {
	return lookup(ctx, s, func(r Repository) (entity.FilterRecord, bool, error) {
		return r.UpdateFilterAutoLock(ctx, name, locked)
	})
}

func (s *Store) UpdateFilterRenewal(ctx context.Context, name string, amount int) (entity.FilterRecord, bool, error) {
	return lookup(ctx, s, func(r Repository) (entity.FilterRecord, bool, error) {
		return r.UpdateFilterRenewal(ctx, name, amount)
	})
}

// Package inspector expires stale room attendance and filters. It consumes
// change notifications from the user layer, keeps one expiry queue per
// record kind and revokes access once a record outlives its timeout.
package inspector

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/user"
)

const (
	kindRoom   = "room"
	kindFilter = "filter"
)

// RetryDelay is how long a failed expiry waits before it is dispatched again.
const RetryDelay = time.Minute

// Options wires an Inspector. Resolver and Metrics are optional.
type Options struct {
	Users       *user.Service
	Environment *config.Environment
	Resolver    firewall.Resolver
	// ImplicitTrust grants routed rooms at boot without requiring the route.
	ImplicitTrust bool
	Metrics       *metrics.Metrics
	Logger        *zap.SugaredLogger
}

type change struct {
	room   *entity.RoomAttendance
	filter *entity.FilterRecord
}

// Inspector is the reconciliation engine. Run owns both queues; the
// notification methods may be called from any goroutine.
type Inspector struct {
	users    *user.Service
	store    *state.Store
	fw       firewall.Firewall
	env      *config.Environment
	resolver firewall.Resolver
	implicit bool
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	changes *mailbox[change]
	rooms   expiryQueue[entity.RoomAttendance]
	filters expiryQueue[entity.FilterRecord]
}

var _ user.Notifier = (*Inspector)(nil)

// New builds an Inspector and registers it as the user layer's notifier.
func New(o Options) *Inspector {
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	i := &Inspector{
		users:    o.Users,
		store:    o.Users.Store(),
		fw:       o.Users.Firewall(),
		env:      o.Environment,
		resolver: o.Resolver,
		implicit: o.ImplicitTrust || o.Environment.Common.ImplicitTrustAtBoot,
		clock:    o.Users.Clock(),
		metrics:  o.Metrics,
		logger:   o.Logger,
		changes:  newMailbox[change](),
	}
	o.Users.SetNotifier(i)
	return i
}

func (i *Inspector) RoomChanged(rec entity.RoomAttendance) {
	i.changes.put(change{room: &rec})
}

func (i *Inspector) FilterChanged(rec entity.FilterRecord) {
	i.changes.put(change{filter: &rec})
}

// Run dispatches expiries until ctx is done. It sleeps until the earliest
// expiry or the next notification, whichever comes first.
func (i *Inspector) Run(ctx context.Context) error {
	i.logger.Infow("inspector started")
	for {
		i.Step(ctx)

		var fire <-chan time.Time
		var timer clockwork.Timer
		if at, ok := i.nextExpiry(); ok {
			timer = i.clock.NewTimer(at.Sub(i.clock.Now()))
			fire = timer.Chan()
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			i.logger.Infow("inspector stopped")
			return ctx.Err()
		case <-i.changes.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Step schedules queued notifications and dispatches every expiry that is
// due. A failed expiry is queued again after RetryDelay. It returns the
// number of expiries dispatched.
func (i *Inspector) Step(ctx context.Context) int {
	i.schedule()
	n := 0
	for {
		now := i.clock.Now()
		if ev, ok := i.rooms.popDue(now); ok {
			outcome := i.expireRoom(ctx, ev)
			if outcome == metrics.OutcomeFailed {
				i.rooms.schedule(now.Add(RetryDelay), ev)
			}
			i.metrics.Expired(kindRoom, outcome)
			n++
			// handlers publish new changes; pick them up before the next pop
			i.schedule()
			continue
		}
		if ev, ok := i.filters.popDue(now); ok {
			outcome := i.expireFilter(ctx, ev)
			if outcome == metrics.OutcomeFailed {
				i.filters.schedule(now.Add(RetryDelay), ev)
			}
			i.metrics.Expired(kindFilter, outcome)
			n++
			i.schedule()
			continue
		}
		break
	}
	i.metrics.Pending(kindRoom, i.rooms.Len())
	i.metrics.Pending(kindFilter, i.filters.Len())
	return n
}

// Pending returns the number of scheduled room and filter expiries.
func (i *Inspector) Pending() (rooms, filters int) {
	return i.rooms.Len(), i.filters.Len()
}

func (i *Inspector) nextExpiry() (time.Time, bool) {
	r, rok := i.rooms.next()
	f, fok := i.filters.next()
	switch {
	case rok && fok:
		if f.Before(r) {
			return f, true
		}
		return r, true
	case rok:
		return r, true
	default:
		return f, fok
	}
}

// schedule moves notifications into the expiry queues. Records with a
// zero timeout or a paused timestamp are dropped.
func (i *Inspector) schedule() {
	for _, c := range i.changes.take() {
		switch {
		case c.room != nil:
			timeout := i.env.RoomTimeout(c.room.RoomName)
			if timeout == 0 || c.room.Timestamp.Paused {
				continue
			}
			i.rooms.schedule(c.room.Timestamp.Time().Add(timeout), *c.room)
		case c.filter != nil:
			if i.fw == nil || c.filter.Timestamp.Paused {
				continue
			}
			minutes := i.users.Filtersets()[c.filter.Role].Timeout
			if minutes == 0 {
				continue
			}
			i.filters.schedule(c.filter.Timestamp.Time().Add(time.Duration(minutes)*time.Minute), *c.filter)
		}
	}
}

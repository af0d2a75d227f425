package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/user"
)

// expireFilter handles a due filter expiry and reports its outcome.
func (i *Inspector) expireFilter(ctx context.Context, ev entity.FilterRecord) string {
	log := i.logger.With("user", ev.UserID, "filter", ev.FilterName)
	rec, ok, err := i.store.Filter(ctx, ev.FilterName)
	switch {
	case err != nil:
		log.Errorw("filter lookup failed", "err", err)
		return metrics.OutcomeFailed
	case !ok:
		return metrics.OutcomeAbsent
	case rec.Timestamp.Paused:
		return metrics.OutcomePaused
	case rec.Timestamp.Newer(ev.Timestamp):
		return metrics.OutcomeStale
	}
	u, err := i.users.Get(ctx, rec.UserID)
	if err != nil {
		log.Errorw("filter owner lookup failed", "err", err)
		return metrics.OutcomeFailed
	}
	if rec.RenewalAmount > 0 && i.sessionInProgress(ctx, rec) {
		now := i.users.Now()
		err := errors.Join(
			u.UpdateFilterRenewal(ctx, rec.FilterName, rec.RenewalAmount-1),
			u.UpdateFilterTimestamp(ctx, rec.FilterName, now),
		)
		if chain, ok := i.users.Routes().To(rec.RoomName); ok {
			for _, room := range chain {
				err = errors.Join(err, u.UpdateRoomTimestamp(ctx, room, now))
			}
		}
		if err != nil {
			log.Errorw("filter renewal failed", "err", err)
			return metrics.OutcomeFailed
		}
		log.Infow("filter renewed by active session", "left", rec.RenewalAmount-1)
		return metrics.OutcomeRenewed
	}
	log.Infow("removing filter after timeout")
	if err := u.RemoveFilterByName(ctx, rec.FilterName); err != nil {
		log.Errorw("filter removal failed", "err", err)
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeRemoved
}

// sessionInProgress reports whether the filter's device holds a live
// session with any monitored service of its role. Port 0 matches any port.
func (i *Inspector) sessionInProgress(ctx context.Context, rec entity.FilterRecord) bool {
	var rule firewall.Rule
	if err := json.Unmarshal([]byte(rec.Conf), &rule); err != nil {
		i.logger.Warnw("undecodable filter configuration", "filter", rec.FilterName, "err", err)
		return false
	}
	services := i.users.Filtersets()[rec.Role].MonitoredServices
	addrs := make([]string, 0, len(services))
	for addr := range services {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)

	for _, addr := range addrs {
		port := services[addr]
		svc, err := firewall.ResolveHost(ctx, i.resolver, addr)
		if err != nil {
			i.logger.Warnw("monitored service unresolved", "service", addr, "err", err)
			continue
		}
		for st, err := range i.fw.States(ctx, rec.DeviceIP, rule) {
			if err != nil {
				i.logger.Warnw("state query failed", "filter", rec.FilterName, "err", err)
				break
			}
			if port != 0 {
				if p, err := strconv.Atoi(strings.TrimSpace(st.DstPort)); err != nil || p != port {
					continue
				}
			}
			if st.DstAddr == svc.String() {
				return true
			}
		}
	}
	return false
}

// expireRoom handles a due attendance expiry and reports its outcome.
func (i *Inspector) expireRoom(ctx context.Context, ev entity.RoomAttendance) string {
	log := i.logger.With("user", ev.UserID, "room", ev.RoomName)
	u, err := i.users.Get(ctx, ev.UserID)
	if err != nil {
		log.Errorw("room owner lookup failed", "err", err)
		return metrics.OutcomeFailed
	}
	ts, ok, err := u.RoomTimestamp(ctx, ev.RoomName)
	switch {
	case err != nil:
		log.Errorw("room lookup failed", "err", err)
		return metrics.OutcomeFailed
	case !ok:
		return metrics.OutcomeAbsent
	case ts.Paused:
		return metrics.OutcomePaused
	case ts.Newer(ev.Timestamp):
		return metrics.OutcomeStale
	}
	log.Infow("revoking room after timeout")
	if err := i.RevokeRoom(ctx, u, ev.RoomName); err != nil {
		log.Errorw("room revocation failed", "err", err)
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeRemoved
}

// RevokeRoom takes the user out of room and cascades along the routes it
// belongs to. A room that leads further along a route loses its logon and
// device filters. A terminal room also clears the rest of every chain it
// ends. A user left without any room is deactivated.
func (i *Inspector) RevokeRoom(ctx context.Context, u *user.User, room string) error {
	routes := i.users.Routes()
	log := i.logger.With("user", u.ID(), "room", room)

	in, err := u.IsInRoom(ctx, room)
	if err != nil {
		return err
	}
	if in {
		if routes.HasForward(room) {
			if err := u.DenyLogon(ctx, room); err != nil {
				return err
			}
			recs, err := u.SearchFilters(ctx, room, entity.AnyField, entity.AnyField)
			if err != nil {
				return err
			}
			var ips []string
			for _, r := range recs {
				if !slices.Contains(ips, r.DeviceIP) {
					ips = append(ips, r.DeviceIP)
				}
			}
			for _, ip := range ips {
				if err := u.RemoveFilter(ctx, ip, room); err != nil {
					return err
				}
			}
		} else {
			for _, target := range routes.Containing(room) {
				if err := i.revokeChain(ctx, u, target, room); err != nil {
					return err
				}
			}
		}
		if err := u.RemoveRoom(ctx, room); err != nil {
			return err
		}
		log.Infow("room attendance removed")
	}

	present, err := u.IsPresent(ctx)
	if err != nil || !present {
		return err
	}
	if in, err := u.IsInRoom(ctx, entity.AnyField); err != nil || in {
		return err
	}
	if err := u.RemoveFilter(ctx, "", ""); err != nil {
		return err
	}
	if err := u.Deactivate(ctx); err != nil {
		return err
	}
	log.Infow("user deactivated")
	return nil
}

// revokeChain withdraws logon to target and removes every other room of its
// chain except the expiring one.
func (i *Inspector) revokeChain(ctx context.Context, u *user.User, target, expiring string) error {
	in, err := u.IsInRoom(ctx, target)
	if err != nil || !in {
		return err
	}
	if err := u.DenyLogon(ctx, target); err != nil {
		return err
	}
	if err := u.RemoveFilter(ctx, "", target); err != nil {
		return err
	}
	chain, _ := i.users.Routes().To(target)
	for _, room := range chain {
		if room == expiring {
			continue
		}
		err := u.RemoveRoom(ctx, room)
		if errors.Is(err, user.ErrNoRoomsFound) {
			i.logger.Warnw("route room missing from directory", "user", u.ID(), "room", room, "err", err)
			continue
		}
		if err != nil {
			return err
		}
		i.logger.Infow("room attendance removed along route", "user", u.ID(), "room", room, "expiring", expiring)
	}
	return nil
}

// TimeoutKind selects which timestamps UpdateTimeout changes.
type TimeoutKind int

const (
	RoomTimeout TimeoutKind = iota
	RuleTimeout
)

// UpdateTimeout pauses or resumes expiry. RuleTimeout acts on the device's
// filters in room, RoomTimeout on the attendance of room. An empty room is
// derived from ip. Resuming stamps the current time, which schedules a new
// expiry; pausing unschedules nothing but makes pending expiries no-ops.
func (i *Inspector) UpdateTimeout(ctx context.Context, u *user.User, kind TimeoutKind, room, ip string, paused bool) error {
	if room == "" {
		r, err := i.env.RoomForIP(ip)
		if err != nil {
			return err
		}
		room = r
	}
	next := entity.Paused
	if !paused {
		next = i.users.Now()
	}
	switch kind {
	case RuleTimeout:
		if i.fw == nil {
			return nil
		}
		for _, name := range u.FilterNames(room, ip) {
			ts, ok, err := u.FilterTimestamp(ctx, name)
			if err != nil {
				return err
			}
			if !ok || ts.Paused == paused {
				continue
			}
			if err := u.UpdateFilterTimestamp(ctx, name, next); err != nil {
				return err
			}
			i.logger.Infow("filter timeout updated", "user", u.ID(), "filter", name, "paused", paused)
		}
	case RoomTimeout:
		ts, ok, err := u.RoomTimestamp(ctx, room)
		if err != nil || !ok || ts.Paused == paused {
			return err
		}
		if err := u.UpdateRoomTimestamp(ctx, room, next); err != nil {
			return err
		}
		i.logger.Infow("room timeout updated", "user", u.ID(), "room", room, "paused", paused)
	default:
		return fmt.Errorf("unknown timeout kind %d", kind)
	}
	return nil
}

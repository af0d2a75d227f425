package inspector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/user"
)

// Reconcile rebuilds presence state at boot from the directory's room
// memberships and, when a firewall is configured, from the rules left on it.
func (i *Inspector) Reconcile(ctx context.Context) error {
	if err := i.users.LoadRoles(ctx); err != nil {
		return err
	}
	if err := i.CheckDirectory(ctx); err != nil {
		return err
	}
	if i.fw == nil {
		return nil
	}
	return i.CheckFilters(ctx)
}

// CheckDirectory activates every member of every room group. It fails with
// user.ErrNoRoomsFound when the directory holds no room groups at all.
func (i *Inspector) CheckDirectory(ctx context.Context) error {
	schema := i.users.Schema()
	dns, err := i.users.Directory().ResolveDNs(ctx, schema.RoomsFilter())
	if err != nil {
		return fmt.Errorf("list room groups: %w", err)
	}
	if len(dns) == 0 {
		return fmt.Errorf("%w: no room groups match %s", user.ErrNoRoomsFound, schema.RoomsFilter())
	}
	for _, dn := range dns {
		room, err := schema.RoomName(dn)
		if err != nil {
			i.logger.Warnw("skipping malformed room group", "dn", dn, "err", err)
			continue
		}
		members, err := i.users.Directory().GroupMembers(ctx, dn)
		if err != nil {
			return fmt.Errorf("members of %s: %w", dn, err)
		}
		for _, m := range members {
			u, err := i.users.GetByDN(ctx, m)
			if err != nil {
				i.logger.Warnw("skipping room member", "room", room, "member", m, "err", err)
				continue
			}
			if err := i.admit(ctx, u, room); err != nil {
				i.logger.Warnw("boot admission failed", "user", u.ID(), "room", room, "err", err)
				continue
			}
			i.logger.Infow("user restored from directory", "user", u.ID(), "room", room)
		}
	}
	return nil
}

// admit activates u, enters room and applies the route grant.
func (i *Inspector) admit(ctx context.Context, u *user.User, room string) error {
	present, err := u.IsPresent(ctx)
	if err != nil {
		return err
	}
	if !present {
		if err := u.Activate(ctx); err != nil {
			return err
		}
	}
	in, err := u.IsInRoom(ctx, room)
	if err != nil {
		return err
	}
	if !in {
		if err := u.AddRoom(ctx, room); err != nil {
			return err
		}
	}
	return u.GrantRoute(ctx, room, i.implicit)
}

// CheckFilters adopts rules this service created before a restart. The
// owner is admitted to the room of the rule's device and a missing filter
// record is recreated as auto-locked.
func (i *Inspector) CheckFilters(ctx context.Context) error {
	if i.fw == nil {
		return nil
	}
	rules, err := i.fw.SearchFilter(ctx, firewall.NamePrefix)
	if err != nil {
		return fmt.Errorf("list provisioned rules: %w", err)
	}
	hostnames := make(map[string]string)
	for _, d := range rules {
		log := i.logger.With("filter", d.Description)
		info, err := firewall.ParseFilterName(d.Description)
		if err != nil {
			log.Warnw("skipping foreign rule", "err", err)
			continue
		}
		room, err := i.env.RoomForIP(info.IP)
		if err != nil {
			log.Warnw("rule device outside every room", "ip", info.IP, "err", err)
			continue
		}
		u, err := i.users.Get(ctx, info.UserID)
		if err != nil {
			log.Warnw("rule owner unknown", "user", info.UserID, "err", err)
			continue
		}
		if err := i.admit(ctx, u, room); err != nil && !errors.Is(err, user.ErrUserNotInRoom) {
			log.Warnw("rule owner admission failed", "user", u.ID(), "room", room, "err", err)
			continue
		}
		if _, ok, err := u.Filter(ctx, d.Description); err != nil {
			return err
		} else if ok {
			continue
		}
		host, ok := hostnames[info.IP]
		if !ok {
			host = i.hostname(ctx, info.IP)
			hostnames[info.IP] = host
		}
		if err := u.AddFilter(ctx, room, i.users.Now(), host, info.IP); err != nil {
			log.Warnw("rule adoption failed", "err", err)
			continue
		}
		if err := u.SetAutoLock(ctx, room, info.IP, true); err != nil {
			return err
		}
		log.Infow("rule adopted", "user", u.ID(), "room", room, "device", host)
	}
	return nil
}

func (i *Inspector) hostname(ctx context.Context, ip string) string {
	if i.resolver == nil {
		return ip
	}
	names, err := i.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ip
	}
	return strings.TrimSuffix(names[0], ".")
}

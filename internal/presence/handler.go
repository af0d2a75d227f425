package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/inspector"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-porch-go/pkg/utilities"
)

// Metric sources.
const (
	SourceAccess  = "access"
	SourceSession = "session"
)

// Session event kinds reported by workstations.
const (
	LoggedIn     = "loggedIn"
	LoggedOut    = "loggedOut"
	LockedAuto   = "lockedAuto"
	LockedManual = "lockedManual"
	Unlocked     = "unlocked"
)

// ErrInvalidEvent is returned for session events missing a field.
var ErrInvalidEvent = errors.New("invalid session event")

// SessionEvent is one workstation session report.
type SessionEvent struct {
	User     string `json:"user"`
	Hostname string `json:"hostname"`
	IP       string `json:"Ipv4Address"`
	Event    string `json:"event"`
}

// Validate reports missing fields.
func (e SessionEvent) Validate() error {
	var missing []string
	for name, v := range map[string]string{"user": e.User, "hostname": e.Hostname, "Ipv4Address": e.IP, "event": e.Event} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	return nil
}

type Options struct {
	Users       *user.Service
	Inspector   *inspector.Inspector
	Environment *config.Environment
	Parser      *Parser
	Metrics     *metrics.Metrics
	Logger      *zap.SugaredLogger
}

// Handler applies presence events.
type Handler struct {
	users   *user.Service
	insp    *inspector.Inspector
	env     *config.Environment
	parser  *Parser
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

func NewHandler(o Options) *Handler {
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return &Handler{
		users:   o.Users,
		insp:    o.Inspector,
		env:     o.Environment,
		parser:  o.Parser,
		metrics: o.Metrics,
		logger:  o.Logger,
	}
}

// HandleLine parses one access-log line and applies its events. Failures
// are logged; a bad line never stops the follower.
func (h *Handler) HandleLine(ctx context.Context, line string) {
	if h.parser == nil {
		return
	}
	events := h.parser.Parse(line)
	if len(events) == 0 {
		return
	}
	id := utilities.NewSnowflakeID()
	for _, ev := range events {
		if err := h.HandleAccess(ctx, ev); err != nil {
			h.logger.Errorw("access event failed", "event_id", id, "system", ev.System, "user", ev.User, "room", ev.Room, "kind", ev.Kind, "err", err)
		}
	}
}

// HandleAccess applies a physical-access event.
func (h *Handler) HandleAccess(ctx context.Context, ev AccessEvent) error {
	h.metrics.Event(SourceAccess, string(ev.Kind))
	log := h.logger.With("system", ev.System, "user", ev.User, "room", ev.Room)
	if ev.Kind == Unknown {
		log.Warnw("access log entry matched no direction; dropped")
		return nil
	}
	u, err := h.users.Get(ctx, ev.User)
	if errors.Is(err, user.ErrUserNotFound) {
		log.Warnw("access event for unknown user; dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if ev.Kind == Entered {
		return h.entered(ctx, u, ev.Room, log)
	}
	return h.left(ctx, u, ev.Room, log)
}

func (h *Handler) entered(ctx context.Context, u *user.User, room string, log *zap.SugaredLogger) error {
	log.Infow("user entered room")
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
		err := u.AddRoom(ctx, room)
		if errors.Is(err, user.ErrNoRoomsFound) {
			log.Warnw("room has no directory group", "err", err)
			return nil
		}
		if err != nil {
			return err
		}
	}
	return u.GrantRoute(ctx, room, false)
}

func (h *Handler) left(ctx context.Context, u *user.User, room string, log *zap.SugaredLogger) error {
	present, err := u.IsPresent(ctx)
	if err != nil {
		return err
	}
	if !present {
		log.Warnw("absent user reported leaving; ignored")
		return nil
	}
	log.Infow("user left room")
	ts, ok, err := u.RoomTimestamp(ctx, room)
	if err != nil {
		return err
	}
	if ok && ts.Paused {
		log.Infow("room timeout paused; attendance kept")
		return nil
	}
	return h.insp.RevokeRoom(ctx, u, room)
}

// HandleSession applies a workstation session event. Events for users not
// present in the device's room are dropped.
func (h *Handler) HandleSession(ctx context.Context, ev SessionEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	h.metrics.Event(SourceSession, ev.Event)
	log := h.logger.With("user", ev.User, "ip", ev.IP, "event", ev.Event)

	room, err := h.env.RoomForIP(ev.IP)
	if err != nil {
		log.Warnw("device outside every room; dropped", "err", err)
		return nil
	}
	log = log.With("room", room)
	u, err := h.users.Get(ctx, ev.User)
	if errors.Is(err, user.ErrUserNotFound) {
		log.Warnw("session event for unknown user; dropped")
		return nil
	}
	if err != nil {
		return err
	}
	in, err := u.IsInRoom(ctx, room)
	if err != nil {
		return err
	}
	if !in {
		log.Warnw("user has not entered the device's room; dropped")
		return nil
	}

	fw := h.users.Firewall()
	changed := false
	switch ev.Event {
	case LoggedIn:
		if fw == nil {
			break
		}
		recs, err := u.SearchFilters(ctx, room, ev.Hostname, ev.IP)
		if err != nil {
			return err
		}
		if len(recs) > 0 && recs[0].Timestamp.Paused {
			log.Infow("filters paused; login not renewed")
			break
		}
		log.Infow("user logged in")
		if err := u.AddFilter(ctx, room, h.users.Now(), ev.Hostname, ev.IP); err != nil {
			return err
		}
		changed = true
	case LoggedOut:
		log.Infow("user logged out")
		if fw == nil {
			break
		}
		if err := u.RemoveFilter(ctx, ev.IP, room); err != nil {
			return err
		}
		changed = true
	case LockedAuto:
		log.Infow("workstation locked by screensaver")
		if fw == nil {
			break
		}
		if err := u.SetAutoLock(ctx, room, ev.IP, true); err != nil {
			return err
		}
	case LockedManual:
		log.Infow("workstation locked by user")
		if err := h.lockedManual(ctx, u, room, ev); err != nil {
			return err
		}
	case Unlocked:
		log.Infow("workstation unlocked")
		if err := h.unlocked(ctx, u, room, ev); err != nil {
			return err
		}
	default:
		log.Warnw("unknown session event; dropped")
		return nil
	}
	if changed {
		return fw.ApplyChanges(ctx)
	}
	return nil
}

func (h *Handler) lockedManual(ctx context.Context, u *user.User, room string, ev SessionEvent) error {
	if h.users.Firewall() != nil {
		recs, err := u.SearchFilters(ctx, room, ev.Hostname, ev.IP)
		if err != nil {
			return err
		}
		if len(recs) > 0 && !recs[0].AutoLocked {
			if err := h.insp.UpdateTimeout(ctx, u, inspector.RuleTimeout, room, ev.IP, true); err != nil {
				return err
			}
		}
	}
	return h.routeTimeouts(ctx, u, room, ev.IP, true)
}

func (h *Handler) unlocked(ctx context.Context, u *user.User, room string, ev SessionEvent) error {
	if h.users.Firewall() != nil {
		recs, err := u.SearchFilters(ctx, room, ev.Hostname, ev.IP)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			if err := h.insp.UpdateTimeout(ctx, u, inspector.RuleTimeout, room, ev.IP, false); err != nil {
				return err
			}
			if err := u.SetAutoLock(ctx, room, ev.IP, false); err != nil {
				return err
			}
		}
	}
	return h.routeTimeouts(ctx, u, room, ev.IP, false)
}

// routeTimeouts pauses or resumes every room on the route to room.
func (h *Handler) routeTimeouts(ctx context.Context, u *user.User, room, ip string, paused bool) error {
	chain, ok := h.users.Routes().To(room)
	if !ok {
		return nil
	}
	var errs []error
	for _, rn := range chain {
		errs = append(errs, h.insp.UpdateTimeout(ctx, u, inspector.RoomTimeout, rn, ip, paused))
	}
	return errors.Join(errs...)
}

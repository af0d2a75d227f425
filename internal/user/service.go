package user

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/directory"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/route"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
)

// DefaultRole is held by every user.
const DefaultRole = "default"

var (
	ErrNoRoomsFound     = errors.New("room not found in directory")
	ErrUserNotInRoom    = errors.New("user not in room")
	ErrLdapModification = errors.New("directory modification failed")
	ErrUserNotFound     = errors.New("user not found in directory")
	ErrNotActive        = errors.New("user not active")
)

// Notifier receives records whose expiry must be (re)scheduled.
type Notifier interface {
	RoomChanged(entity.RoomAttendance)
	FilterChanged(entity.FilterRecord)
}

// Options wires a Service. Firewall may be nil when running without one.
type Options struct {
	Store      *state.Store
	Directory  directory.Directory
	Firewall   firewall.Firewall
	Routes     *route.Graph
	Filtersets firewall.Filtersets
	Schema     directory.Schema
	Clock      clockwork.Clock
	Notifier   Notifier
	Logger     *zap.SugaredLogger
}

// Service builds per-identity User handles over the shared collaborators.
type Service struct {
	store      *state.Store
	dir        directory.Directory
	fw         firewall.Firewall
	routes     *route.Graph
	filtersets firewall.Filtersets
	schema     directory.Schema
	clock      clockwork.Clock
	notifier   Notifier
	logger     *zap.SugaredLogger

	mu      sync.RWMutex
	roleDNs []string
}

func NewService(o Options) *Service {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return &Service{
		store:      o.Store,
		dir:        o.Directory,
		fw:         o.Firewall,
		routes:     o.Routes,
		filtersets: o.Filtersets,
		schema:     o.Schema.WithDefaults(),
		clock:      o.Clock,
		notifier:   o.Notifier,
		logger:     o.Logger,
	}
}

// SetNotifier replaces the change notifier. It must be called before any
// User is used.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) Store() *state.Store            { return s.store }
func (s *Service) Directory() directory.Directory { return s.dir }
func (s *Service) Firewall() firewall.Firewall    { return s.fw }
func (s *Service) Routes() *route.Graph           { return s.routes }
func (s *Service) Filtersets() firewall.Filtersets {
	return s.filtersets
}
func (s *Service) Schema() directory.Schema { return s.schema }
func (s *Service) Clock() clockwork.Clock   { return s.clock }

// Now is the current time as a store timestamp.
func (s *Service) Now() entity.Timestamp { return entity.At(s.clock.Now()) }

// LoadRoles caches the DNs of every role group.
func (s *Service) LoadRoles(ctx context.Context) error {
	dns, err := s.dir.ResolveDNs(ctx, s.schema.RolesFilter())
	if err != nil {
		return fmt.Errorf("load role groups: %w", err)
	}
	s.mu.Lock()
	s.roleDNs = dns
	s.mu.Unlock()
	s.logger.Infow("role groups loaded", "count", len(dns))
	return nil
}

// Get returns the handle for id. Active users come from the store; others
// are resolved in the directory together with their role memberships.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	id = entity.NormalizeID(id)
	au, ok, err := s.store.User(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		return &User{svc: s, id: id, dn: au.DN, roles: au.Roles}, nil
	}
	dn, found, err := s.dir.ResolveDN(ctx, s.schema.UserFilter(id))
	if err != nil {
		return nil, fmt.Errorf("resolve user %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	roles, err := s.rolesOf(ctx, dn)
	if err != nil {
		return nil, err
	}
	return &User{svc: s, id: id, dn: dn, roles: roles}, nil
}

// GetByDN resolves the identifier attribute of the user object at dn.
func (s *Service) GetByDN(ctx context.Context, dn string) (*User, error) {
	attrs, found, err := s.dir.Attributes(ctx, s.schema.UserByDNFilter(dn), []string{s.schema.UserAttr})
	if err != nil {
		return nil, fmt.Errorf("resolve member %s: %w", dn, err)
	}
	if !found || len(attrs[s.schema.UserAttr]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, dn)
	}
	return s.Get(ctx, attrs[s.schema.UserAttr][0])
}

func (s *Service) rolesOf(ctx context.Context, userDN string) ([]string, error) {
	s.mu.RLock()
	roleDNs := s.roleDNs
	s.mu.RUnlock()

	roles := []string{DefaultRole}
	for _, dn := range roleDNs {
		member, err := s.dir.IsMember(ctx, dn, userDN)
		if err != nil {
			return nil, fmt.Errorf("role membership %s: %w", dn, err)
		}
		if !member {
			continue
		}
		name, err := s.schema.RoleName(dn)
		if err != nil {
			s.logger.Warnw("skipping malformed role group", "dn", dn, "err", err)
			continue
		}
		if name != DefaultRole {
			roles = append(roles, name)
		}
	}
	return roles, nil
}

func (s *Service) roomChanged(rec entity.RoomAttendance) {
	if s.notifier != nil {
		s.notifier.RoomChanged(rec)
	}
}

func (s *Service) filterChanged(rec entity.FilterRecord) {
	if s.notifier != nil {
		s.notifier.FilterChanged(rec)
	}
}

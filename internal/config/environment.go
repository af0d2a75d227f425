package config

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/directory"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/route"
)

// ErrNetworkNotFound is returned when no room network matches.
var ErrNetworkNotFound = errors.New("network not found")

// Common holds deployment wide switches.
type Common struct {
	ImplicitTrustAtBoot bool `json:"implicitTrustAtBoot" yaml:"implicitTrustAtBoot"`
}

// Environment describes the rooms of one deployment. Room names are
// lower-cased on load. Timeouts are in minutes; zero disables expiry.
type Environment struct {
	Common       Common              `json:"common" yaml:"common"`
	RoomTimeouts map[string]int      `json:"roomTimeouts" yaml:"roomTimeouts"`
	Routes       map[string][]string `json:"routes" yaml:"routes"`
	Networks     map[string]string   `json:"networks" yaml:"networks"`
	LDAP         directory.Schema    `json:"ldap" yaml:"ldap"`

	prefixes []roomPrefix
	graph    *route.Graph
}

type roomPrefix struct {
	room   string
	prefix netip.Prefix
}

// Normalize lower-cases names, parses networks and builds the route graph.
// LoadEnvironment calls it; environments built in code must call it too.
func (e *Environment) Normalize() error {
	e.RoomTimeouts = lowerKeys(e.RoomTimeouts)
	e.Networks = lowerKeys(e.Networks)
	routes := make(map[string][]string, len(e.Routes))
	for room, chain := range e.Routes {
		lowered := make([]string, len(chain))
		for i, r := range chain {
			lowered[i] = strings.ToLower(strings.TrimSpace(r))
		}
		routes[strings.ToLower(room)] = lowered
	}
	e.Routes = routes
	e.LDAP = e.LDAP.WithDefaults()

	e.prefixes = e.prefixes[:0]
	for room, cidr := range e.Networks {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return fmt.Errorf("network of room %s: %w", room, err)
		}
		e.prefixes = append(e.prefixes, roomPrefix{room: room, prefix: p.Masked()})
	}
	// most specific first so nested networks resolve to the inner room
	sort.Slice(e.prefixes, func(i, j int) bool {
		if e.prefixes[i].prefix.Bits() != e.prefixes[j].prefix.Bits() {
			return e.prefixes[i].prefix.Bits() > e.prefixes[j].prefix.Bits()
		}
		return e.prefixes[i].room < e.prefixes[j].room
	})
	for room, minutes := range e.RoomTimeouts {
		if minutes < 0 {
			return fmt.Errorf("timeout of room %s is negative", room)
		}
	}
	e.graph = route.New(e.Routes)
	return nil
}

// Graph returns the route graph built from Routes.
func (e *Environment) Graph() *route.Graph {
	if e.graph == nil {
		e.graph = route.New(e.Routes)
	}
	return e.graph
}

// RoomTimeout returns the expiry period of room, zero when disabled or
// unconfigured.
func (e *Environment) RoomTimeout(room string) time.Duration {
	return time.Duration(e.RoomTimeouts[room]) * time.Minute
}

// Network returns the network configured for room.
func (e *Environment) Network(room string) (netip.Prefix, error) {
	for _, rp := range e.prefixes {
		if rp.room == room {
			return rp.prefix, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("room %s: %w", room, ErrNetworkNotFound)
}

// RoomForIP returns the room whose network contains ip.
func (e *Environment) RoomForIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("parse ip %q: %w", ip, err)
	}
	addr = addr.Unmap()
	for _, rp := range e.prefixes {
		if rp.prefix.Contains(addr) {
			return rp.room, nil
		}
	}
	return "", fmt.Errorf("ip %s: %w", ip, ErrNetworkNotFound)
}

func lowerKeys[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

// Package firewall describes the rule control plane the engine provisions
// per-device filters on, and implements it for OPNsense.
package firewall

import (
	"context"
	"fmt"
	"iter"
	"net/netip"
	"strings"
)

// Firewall is the rule and session-state control plane.
type Firewall interface {
	CreateFilter(ctx context.Context, name, ip string, rule Rule) error
	// RemoveFilter removes every rule matching phrase (see MatchPhrase) and
	// purges the sessions it admitted. It returns the removed names.
	RemoveFilter(ctx context.Context, phrase string) ([]string, error)
	SearchFilter(ctx context.Context, phrase string) ([]RuleDescriptor, error)
	ToggleFilter(ctx context.Context, uuid string, enabled bool) error
	ApplyChanges(ctx context.Context) error
	// States lazily yields live sessions of ip admitted by rule.
	States(ctx context.Context, ip string, rule Rule) iter.Seq2[State, error]
	DeleteStates(ctx context.Context, ids []string) (int, error)
	// Interfaces lists interface identifiers whose network contains ip.
	Interfaces(ctx context.Context, ip string) ([]string, error)
}

// Resolver resolves service and device names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Destination is a resolved rule destination; a zero Prefix means any.
type Destination struct {
	Prefix netip.Prefix
}

func (d Destination) IsAny() bool { return !d.Prefix.IsValid() }

// Contains reports whether addr falls inside the destination.
func (d Destination) Contains(addr string) bool {
	if d.IsAny() {
		return true
	}
	a, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	return d.Prefix.Contains(a)
}

// String renders the destination the way the firewall expects it.
func (d Destination) String() string {
	if d.IsAny() {
		return "any"
	}
	if d.Prefix.IsSingleIP() {
		return d.Prefix.Addr().String()
	}
	return d.Prefix.String()
}

// ResolveDestination turns a template address into a Destination. Hostnames
// resolve to their first IPv4 address, falling back to the first address.
func ResolveDestination(ctx context.Context, r Resolver, addr string) (Destination, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || addr == Any || strings.EqualFold(addr, "any") {
		return Destination{}, nil
	}
	if p, err := netip.ParsePrefix(addr); err == nil {
		return Destination{Prefix: p.Masked()}, nil
	}
	if a, err := netip.ParseAddr(addr); err == nil {
		return Destination{Prefix: netip.PrefixFrom(a, a.BitLen())}, nil
	}
	a, err := ResolveHost(ctx, r, addr)
	if err != nil {
		return Destination{}, err
	}
	return Destination{Prefix: netip.PrefixFrom(a, a.BitLen())}, nil
}

// ResolveHost returns the host's address, preferring IPv4. Literal
// addresses are returned unchanged.
func ResolveHost(ctx context.Context, r Resolver, host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a, nil
	}
	if r == nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: no resolver", host)
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	var first netip.Addr
	for _, s := range addrs {
		a, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if a.Is4() {
			return a, nil
		}
		if !first.IsValid() {
			first = a
		}
	}
	if !first.IsValid() {
		return netip.Addr{}, fmt.Errorf("resolve %s: no addresses", host)
	}
	return first, nil
}

// Package testkit provides in-memory collaborator fakes for tests.
package testkit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/directory"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
)

// Directory is an in-memory directory keyed by search filter.
type Directory struct {
	mu      sync.Mutex
	schema  directory.Schema
	objects map[string][]string
	attrs   map[string]map[string][]string
	groups  map[string][]string

	// ModifyErr fails every ModifyGroup call when set.
	ModifyErr error
	Modifies  []string
}

var _ directory.Directory = (*Directory)(nil)

func NewDirectory(schema directory.Schema) *Directory {
	return &Directory{
		schema:  schema.WithDefaults(),
		objects: make(map[string][]string),
		attrs:   make(map[string]map[string][]string),
		groups:  make(map[string][]string),
	}
}

// AddUser registers a person with its identifier attribute.
func (d *Directory) AddUser(id, dn string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[d.schema.UserFilter(id)] = []string{dn}
	d.attrs[d.schema.UserByDNFilter(dn)] = map[string][]string{d.schema.UserAttr: {id}}
}

// AddRoom registers a room group and returns its DN.
func (d *Directory) AddRoom(room string, members ...string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	dn := fmt.Sprintf("CN=%s%s,OU=Rooms,DC=example,DC=org", d.schema.RoomPrefix, room)
	d.objects[d.schema.RoomFilter(room)] = []string{dn}
	d.objects[d.schema.RoomsFilter()] = append(d.objects[d.schema.RoomsFilter()], dn)
	d.groups[dn] = append(d.groups[dn], members...)
	return dn
}

// AddRole registers a role group and returns its DN.
func (d *Directory) AddRole(role string, members ...string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	dn := fmt.Sprintf("CN=%s%s,OU=Roles,DC=example,DC=org", d.schema.RolePrefix, role)
	d.objects[d.schema.RolesFilter()] = append(d.objects[d.schema.RolesFilter()], dn)
	d.groups[dn] = append(d.groups[dn], members...)
	return dn
}

// Members returns the current members of a group.
func (d *Directory) Members(groupDN string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.groups[groupDN])
}

func (d *Directory) ResolveDN(_ context.Context, filter string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dns := d.objects[filter]
	if len(dns) == 0 {
		return "", false, nil
	}
	return dns[0], true, nil
}

func (d *Directory) ResolveDNs(_ context.Context, filter string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.objects[filter]), nil
}

func (d *Directory) IsMember(_ context.Context, groupDN, userDN string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.groups[groupDN], userDN), nil
}

func (d *Directory) GroupMembers(_ context.Context, groupDN string) ([]string, error) {
	return d.Members(groupDN), nil
}

func (d *Directory) Attributes(_ context.Context, filter string, attrs []string) (map[string][]string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	all, ok := d.attrs[filter]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string][]string, len(attrs))
	for _, a := range attrs {
		if v, ok := all[a]; ok {
			out[a] = slices.Clone(v)
		}
	}
	return out, true, nil
}

func (d *Directory) ModifyGroup(_ context.Context, groupDN string, op directory.Op, userDN string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ModifyErr != nil {
		return d.ModifyErr
	}
	d.Modifies = append(d.Modifies, op.String()+" "+userDN+" "+groupDN)
	members := d.groups[groupDN]
	switch op {
	case directory.Add:
		if !slices.Contains(members, userDN) {
			members = append(members, userDN)
		}
	case directory.Remove:
		members = slices.DeleteFunc(members, func(m string) bool { return m == userDN })
	}
	d.groups[groupDN] = members
	return nil
}

// Firewall is an in-memory rule table with scripted session states.
type Firewall struct {
	mu      sync.Mutex
	rules   map[string]firewall.RuleDescriptor
	states  map[string][]firewall.State
	created int
	applied int
	deleted []string
	pinned  map[string]bool

	// SearchErr fails every SearchFilter call when set.
	SearchErr error
}

var _ firewall.Firewall = (*Firewall)(nil)

func NewFirewall() *Firewall {
	return &Firewall{
		rules:  make(map[string]firewall.RuleDescriptor),
		states: make(map[string][]firewall.State),
		pinned: make(map[string]bool),
	}
}

// Pin makes removal of the named rule fail while other matches go ahead.
func (f *Firewall) Pin(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[name] = true
}

// Seed adds a rule as if it had been left on the firewall earlier.
func (f *Firewall) Seed(name string, rule firewall.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[name] = firewall.RuleDescriptor{UUID: "uuid-" + name, Description: name, Enabled: true, Rule: rule}
}

// SetStates replaces the live sessions reported for ip.
func (f *Firewall) SetStates(ip string, states ...firewall.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[ip] = states
}

// RuleNames lists provisioned rule names in order.
func (f *Firewall) RuleNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.rules))
	for name := range f.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Created counts CreateFilter calls.
func (f *Firewall) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Applied counts ApplyChanges calls.
func (f *Firewall) Applied() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

func (f *Firewall) matching(phrase string) []firewall.RuleDescriptor {
	var out []firewall.RuleDescriptor
	for name, d := range f.rules {
		if firewall.MatchPhrase(phrase, name) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Description < out[j].Description })
	return out
}

func (f *Firewall) CreateFilter(_ context.Context, name, ip string, rule firewall.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[name]; ok {
		return errors.New("duplicate rule " + name)
	}
	f.created++
	f.rules[name] = firewall.RuleDescriptor{UUID: "uuid-" + name, Description: name, Enabled: true, Rule: rule}
	return nil
}

func (f *Firewall) RemoveFilter(_ context.Context, phrase string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		names []string
		errs  []error
	)
	for _, d := range f.matching(phrase) {
		if f.pinned[d.Description] {
			errs = append(errs, errors.New("cannot delete rule "+d.Description))
			continue
		}
		delete(f.rules, d.Description)
		names = append(names, d.Description)
	}
	return names, errors.Join(errs...)
}

func (f *Firewall) SearchFilter(_ context.Context, phrase string) ([]firewall.RuleDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	return f.matching(phrase), nil
}

func (f *Firewall) ToggleFilter(_ context.Context, uuid string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, d := range f.rules {
		if d.UUID == uuid {
			d.Enabled = enabled
			f.rules[name] = d
		}
	}
	return nil
}

func (f *Firewall) ApplyChanges(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	return nil
}

func (f *Firewall) States(_ context.Context, ip string, _ firewall.Rule) iter.Seq2[firewall.State, error] {
	f.mu.Lock()
	states := slices.Clone(f.states[ip])
	f.mu.Unlock()
	return func(yield func(firewall.State, error) bool) {
		for _, st := range states {
			if !yield(st, nil) {
				return
			}
		}
	}
}

func (f *Firewall) DeleteStates(_ context.Context, ids []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return len(ids), nil
}

func (f *Firewall) Interfaces(context.Context, string) ([]string, error) {
	return []string{"lan"}, nil
}

// Resolver answers lookups from fixed tables.
type Resolver struct {
	Hosts map[string][]string
	Addrs map[string][]string
}

func (r Resolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if a, ok := r.Hosts[host]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("no such host %s", host)
}

func (r Resolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if n, ok := r.Addrs[addr]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("no name for %s", addr)
}

// Package route holds the static room → prerequisite chain map.
package route

import (
	"slices"
	"sort"
)

// Chain is an ordered list of rooms ending with the target room.
type Chain []string

// Graph is read-only after construction and safe for concurrent use.
type Graph struct {
	chains map[string]Chain
	order  []string
}

// New copies routes keyed by target room.
func New(routes map[string][]string) *Graph {
	g := &Graph{chains: make(map[string]Chain, len(routes))}
	for room, chain := range routes {
		g.chains[room] = slices.Clone(chain)
		g.order = append(g.order, room)
	}
	sort.Strings(g.order)
	return g
}

// To returns the chain leading to room and whether one is configured.
func (g *Graph) To(room string) (Chain, bool) {
	if g == nil {
		return nil, false
	}
	c, ok := g.chains[room]
	return slices.Clone(c), ok
}

// All returns a copy of every configured chain keyed by target room.
func (g *Graph) All() map[string]Chain {
	if g == nil {
		return map[string]Chain{}
	}
	out := make(map[string]Chain, len(g.order))
	for _, room := range g.order {
		out[room] = slices.Clone(g.chains[room])
	}
	return out
}

// Targets lists the target rooms in name order.
func (g *Graph) Targets() []string {
	if g == nil {
		return nil
	}
	return slices.Clone(g.order)
}

// Containing returns target rooms whose chain includes room, in name order.
func (g *Graph) Containing(room string) []string {
	if g == nil {
		return nil
	}
	var out []string
	for _, target := range g.order {
		if slices.Contains(g.chains[target], room) {
			out = append(out, target)
		}
	}
	return out
}

// HasForward reports whether room precedes another room on some chain.
// The last element of a chain is its terminal room.
func (g *Graph) HasForward(room string) bool {
	if g == nil {
		return false
	}
	for _, target := range g.order {
		c := g.chains[target]
		if i := slices.Index(c, room); i >= 0 && i < len(c)-1 {
			return true
		}
	}
	return false
}

// Before returns the rooms that precede room on its own chain.
func (g *Graph) Before(room string) []string {
	c, ok := g.To(room)
	if !ok {
		return nil
	}
	i := slices.Index(c, room)
	if i < 0 {
		return c
	}
	return c[:i]
}

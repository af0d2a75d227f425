// Package directory talks to the identity directory holding users, room
// groups and role groups.
package directory

import "context"

// Op is a group membership modification.
type Op int

const (
	Add Op = iota
	Remove
)

func (o Op) String() string {
	if o == Add {
		return "add"
	}
	return "remove"
}

// Directory is the read/modify surface the engine needs. Searches run under
// the client's configured base DN; absent objects are reported with
// found=false or an empty result, never an error.
type Directory interface {
	ResolveDN(ctx context.Context, filter string) (dn string, found bool, err error)
	ResolveDNs(ctx context.Context, filter string) ([]string, error)
	IsMember(ctx context.Context, groupDN, userDN string) (bool, error)
	GroupMembers(ctx context.Context, groupDN string) ([]string, error)
	Attributes(ctx context.Context, filter string, attrs []string) (map[string][]string, bool, error)
	// ModifyGroup adds or removes userDN from the group's member attribute.
	// Adding an existing member or removing an absent one succeeds.
	ModifyGroup(ctx context.Context, groupDN string, op Op, userDN string) error
}

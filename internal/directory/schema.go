package directory

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Schema says how rooms, roles and users are modelled in the directory.
// Room and role groups are groups whose naming attribute starts with the
// configured prefix.
type Schema struct {
	RoomPrefix string `json:"roomPrefix" yaml:"roomPrefix"`
	RolePrefix string `json:"rolePrefix" yaml:"rolePrefix"`
	RoomAttr   string `json:"roomDitAttr" yaml:"roomDitAttr"`
	RoleAttr   string `json:"roleDitAttr" yaml:"roleDitAttr"`
	UserAttr   string `json:"userDitAttr" yaml:"userDitAttr"`
}

// WithDefaults fills unset attributes with Active Directory defaults.
func (s Schema) WithDefaults() Schema {
	if s.RoomPrefix == "" {
		s.RoomPrefix = "room_"
	}
	if s.RolePrefix == "" {
		s.RolePrefix = "role_"
	}
	if s.RoomAttr == "" {
		s.RoomAttr = "cn"
	}
	if s.RoleAttr == "" {
		s.RoleAttr = "cn"
	}
	if s.UserAttr == "" {
		s.UserAttr = "sAMAccountName"
	}
	return s
}

// RoomFilter selects the group of one room.
func (s Schema) RoomFilter(room string) string {
	return fmt.Sprintf("(&(objectClass=group)(%s=%s))", s.RoomAttr, ldap.EscapeFilter(s.RoomPrefix+room))
}

// RoomsFilter selects every room group.
func (s Schema) RoomsFilter() string {
	return fmt.Sprintf("(&(objectClass=group)(%s=%s*))", s.RoomAttr, ldap.EscapeFilter(s.RoomPrefix))
}

// RolesFilter selects every role group.
func (s Schema) RolesFilter() string {
	return fmt.Sprintf("(&(objectClass=group)(%s=%s*))", s.RoleAttr, ldap.EscapeFilter(s.RolePrefix))
}

// UserFilter selects a person by identifier.
func (s Schema) UserFilter(userID string) string {
	return fmt.Sprintf("(&(objectClass=person)(%s=%s))", s.UserAttr, ldap.EscapeFilter(userID))
}

// UserByDNFilter selects a user object by its distinguished name.
func (s Schema) UserByDNFilter(dn string) string {
	return fmt.Sprintf("(&(objectClass=user)(distinguishedName=%s))", ldap.EscapeFilter(dn))
}

// RoomName extracts the lower-cased room name from a room group DN.
func (s Schema) RoomName(dn string) (string, error) {
	return nameFromDN(dn, s.RoomPrefix)
}

// RoleName extracts the lower-cased role name from a role group DN.
func (s Schema) RoleName(dn string) (string, error) {
	return nameFromDN(dn, s.RolePrefix)
}

func nameFromDN(dn, prefix string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("parse dn %q: %w", dn, err)
	}
	if len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return "", fmt.Errorf("empty dn %q", dn)
	}
	v := parsed.RDNs[0].Attributes[0].Value
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return "", fmt.Errorf("dn %q lacks prefix %q", dn, prefix)
	}
	return strings.ToLower(v[len(prefix):]), nil
}

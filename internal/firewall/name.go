package firewall

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// NamePrefix marks every rule this service provisions.
	NamePrefix = "porch_"
	// MaxNameLen is the longest description the firewall stores.
	MaxNameLen = 255
)

var ErrInvalidFilterName = errors.New("invalid filter name")

// NameInfo is the decoded content of a filter name.
type NameInfo struct {
	UserID   string
	RoomName string
	IP       string
	Role     string
	Index    int
}

// FilterName builds the deterministic rule name, truncated to MaxNameLen.
func FilterName(userID, room, ip, role string, idx int) string {
	name := fmt.Sprintf("%s%s:%s:%s:%s:%d", NamePrefix, userID, room, ip, role, idx)
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	return name
}

// ParseFilterName decodes a name built by FilterName. The address may itself
// contain colons, so fields are taken from both ends.
func ParseFilterName(name string) (NameInfo, error) {
	body, ok := strings.CutPrefix(name, NamePrefix)
	if !ok {
		return NameInfo{}, fmt.Errorf("%w: %q", ErrInvalidFilterName, name)
	}
	parts := strings.Split(body, ":")
	if len(parts) < 5 {
		return NameInfo{}, fmt.Errorf("%w: %q", ErrInvalidFilterName, name)
	}
	n := len(parts)
	idx, err := strconv.Atoi(parts[n-1])
	if err != nil {
		return NameInfo{}, fmt.Errorf("%w: %q", ErrInvalidFilterName, name)
	}
	return NameInfo{
		UserID:   parts[0],
		RoomName: parts[1],
		IP:       strings.Join(parts[2:n-2], ":"),
		Role:     parts[n-2],
		Index:    idx,
	}, nil
}

// Phrase composes a search phrase matching filters of userID with the given
// role and template index. Empty ip or room match any value. The room is
// folded into the leading name prefix so it cannot match another field.
func Phrase(userID, ip, room, role string, idx int) string {
	lead := NamePrefix + userID + ":"
	if room != "" {
		lead += room + ":"
	}
	terms := []string{lead}
	if ip != "" {
		terms = append(terms, ":"+ip+":")
	}
	if role != "" {
		terms = append(terms, ":"+role+":"+strconv.Itoa(idx))
	}
	return strings.Join(terms, " ")
}

// MatchPhrase reports whether description satisfies phrase. A phrase that is
// a single complete filter name matches only that exact name. Otherwise
// description must be a filter name and every term must hold on its field:
// the leading term is a name prefix, ":ip:" compares the address and
// ":role:idx" closes the name.
func MatchPhrase(phrase, description string) bool {
	terms := strings.Fields(phrase)
	if len(terms) == 0 {
		return false
	}
	if len(terms) == 1 {
		if _, err := ParseFilterName(terms[0]); err == nil {
			return description == terms[0]
		}
	}
	info, err := ParseFilterName(description)
	if err != nil {
		return false
	}
	for _, term := range terms {
		switch {
		case strings.HasPrefix(term, NamePrefix):
			if !strings.HasPrefix(description, term) {
				return false
			}
		case strings.HasPrefix(term, ":") && strings.HasSuffix(term, ":") && len(term) > 1:
			if info.IP != term[1:len(term)-1] {
				return false
			}
		case strings.HasPrefix(term, ":"):
			if !strings.HasSuffix(description, term) {
				return false
			}
		default:
			if !strings.Contains(description, term) {
				return false
			}
		}
	}
	return true
}

package firewall

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Any is the wildcard used in rule templates for address, port and protocol.
const Any = "*"

// PortSpec is "*", a single port or an inclusive "from-to" range.
// It decodes from either a JSON number or a string.
type PortSpec string

func (p *PortSpec) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*p = PortSpec(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid port spec %s", b)
	}
	*p = PortSpec(s)
	return nil
}

// Range returns the inclusive bounds; ok is false for the wildcard.
func (p PortSpec) Range() (from, to int, ok bool, err error) {
	s := strings.TrimSpace(string(p))
	if s == "" || s == Any {
		return 0, 0, false, nil
	}
	lo, hi, isRange := strings.Cut(s, "-")
	if from, err = strconv.Atoi(lo); err != nil {
		return 0, 0, false, fmt.Errorf("invalid port %q", s)
	}
	to = from
	if isRange {
		if to, err = strconv.Atoi(hi); err != nil {
			return 0, 0, false, fmt.Errorf("invalid port %q", s)
		}
	}
	return from, to, true, nil
}

// Rule is one rule template of a role's filterset.
type Rule struct {
	// Action defaults to block.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	// DstAddr is "*", an IPv4 CIDR or a hostname resolved at use.
	DstAddr   string   `json:"dstAddr" yaml:"dstAddr"`
	DstPort   PortSpec `json:"dstPort" yaml:"dstPort"`
	IPVersion string   `json:"ipVersion" yaml:"ipVersion"`
	Protocol  string   `json:"protocol" yaml:"protocol"`
	Sequence  int      `json:"sequence" yaml:"sequence"`
}

// Filterset is the filter configuration of one role. Timeout is in minutes;
// zero disables expiry for the role's filters.
type Filterset struct {
	Timeout           int            `json:"timeout" yaml:"timeout"`
	RenewalAmount     int            `json:"renewalAmount" yaml:"renewalAmount"`
	MonitoredServices map[string]int `json:"monitoredServices" yaml:"monitoredServices"`
	Filters           []Rule         `json:"filters" yaml:"filters"`
}

// Filtersets maps role name to its filterset.
type Filtersets map[string]Filterset

// RuleDescriptor is a provisioned rule as reported by the firewall.
type RuleDescriptor struct {
	UUID        string `json:"uuid"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	// Rule echoes the destination fields the firewall stores for the rule.
	Rule Rule `json:"-"`
}

// State is one live session entry.
type State struct {
	ID      string `json:"id"`
	Rule    string `json:"rule"`
	IPProto string `json:"ipproto"`
	Proto   string `json:"proto"`
	SrcAddr string `json:"src_addr"`
	NatAddr string `json:"nat_addr"`
	DstAddr string `json:"dst_addr"`
	DstPort string `json:"dst_port"`
}

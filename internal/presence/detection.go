// Package presence turns physical-access log lines and workstation session
// events into presence transitions on the user layer.
package presence

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/config"
)

// Detection keys every system must configure.
const (
	KeyUser         = "user"
	KeyRoom         = "room"
	KeyDirectionIn  = "directionIn"
	KeyDirectionOut = "directionOut"
)

// DetectionRule extracts one value from a log line.
type DetectionRule struct {
	Regexp       string `json:"regexp" yaml:"regexp"`
	MatchInGroup int    `json:"matchInGroup" yaml:"matchInGroup"`
}

// FormatRule rewrites an extracted value. Repl accepts both $1 and \1
// group references.
type FormatRule struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Repl    string `json:"repl" yaml:"repl"`
}

// System is the detection configuration of one access-control system.
type System struct {
	Detection  map[string]DetectionRule `json:"detection" yaml:"detection"`
	Formatting map[string]FormatRule    `json:"formatting" yaml:"formatting"`
}

// Detection maps system names to their configuration.
type Detection map[string]System

// LoadDetection reads a JSONC or YAML detection document.
func LoadDetection(path string) (Detection, error) {
	var d Detection
	if err := config.LoadDocument(path, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Kind is the direction of an access event.
type Kind string

const (
	Entered Kind = "entered"
	Left    Kind = "left"
	// Unknown marks a line whose direction matched neither rule.
	Unknown Kind = "unknown"
)

// AccessEvent is one normalized physical-access event.
type AccessEvent struct {
	System string
	User   string
	Room   string
	Kind   Kind
}

type compiledRule struct {
	re    *regexp.Regexp
	group int
}

type compiledFormat struct {
	re   *regexp.Regexp
	repl string
}

type compiledSystem struct {
	name       string
	detection  map[string]compiledRule
	formatting map[string]compiledFormat
}

// Parser matches log lines against every configured system.
type Parser struct {
	systems []compiledSystem
}

var backref = regexp.MustCompile(`\\(\d+)`)

// NewParser compiles d. Systems are evaluated in name order.
func NewParser(d Detection) (*Parser, error) {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)

	p := &Parser{}
	var errs []error
	for _, name := range names {
		sys := d[name]
		cs := compiledSystem{
			name:       name,
			detection:  make(map[string]compiledRule, len(sys.Detection)),
			formatting: make(map[string]compiledFormat, len(sys.Formatting)),
		}
		for _, key := range []string{KeyUser, KeyRoom} {
			if _, ok := sys.Detection[key]; !ok {
				errs = append(errs, fmt.Errorf("system %s: missing %s detection", name, key))
			}
		}
		for key, rule := range sys.Detection {
			re, err := regexp.Compile(rule.Regexp)
			if err != nil {
				errs = append(errs, fmt.Errorf("system %s detection %s: %w", name, key, err))
				continue
			}
			if rule.MatchInGroup < 0 || rule.MatchInGroup > re.NumSubexp() {
				errs = append(errs, fmt.Errorf("system %s detection %s: group %d out of range", name, key, rule.MatchInGroup))
				continue
			}
			cs.detection[key] = compiledRule{re: re, group: rule.MatchInGroup}
		}
		for key, f := range sys.Formatting {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				errs = append(errs, fmt.Errorf("system %s formatting %s: %w", name, key, err))
				continue
			}
			cs.formatting[key] = compiledFormat{re: re, repl: backref.ReplaceAllString(f.Repl, "$${$1}")}
		}
		p.systems = append(p.systems, cs)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse returns one event per system whose user and room were both found
// and formatted. Systems with a missing or unformattable value are skipped.
func (p *Parser) Parse(line string) []AccessEvent {
	line = strings.TrimRight(line, "\r\n")
	var out []AccessEvent
	for _, sys := range p.systems {
		found := make(map[string]string, len(sys.detection))
		for key, rule := range sys.detection {
			m := rule.re.FindStringSubmatch(line)
			if m == nil || m[rule.group] == "" {
				continue
			}
			found[key] = m[rule.group]
		}
		user, ok := sys.format(KeyUser, found)
		if !ok {
			continue
		}
		room, ok := sys.format(KeyRoom, found)
		if !ok {
			continue
		}
		ev := AccessEvent{
			System: sys.name,
			User:   strings.ToLower(user),
			Room:   strings.ToLower(room),
			Kind:   Unknown,
		}
		switch {
		case found[KeyDirectionIn] != "":
			ev.Kind = Entered
		case found[KeyDirectionOut] != "":
			ev.Kind = Left
		}
		out = append(out, ev)
	}
	return out
}

// format applies the key's formatting rule. Keys without a rule pass
// through unchanged.
func (s compiledSystem) format(key string, found map[string]string) (string, bool) {
	v, ok := found[key]
	if !ok {
		return "", false
	}
	f, ok := s.formatting[key]
	if !ok {
		return v, true
	}
	v = f.re.ReplaceAllString(v, f.repl)
	return v, v != ""
}

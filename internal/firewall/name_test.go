package firewall

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFilterNameRoundTrip(t *testing.T) {
	cases := []NameInfo{
		{UserID: "alice", RoomName: "lab", IP: "10.0.0.5", Role: "default", Index: 0},
		{UserID: "bob", RoomName: "lobby", IP: "fd00::1", Role: "staff", Index: 12},
	}
	for _, want := range cases {
		name := FilterName(want.UserID, want.RoomName, want.IP, want.Role, want.Index)
		got, err := ParseFilterName(name)
		if err != nil {
			t.Fatalf("ParseFilterName(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("ParseFilterName(%q) = %+v, want %+v", name, got, want)
		}
	}
}

func TestFilterNameTruncated(t *testing.T) {
	name := FilterName(strings.Repeat("u", 300), "lab", "10.0.0.5", "default", 0)
	if len(name) != MaxNameLen {
		t.Fatalf("len = %d, want %d", len(name), MaxNameLen)
	}
	if !strings.HasPrefix(name, NamePrefix) {
		t.Fatal("truncated name lost its prefix")
	}
}

func TestParseFilterNameRejects(t *testing.T) {
	for _, bad := range []string{"other_alice:lab:1.2.3.4:default:0", "porch_alice:lab", "porch_a:b:c:d:x"} {
		if _, err := ParseFilterName(bad); !errors.Is(err, ErrInvalidFilterName) {
			t.Errorf("ParseFilterName(%q) err = %v", bad, err)
		}
	}
}

func TestMatchPhrase(t *testing.T) {
	name := FilterName("alice", "lab", "10.0.0.5", "default", 1)
	cases := []struct {
		phrase string
		want   bool
	}{
		{name, true},
		{FilterName("alice", "lab", "10.0.0.5", "default", 0), false},
		{Phrase("alice", "10.0.0.5", "lab", "default", 1), true},
		{Phrase("alice", "", "lab", "default", 1), true},
		{Phrase("alice", "", "", "default", 1), true},
		{Phrase("alice", "10.0.0.6", "lab", "default", 1), false},
		{Phrase("ali", "", "", "default", 1), false},
		{Phrase("alice", "", "lobby", "default", 1), false},
		{NamePrefix, true},
		{"", false},
	}
	for _, tc := range cases {
		if got := MatchPhrase(tc.phrase, name); got != tc.want {
			t.Errorf("MatchPhrase(%q) = %v, want %v", tc.phrase, got, tc.want)
		}
	}
	if MatchPhrase(Phrase("alice", "", "", "default", 1), FilterName("alice", "lab", "10.0.0.5", "default", 10)) {
		t.Error("index 1 must not match index 10")
	}
}

func TestMatchPhraseIsPositional(t *testing.T) {
	cases := []struct {
		name   string
		phrase string
		desc   string
		want   bool
	}{
		{"room equal to a role", Phrase("alice", "", "lab", "lab", 0), FilterName("alice", "lobby", "10.0.0.5", "lab", 0), false},
		{"room and role both lab", Phrase("alice", "", "lab", "lab", 0), FilterName("alice", "lab", "10.0.0.5", "lab", 0), true},
		{"room equal to a user", Phrase("alice", "", "bob", "default", 0), FilterName("alice", "lab", "10.0.0.5", "default", 0), false},
		{"ip equal to a role", Phrase("alice", "ops", "", "", 0), FilterName("alice", "lab", "10.0.0.5", "ops", 0), false},
		{"ipv6 address", Phrase("alice", "fd00::5", "lab", "default", 0), FilterName("alice", "lab", "fd00::5", "default", 0), true},
		{"ipv6 prefix of another", Phrase("alice", "fd00::5", "", "default", 0), FilterName("alice", "lab", "fd00::55", "default", 0), false},
		{"foreign description", Phrase("alice", "", "", "default", 0), "manual rule", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchPhrase(tc.phrase, tc.desc); got != tc.want {
				t.Fatalf("MatchPhrase(%q, %q) = %v, want %v", tc.phrase, tc.desc, got, tc.want)
			}
		})
	}
}

func TestPortSpec(t *testing.T) {
	var r Rule
	if err := json.Unmarshal([]byte(`{"dstAddr":"*","dstPort":443,"ipVersion":"4","protocol":"tcp","sequence":10}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	lo, hi, ok, err := r.DstPort.Range()
	if err != nil || !ok || lo != 443 || hi != 443 {
		t.Fatalf("Range = %d %d %v %v", lo, hi, ok, err)
	}
	lo, hi, ok, err = PortSpec("8000-8080").Range()
	if err != nil || !ok || lo != 8000 || hi != 8080 {
		t.Fatalf("range spec = %d %d %v %v", lo, hi, ok, err)
	}
	if _, _, ok, _ := PortSpec(Any).Range(); ok {
		t.Fatal("wildcard should not report bounds")
	}
	if _, _, _, err := PortSpec("http").Range(); err == nil {
		t.Fatal("expected error for named port")
	}
}

type staticResolver map[string][]string

func (r staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if a, ok := r[host]; ok {
		return a, nil
	}
	return nil, errors.New("no such host")
}

func (r staticResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	for host, addrs := range r {
		for _, a := range addrs {
			if a == addr {
				return []string{host + "."}, nil
			}
		}
	}
	return nil, errors.New("no such address")
}

func TestResolveDestination(t *testing.T) {
	ctx := context.Background()
	r := staticResolver{"files.example": {"fd00::10", "192.0.2.10"}}

	d, err := ResolveDestination(ctx, r, "files.example")
	if err != nil || d.String() != "192.0.2.10" {
		t.Fatalf("hostname = %v, %v", d, err)
	}
	d, err = ResolveDestination(ctx, r, "10.1.0.0/16")
	if err != nil || !d.Contains("10.1.2.3") || d.Contains("10.2.0.1") {
		t.Fatalf("cidr = %v, %v", d, err)
	}
	d, err = ResolveDestination(ctx, r, Any)
	if err != nil || !d.IsAny() || d.String() != "any" {
		t.Fatalf("wildcard = %v, %v", d, err)
	}
	if _, err := ResolveDestination(ctx, r, "missing.example"); err == nil {
		t.Fatal("expected lookup failure")
	}
}

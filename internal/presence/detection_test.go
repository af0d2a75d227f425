package presence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func doorDetection() Detection {
	return Detection{
		"doors": {
			Detection: map[string]DetectionRule{
				KeyUser:         {Regexp: `user=(\w+)`, MatchInGroup: 1},
				KeyRoom:         {Regexp: `door=(\w+)-\d+`, MatchInGroup: 1},
				KeyDirectionIn:  {Regexp: `dir=(IN)`, MatchInGroup: 1},
				KeyDirectionOut: {Regexp: `dir=(OUT)`, MatchInGroup: 1},
			},
			Formatting: map[string]FormatRule{
				KeyUser: {Pattern: `(?i)^x`, Repl: ``},
			},
		},
	}
}

func TestParse(t *testing.T) {
	p, err := NewParser(doorDetection())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		line string
		want []AccessEvent
	}{
		{
			name: "entered",
			line: "2026-03-02 08:00:01 INFO: user=XAlice door=LAB-1 dir=IN\n",
			want: []AccessEvent{{System: "doors", User: "alice", Room: "lab", Kind: Entered}},
		},
		{
			name: "left",
			line: "user=xbob door=Lobby-2 dir=OUT",
			want: []AccessEvent{{System: "doors", User: "bob", Room: "lobby", Kind: Left}},
		},
		{
			name: "no direction",
			line: "user=xbob door=Lobby-2 dir=HELD",
			want: []AccessEvent{{System: "doors", User: "bob", Room: "lobby", Kind: Unknown}},
		},
		{
			name: "no user",
			line: "door=LAB-1 dir=IN",
		},
		{
			name: "user formatted to nothing",
			line: "user=x door=LAB-1 dir=IN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Parse(tt.line)
			if len(got) != len(tt.want) {
				t.Fatalf("Parse = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("event %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseMultipleSystems(t *testing.T) {
	d := doorDetection()
	d["badges"] = System{
		Detection: map[string]DetectionRule{
			KeyUser:        {Regexp: `badge (\w+)`, MatchInGroup: 1},
			KeyRoom:        {Regexp: `at (\w+)`, MatchInGroup: 1},
			KeyDirectionIn: {Regexp: `(granted)`, MatchInGroup: 1},
		},
	}
	p, err := NewParser(d)
	if err != nil {
		t.Fatal(err)
	}
	got := p.Parse("badge carol at cafe granted")
	if len(got) != 1 || got[0].System != "badges" || got[0].User != "carol" || got[0].Kind != Entered {
		t.Fatalf("Parse = %+v", got)
	}
}

func TestNewParserRejectsBadConfig(t *testing.T) {
	tests := map[string]System{
		"bad regexp": {Detection: map[string]DetectionRule{
			KeyUser: {Regexp: `(`, MatchInGroup: 1},
			KeyRoom: {Regexp: `r`, MatchInGroup: 0},
		}},
		"missing room": {Detection: map[string]DetectionRule{
			KeyUser: {Regexp: `u`, MatchInGroup: 0},
		}},
		"group out of range": {Detection: map[string]DetectionRule{
			KeyUser: {Regexp: `(u)`, MatchInGroup: 2},
			KeyRoom: {Regexp: `r`, MatchInGroup: 0},
		}},
	}
	for name, sys := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewParser(Detection{"x": sys}); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_detection.jsonc")
	doc := `{
  // front doors
  "doors": {
    "detection": {
      "user": {"regexp": "user=(\\w+)", "matchInGroup": 1},
      "room": {"regexp": "door=(\\w+)", "matchInGroup": 1},
      "directionIn": {"regexp": "(IN)", "matchInGroup": 1},
    },
    "formatting": {
      "room": {"pattern": "^(\\w+)$", "repl": "\\1-wing"}
    }
  }
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := LoadDetection(path)
	if err != nil {
		t.Fatalf("LoadDetection: %v", err)
	}
	p, err := NewParser(d)
	if err != nil {
		t.Fatal(err)
	}
	got := p.Parse("user=dave door=east IN")
	if len(got) != 1 || got[0].Room != "east-wing" {
		t.Fatalf("Parse = %+v", got)
	}
	if !strings.Contains(d["doors"].Formatting[KeyRoom].Repl, `\1`) {
		t.Fatalf("repl = %q", d["doors"].Formatting[KeyRoom].Repl)
	}
}

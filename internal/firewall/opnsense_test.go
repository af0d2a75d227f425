package firewall

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeAppliance is a minimal in-memory OPNsense API.
type fakeAppliance struct {
	mu      sync.Mutex
	rules   map[string]map[string]any
	states  []State
	deleted []string
	applies int
	fails   int
}

func newFakeAppliance() *fakeAppliance {
	return &fakeAppliance{rules: make(map[string]map[string]any)}
}

func (a *fakeAppliance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if user, pass, ok := r.BasicAuth(); !ok || user != "key" || pass != "secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if a.fails > 0 {
		a.fails--
		// hijack and drop the connection to simulate a transport failure
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api")
	switch {
	case path == "/firewall/filter/search_rule":
		var rows []map[string]any
		for uuid, rule := range a.rules {
			row := map[string]any{"uuid": uuid, "enabled": rule["enabled"]}
			for k, v := range rule {
				row[k] = v
			}
			rows = append(rows, row)
		}
		writeJSON(w, map[string]any{"rows": rows})
	case path == "/firewall/filter/addRule":
		var body struct {
			Rule map[string]any `json:"rule"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		uuid := "uuid-" + body.Rule["description"].(string)
		body.Rule["enabled"] = "1"
		body.Rule["sequence"] = "10"
		a.rules[uuid] = body.Rule
		writeJSON(w, map[string]any{"result": "saved", "uuid": uuid})
	case strings.HasPrefix(path, "/firewall/filter/toggleRule/"):
		parts := strings.Split(path, "/")
		if rule, ok := a.rules[parts[4]]; ok {
			rule["enabled"] = parts[5]
		}
		writeJSON(w, map[string]any{"result": "ok"})
	case strings.HasPrefix(path, "/firewall/filter/delRule/"):
		uuid := strings.TrimPrefix(path, "/firewall/filter/delRule/")
		if _, ok := a.rules[uuid]; !ok {
			writeJSON(w, map[string]any{"result": "not found"})
			return
		}
		delete(a.rules, uuid)
		writeJSON(w, map[string]any{"result": "deleted"})
	case path == "/firewall/filter/apply":
		a.applies++
		writeJSON(w, map[string]any{"status": "ok"})
	case path == "/diagnostics/firewall/query_states":
		writeJSON(w, map[string]any{"rows": a.states})
	case strings.HasPrefix(path, "/diagnostics/firewall/del_state/"):
		a.deleted = append(a.deleted, strings.TrimPrefix(path, "/diagnostics/firewall/del_state/"))
		writeJSON(w, map[string]any{"result": "dropped"})
	case path == "/interfaces/overview/interfacesInfo":
		writeJSON(w, map[string]any{"rows": []map[string]string{
			{"identifier": "lan", "addr4": "10.0.0.1/24"},
			{"identifier": "opt1", "addr4": "10.1.0.1/24"},
			{"identifier": "wan"},
		}})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, a *fakeAppliance) *OPNsense {
	t.Helper()
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return NewOPNsense(Config{
		BaseURL:       srv.URL + "/api/",
		APIKey:        "key",
		APISecret:     "secret",
		Attempts:      3,
		RetryInterval: time.Millisecond,
	}, staticResolver{"files.example": {"192.0.2.10"}}, zaptest.NewLogger(t).Sugar())
}

var webRule = Rule{Action: "pass", DstAddr: "files.example", DstPort: "443", IPVersion: "4", Protocol: "tcp", Sequence: 10}

func TestOPNsenseCreateAndSearch(t *testing.T) {
	ctx := context.Background()
	a := newFakeAppliance()
	fw := newTestClient(t, a)

	name := FilterName("alice", "lab", "10.0.0.5", "default", 0)
	if err := fw.CreateFilter(ctx, name, "10.0.0.5", webRule); err != nil {
		t.Fatalf("create: %v", err)
	}
	rule := a.rules["uuid-"+name]
	if rule["source_net"] != "10.0.0.5/32" || rule["interface"] != "lan" || rule["destination_net"] != "192.0.2.10" || rule["protocol"] != "TCP" {
		t.Fatalf("unexpected rule body %+v", rule)
	}
	if a.applies != 1 {
		t.Fatalf("applies = %d, want 1", a.applies)
	}

	got, err := fw.SearchFilter(ctx, name)
	if err != nil || len(got) != 1 || got[0].Description != name || !got[0].Enabled {
		t.Fatalf("SearchFilter = %+v, %v", got, err)
	}
	if got[0].Rule.DstPort != "443" || got[0].Rule.Protocol != "tcp" {
		t.Fatalf("descriptor rule = %+v", got[0].Rule)
	}
	none, err := fw.SearchFilter(ctx, FilterName("alice", "lab", "10.0.0.5", "default", 1))
	if err != nil || len(none) != 0 {
		t.Fatalf("exact search should not match sibling: %+v, %v", none, err)
	}
}

func TestOPNsenseRemovePurgesStates(t *testing.T) {
	ctx := context.Background()
	a := newFakeAppliance()
	fw := newTestClient(t, a)

	name := FilterName("alice", "lab", "10.0.0.5", "default", 0)
	if err := fw.CreateFilter(ctx, name, "10.0.0.5", webRule); err != nil {
		t.Fatalf("create: %v", err)
	}
	a.states = []State{
		{ID: `abc\/1`, Rule: "r", IPProto: "ipv4", Proto: "tcp", SrcAddr: "10.0.0.5", DstAddr: "192.0.2.10", DstPort: "443"},
		{ID: "2", Rule: "r", IPProto: "ipv4", Proto: "tcp", SrcAddr: "10.0.0.5", DstAddr: "192.0.2.10", DstPort: "22"},
		{ID: "3", Rule: "r", IPProto: "ipv4", Proto: "tcp", SrcAddr: "10.0.0.9", DstAddr: "192.0.2.10", DstPort: "443"},
		{ID: "4", IPProto: "ipv4", Proto: "tcp", SrcAddr: "10.0.0.5", DstAddr: "192.0.2.10", DstPort: "443"},
	}

	removed, err := fw.RemoveFilter(ctx, Phrase("alice", "10.0.0.5", "lab", "default", 0))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(removed) != 1 || removed[0] != name {
		t.Fatalf("removed = %v", removed)
	}
	if len(a.rules) != 0 {
		t.Fatalf("rule still present: %+v", a.rules)
	}
	if len(a.deleted) != 1 || a.deleted[0] != "abc/1" {
		t.Fatalf("deleted states = %v", a.deleted)
	}
}

func TestOPNsenseStatesIsLazy(t *testing.T) {
	a := newFakeAppliance()
	a.states = []State{
		{ID: "1", Rule: "r", IPProto: "ipv4", Proto: "tcp", SrcAddr: "10.0.0.5", DstAddr: "192.0.2.10", DstPort: "443"},
		{ID: "2", Rule: "r", IPProto: "ipv4", Proto: "tcp", NatAddr: "10.0.0.5", DstAddr: "192.0.2.10", DstPort: "443"},
	}
	fw := newTestClient(t, a)

	var ids []string
	for st, err := range fw.States(context.Background(), "10.0.0.5", webRule) {
		if err != nil {
			t.Fatalf("states: %v", err)
		}
		ids = append(ids, st.ID)
		break
	}
	if len(ids) != 1 || ids[0] != "1" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestOPNsenseRetriesTransportFailure(t *testing.T) {
	a := newFakeAppliance()
	a.fails = 2
	fw := newTestClient(t, a)

	ifaces, err := fw.Interfaces(context.Background(), "10.1.0.7")
	if err != nil {
		t.Fatalf("interfaces: %v", err)
	}
	if len(ifaces) != 1 || ifaces[0] != "opt1" {
		t.Fatalf("ifaces = %v", ifaces)
	}
}

func TestOPNsenseStatusErrorNotRetried(t *testing.T) {
	a := newFakeAppliance()
	fw := newTestClient(t, a)
	fw.cfg.APISecret = "wrong"

	err := fw.ApplyChanges(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 StatusError", err)
	}
}

package firewall

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/retry"
)

// Config addresses an OPNsense API.
type Config struct {
	// BaseURL is the API root, e.g. https://10.0.0.1/api.
	BaseURL       string
	APIKey        string
	APISecret     string
	InsecureTLS   bool
	Timeout       time.Duration
	Attempts      uint
	RetryInterval time.Duration
}

// StatusError is a non-2xx API response. It is not retried.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("opnsense %s: status %d: %s", e.Path, e.Code, strings.TrimSpace(e.Body))
}

// OPNsense implements Firewall over the OPNsense REST API.
type OPNsense struct {
	cfg      Config
	resolver Resolver
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	client *http.Client
}

var _ Firewall = (*OPNsense)(nil)

// NewOPNsense builds a client with a fresh HTTP session.
func NewOPNsense(cfg Config, resolver Resolver, logger *zap.SugaredLogger) *OPNsense {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	f := &OPNsense{cfg: cfg, resolver: resolver, logger: logger}
	f.connect()
	return f
}

// connect replaces the HTTP session.
func (f *OPNsense) connect() {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: f.cfg.InsecureTLS}
	f.mu.Lock()
	if f.client != nil {
		f.client.CloseIdleConnections()
	}
	f.client = &http.Client{Transport: tr, Timeout: f.cfg.Timeout}
	f.mu.Unlock()
}

func (f *OPNsense) session() *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

func (f *OPNsense) policy(op string) retry.Policy {
	return retry.Policy{
		Op:       op,
		Attempts: f.cfg.Attempts,
		Interval: f.cfg.RetryInterval,
		Recover: func(context.Context) error {
			f.connect()
			return nil
		},
		Retryable: func(err error) bool {
			var se *StatusError
			return !errors.As(err, &se)
		},
		Logger: f.logger,
	}
}

// post sends body as JSON and decodes the response into out when non-nil.
func (f *OPNsense) post(ctx context.Context, path string, body, out any) error {
	return retry.Run(ctx, f.policy(path), func(ctx context.Context) error {
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			rd = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.BaseURL+path, rd)
		if err != nil {
			return err
		}
		req.SetBasicAuth(f.cfg.APIKey, f.cfg.APISecret)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := f.session().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode/100 != 2 {
			return &StatusError{Path: path, Code: resp.StatusCode, Body: string(raw)}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &StatusError{Path: path, Code: resp.StatusCode, Body: "decode: " + err.Error()}
		}
		return nil
	})
}

type resultResponse struct {
	Result string `json:"result"`
	UUID   string `json:"uuid,omitempty"`
}

type ruleRow struct {
	UUID            string `json:"uuid"`
	Description     string `json:"description"`
	Enabled         string `json:"enabled"`
	DestinationNet  string `json:"destination_net"`
	DestinationPort string `json:"destination_port"`
	Protocol        string `json:"protocol"`
	IPProtocol      string `json:"ipprotocol"`
	Sequence        string `json:"sequence"`
	Action          string `json:"action"`
}

func (row ruleRow) descriptor() RuleDescriptor {
	r := Rule{
		Action:    strings.ToLower(row.Action),
		DstAddr:   row.DestinationNet,
		DstPort:   PortSpec(row.DestinationPort),
		IPVersion: "4",
		Protocol:  strings.ToLower(row.Protocol),
	}
	if r.DstAddr == "" || strings.EqualFold(r.DstAddr, "any") {
		r.DstAddr = Any
	}
	if r.DstPort == "" {
		r.DstPort = Any
	}
	if r.Protocol == "" || r.Protocol == "any" {
		r.Protocol = Any
	}
	if row.IPProtocol == "inet6" {
		r.IPVersion = "6"
	}
	r.Sequence, _ = strconv.Atoi(row.Sequence)
	return RuleDescriptor{UUID: row.UUID, Description: row.Description, Enabled: row.Enabled == "1", Rule: r}
}

type searchRequest struct {
	Current      int    `json:"current"`
	RowCount     int    `json:"rowCount"`
	SearchPhrase string `json:"searchPhrase"`
}

// SearchFilter returns rules whose description matches phrase.
func (f *OPNsense) SearchFilter(ctx context.Context, phrase string) ([]RuleDescriptor, error) {
	var resp struct {
		Rows []ruleRow `json:"rows"`
	}
	if err := f.post(ctx, "/firewall/filter/search_rule", searchRequest{Current: 1, RowCount: -1, SearchPhrase: phrase}, &resp); err != nil {
		return nil, err
	}
	var out []RuleDescriptor
	for _, row := range resp.Rows {
		if MatchPhrase(phrase, row.Description) {
			out = append(out, row.descriptor())
		}
	}
	return out, nil
}

// CreateFilter adds a rule for ip on every interface whose network holds ip.
func (f *OPNsense) CreateFilter(ctx context.Context, name, ip string, rule Rule) error {
	ifaces, err := f.Interfaces(ctx, ip)
	if err != nil {
		return err
	}
	dst, err := ResolveDestination(ctx, f.resolver, rule.DstAddr)
	if err != nil {
		return err
	}
	action := rule.Action
	if action == "" {
		action = "block"
	}
	port := string(rule.DstPort)
	if port == Any {
		port = ""
	}
	ipproto := "inet"
	if rule.IPVersion == "6" {
		ipproto = "inet6"
	}
	proto := "any"
	if rule.Protocol != "" && rule.Protocol != Any {
		proto = strings.ToUpper(rule.Protocol)
	}
	body := map[string]any{
		"rule": map[string]any{
			"action":           action,
			"description":      name,
			"source_net":       ip + "/32",
			"interface":        strings.Join(ifaces, ","),
			"destination_net":  dst.String(),
			"destination_port": port,
			"ipprotocol":       ipproto,
			"protocol":         proto,
			"sequence":         rule.Sequence,
		},
	}
	var resp resultResponse
	if err := f.post(ctx, "/firewall/filter/addRule", body, &resp); err != nil {
		return err
	}
	if resp.Result != "saved" {
		return fmt.Errorf("create filter %s: result %q", name, resp.Result)
	}
	if err := f.ApplyChanges(ctx); err != nil {
		return err
	}
	f.logger.Infow("filter created", "filter", name, "ip", ip)
	return nil
}

// RemoveFilter disables, deletes and purges every matching rule.
func (f *OPNsense) RemoveFilter(ctx context.Context, phrase string) ([]string, error) {
	rules, err := f.SearchFilter(ctx, phrase)
	if err != nil {
		return nil, err
	}
	var (
		removed []string
		errs    []error
	)
	for _, rd := range rules {
		if err := f.removeRule(ctx, rd); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, rd.Description)
	}
	return removed, errors.Join(errs...)
}

func (f *OPNsense) removeRule(ctx context.Context, rd RuleDescriptor) error {
	if err := f.ToggleFilter(ctx, rd.UUID, false); err != nil {
		return err
	}
	if err := f.ApplyChanges(ctx); err != nil {
		return err
	}
	var resp resultResponse
	if err := f.post(ctx, "/firewall/filter/delRule/"+url.PathEscape(rd.UUID), nil, &resp); err != nil {
		return err
	}
	if resp.Result != "deleted" {
		return fmt.Errorf("delete filter %s: result %q", rd.Description, resp.Result)
	}
	if err := f.ApplyChanges(ctx); err != nil {
		return err
	}
	f.logger.Infow("filter removed", "filter", rd.Description)

	info, err := ParseFilterName(rd.Description)
	if err != nil {
		return nil
	}
	var ids []string
	for st, err := range f.States(ctx, info.IP, rd.Rule) {
		if err != nil {
			f.logger.Warnw("state query failed", "filter", rd.Description, "err", err)
			break
		}
		ids = append(ids, st.ID)
	}
	n, err := f.DeleteStates(ctx, ids)
	if err != nil {
		f.logger.Warnw("state purge incomplete", "filter", rd.Description, "err", err)
	}
	f.logger.Infow("linked states purged", "filter", rd.Description, "count", n)
	return nil
}

func (f *OPNsense) ToggleFilter(ctx context.Context, uuid string, enabled bool) error {
	status := "0"
	if enabled {
		status = "1"
	}
	return f.post(ctx, "/firewall/filter/toggleRule/"+url.PathEscape(uuid)+"/"+status, nil, nil)
}

func (f *OPNsense) ApplyChanges(ctx context.Context) error {
	return f.post(ctx, "/firewall/filter/apply", nil, nil)
}

// States queries live sessions of ip and yields the ones rule admits.
func (f *OPNsense) States(ctx context.Context, ip string, rule Rule) iter.Seq2[State, error] {
	return func(yield func(State, error) bool) {
		match, err := f.stateMatcher(ctx, ip, rule)
		if err != nil {
			yield(State{}, err)
			return
		}
		var resp struct {
			Rows []State `json:"rows"`
		}
		if err := f.post(ctx, "/diagnostics/firewall/query_states", searchRequest{Current: 1, RowCount: -1, SearchPhrase: ip}, &resp); err != nil {
			yield(State{}, err)
			return
		}
		for _, st := range resp.Rows {
			st.ID = strings.ReplaceAll(st.ID, `\`, "")
			if !match(st) {
				continue
			}
			if !yield(st, nil) {
				return
			}
		}
	}
}

func (f *OPNsense) stateMatcher(ctx context.Context, ip string, rule Rule) (func(State) bool, error) {
	ipproto := "ipv4"
	if rule.IPVersion == "6" {
		ipproto = "ipv6"
	}
	proto := strings.ToLower(rule.Protocol)
	lo, hi, hasPort, err := rule.DstPort.Range()
	if err != nil {
		return nil, err
	}
	dst, err := ResolveDestination(ctx, f.resolver, rule.DstAddr)
	if err != nil {
		return nil, err
	}
	return func(st State) bool {
		if st.Rule == "" || st.IPProto != ipproto {
			return false
		}
		if proto != "" && proto != Any && proto != "any" && st.Proto != proto {
			return false
		}
		if hasPort {
			p, err := strconv.Atoi(st.DstPort)
			if err != nil || p < lo || p > hi {
				return false
			}
		}
		if !dst.Contains(st.DstAddr) {
			return false
		}
		return st.SrcAddr == ip || st.NatAddr == ip
	}, nil
}

// DeleteStates drops sessions by id and returns how many were dropped.
func (f *OPNsense) DeleteStates(ctx context.Context, ids []string) (int, error) {
	n := 0
	var errs []error
	for _, id := range ids {
		if err := f.post(ctx, "/diagnostics/firewall/del_state/"+url.PathEscape(id), nil, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (f *OPNsense) Interfaces(ctx context.Context, ip string) ([]string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("interfaces for %q: %w", ip, err)
	}
	var resp struct {
		Rows []struct {
			Identifier string `json:"identifier"`
			Addr4      string `json:"addr4"`
		} `json:"rows"`
	}
	if err := f.post(ctx, "/interfaces/overview/interfacesInfo", nil, &resp); err != nil {
		return nil, fmt.Errorf("interfaces for %s: %w", ip, err)
	}
	var out []string
	for _, row := range resp.Rows {
		p, err := netip.ParsePrefix(row.Addr4)
		if err != nil {
			continue
		}
		if p.Masked().Contains(addr) {
			out = append(out, row.Identifier)
		}
	}
	return out, nil
}

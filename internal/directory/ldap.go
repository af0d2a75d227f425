package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/retry"
)

// Config addresses the directory server and its service account.
type Config struct {
	URL           string
	BaseDN        string
	BindDN        string
	Password      string
	StartTLS      bool
	InsecureTLS   bool
	Timeout       time.Duration
	Attempts      uint
	RetryInterval time.Duration
}

// Client is a Directory over LDAP. One connection is shared by all callers
// and re-established in place when it breaks.
type Client struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu   sync.Mutex
	conn *ldap.Conn
}

var _ Directory = (*Client)(nil)

// Dial connects and binds. Binding retries without limit since nothing else
// works until it succeeds.
func Dial(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	c := &Client{cfg: cfg, logger: logger}
	err := retry.Run(ctx, retry.Policy{
		Op:        "ldap bind",
		Unlimited: true,
		Interval:  cfg.RetryInterval,
		Retryable: retryable,
		Logger:    logger,
	}, func(context.Context) error { return c.connect() })
	if err != nil {
		return nil, fmt.Errorf("connect directory: %w", err)
	}
	return c, nil
}

func (c *Client) connect() error {
	tc := &tls.Config{InsecureSkipVerify: c.cfg.InsecureTLS}
	conn, err := ldap.DialURL(c.cfg.URL, ldap.DialWithTLSConfig(tc))
	if err != nil {
		return err
	}
	conn.SetTimeout(c.cfg.Timeout)
	if c.cfg.StartTLS {
		if err := conn.StartTLS(tc); err != nil {
			conn.Close()
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if err := conn.Bind(c.cfg.BindDN, c.cfg.Password); err != nil {
		conn.Close()
		return fmt.Errorf("bind %s: %w", c.cfg.BindDN, err)
	}
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	c.logger.Infow("directory connected", "url", c.cfg.URL, "bind", c.cfg.BindDN)
	return nil
}

// Close drops the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) current() (*ldap.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("not connected"))
	}
	return c.conn, nil
}

// retryable reports transient failures that a reconnect may cure.
func retryable(err error) bool {
	return ldap.IsErrorAnyOf(err,
		ldap.ErrorNetwork,
		ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultOperationsError,
		ldap.LDAPResultStrongAuthRequired,
	)
}

func (c *Client) policy(op string) retry.Policy {
	return retry.Policy{
		Op:       op,
		Attempts: c.cfg.Attempts,
		Interval: c.cfg.RetryInterval,
		Recover: func(context.Context) error {
			return c.connect()
		},
		Retryable: retryable,
		Logger:    c.logger,
	}
}

func (c *Client) search(ctx context.Context, base string, scope int, filter string, attrs []string) ([]*ldap.Entry, error) {
	return retry.Do(ctx, c.policy("ldap search"), func(context.Context) ([]*ldap.Entry, error) {
		conn, err := c.current()
		if err != nil {
			return nil, err
		}
		req := ldap.NewSearchRequest(base, scope, ldap.NeverDerefAliases, 0, 0, false, filter, attrs, nil)
		res, err := conn.Search(req)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res.Entries, nil
	})
}

func (c *Client) ResolveDN(ctx context.Context, filter string) (string, bool, error) {
	entries, err := c.search(ctx, c.cfg.BaseDN, ldap.ScopeWholeSubtree, filter, []string{"dn"})
	if err != nil || len(entries) == 0 {
		return "", false, err
	}
	return entries[0].DN, true, nil
}

func (c *Client) ResolveDNs(ctx context.Context, filter string) ([]string, error) {
	entries, err := c.search(ctx, c.cfg.BaseDN, ldap.ScopeWholeSubtree, filter, []string{"dn"})
	if err != nil {
		return nil, err
	}
	dns := make([]string, 0, len(entries))
	for _, e := range entries {
		dns = append(dns, e.DN)
	}
	return dns, nil
}

func (c *Client) IsMember(ctx context.Context, groupDN, userDN string) (bool, error) {
	entries, err := c.search(ctx, groupDN, ldap.ScopeBaseObject, "(member="+ldap.EscapeFilter(userDN)+")", []string{"dn"})
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func (c *Client) GroupMembers(ctx context.Context, groupDN string) ([]string, error) {
	entries, err := c.search(ctx, groupDN, ldap.ScopeBaseObject, "(objectClass=*)", []string{"member"})
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0].GetAttributeValues("member"), nil
}

func (c *Client) Attributes(ctx context.Context, filter string, attrs []string) (map[string][]string, bool, error) {
	entries, err := c.search(ctx, c.cfg.BaseDN, ldap.ScopeWholeSubtree, filter, attrs)
	if err != nil || len(entries) == 0 {
		return nil, false, err
	}
	out := make(map[string][]string, len(attrs))
	for _, a := range entries[0].Attributes {
		out[a.Name] = a.Values
	}
	return out, true, nil
}

func (c *Client) ModifyGroup(ctx context.Context, groupDN string, op Op, userDN string) error {
	err := retry.Run(ctx, c.policy("ldap modify"), func(context.Context) error {
		conn, err := c.current()
		if err != nil {
			return err
		}
		req := ldap.NewModifyRequest(groupDN, nil)
		if op == Add {
			req.Add("member", []string{userDN})
		} else {
			req.Delete("member", []string{userDN})
		}
		err = conn.Modify(req)
		switch {
		case op == Add && ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists):
			return nil
		case op == Remove && ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute):
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %s in %s: %w", op, userDN, groupDN, err)
	}
	return nil
}

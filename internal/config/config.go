// Package config loads process settings from the environment and the
// environment, filterset and detection documents from disk.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/directory"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
)

// Config is the process configuration read from environment variables.
type Config struct {
	ListenAddr       string `env:"LISTEN_ADDR" envDefault:"0.0.0.0"`
	EventPort        int    `env:"EVENT_LISTENER_PORT" envDefault:"4000"`
	EventProtocol    string `env:"EVENT_LISTENER_PROTOCOL" envDefault:"tcp"`
	ExtSystemPort    int    `env:"EXT_LISTENER_PORT" envDefault:"4001"`
	ExtSystemProto   string `env:"EXT_LISTENER_PROTOCOL" envDefault:"tcp"`
	ExtSystemLogFile string `env:"EXT_SYSTEM_LOG" envDefault:"ext-system.log"`
	AdminAddr        string `env:"ADMIN_ADDR" envDefault:":8080"`

	EnvironmentFile string `env:"ENVIRONMENT_FILE" envDefault:"environment.jsonc"`
	FiltersetsFile  string `env:"FILTERSETS_FILE" envDefault:"filtersets.jsonc"`
	DetectionFile   string `env:"DETECTION_FILE" envDefault:"log_detection.jsonc"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`

	LDAP     LDAP     `envPrefix:"LDAP_"`
	Firewall Firewall `envPrefix:"FIREWALL_"`

	EventTokenSecret    string        `env:"EVENT_TOKEN_SECRET"`
	AdminTokenHash      string        `env:"ADMIN_TOKEN_HASH"`
	ImplicitTrustAtBoot bool          `env:"IMPLICIT_TRUST_AT_BOOT"`
	FollowPollInterval  time.Duration `env:"FOLLOW_POLL_INTERVAL" envDefault:"1s"`
}

// LDAP holds the directory connection settings.
type LDAP struct {
	URL           string        `env:"URL" envDefault:"ldap://localhost:389"`
	BaseDN        string        `env:"BASE_DN"`
	BindDN        string        `env:"BIND_DN"`
	Password      string        `env:"PASSWORD"`
	StartTLS      bool          `env:"STARTTLS"`
	InsecureTLS   bool          `env:"INSECURE_TLS"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"10s"`
	Attempts      uint          `env:"RETRY_ATTEMPTS" envDefault:"5"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"5s"`
}

// Firewall holds the firewall API settings. An empty URL runs without one.
type Firewall struct {
	URL           string        `env:"URL"`
	APIKey        string        `env:"API_KEY"`
	APISecret     string        `env:"API_SECRET"`
	InsecureTLS   bool          `env:"INSECURE_TLS"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"10s"`
	Attempts      uint          `env:"RETRY_ATTEMPTS" envDefault:"5"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"5s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses Config from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the workers cannot run with.
func (c Config) Validate() error {
	for _, p := range []string{c.EventProtocol, c.ExtSystemProto} {
		if p != "tcp" && p != "udp" {
			return fmt.Errorf("unsupported listener protocol %q", p)
		}
	}
	if c.StoreBackend != BackendMemory && c.StoreBackend != BackendSQL {
		return fmt.Errorf("unsupported store backend %q", c.StoreBackend)
	}
	if c.FollowPollInterval <= 0 {
		return fmt.Errorf("follow poll interval must be positive")
	}
	return nil
}

// Directory converts the LDAP settings for the directory client.
func (l LDAP) Directory() directory.Config {
	return directory.Config{
		URL:           l.URL,
		BaseDN:        l.BaseDN,
		BindDN:        l.BindDN,
		Password:      l.Password,
		StartTLS:      l.StartTLS,
		InsecureTLS:   l.InsecureTLS,
		Timeout:       l.Timeout,
		Attempts:      l.Attempts,
		RetryInterval: l.RetryInterval,
	}
}

// Enabled reports whether a firewall is configured.
func (f Firewall) Enabled() bool { return f.URL != "" }

// OPNsense converts the firewall settings for the OPNsense client.
func (f Firewall) OPNsense() firewall.Config {
	return firewall.Config{
		BaseURL:       f.URL,
		APIKey:        f.APIKey,
		APISecret:     f.APISecret,
		InsecureTLS:   f.InsecureTLS,
		Timeout:       f.Timeout,
		Attempts:      f.Attempts,
		RetryInterval: f.RetryInterval,
	}
}

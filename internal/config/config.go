// Package config handles orchestrator configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"changeme":                           true,
	"secret":                             true,
	"local-dev-ticket-secret-32-chars!!": true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for signing tickets or minting access keys.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level orchestrator configuration.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty"`
	Session      SessionConfig      `json:"session,omitempty"`
	Hosts        HostsConfig        `json:"hosts,omitempty"`
	Releases     ReleasesConfig     `json:"releases,omitempty"`
	Tickets      TicketsConfig      `json:"tickets,omitempty"`
	RateLimit    RateLimitConfig    `json:"rate_limit,omitempty"`
	Logging      LoggingConfig      `json:"logging,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
	PublicURL      string   `json:"public_url,omitempty"`      // used by the CLI to reach the API
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "inferhub.db" or ":memory:"
}

// OrchestratorConfig identifies this orchestrator instance.
type OrchestratorConfig struct {
	ID string `json:"id,omitempty"` // default: hostname
}

// SessionConfig defines session lifetime and request timing.
type SessionConfig struct {
	IdleTimeout       Duration `json:"idle_timeout,omitempty"`        // default 600s
	SweepInterval     Duration `json:"sweep_interval,omitempty"`      // default 30s
	RequestTimeout    Duration `json:"request_timeout,omitempty"`     // unary calls; default 10s
	StreamItemTimeout Duration `json:"stream_item_timeout,omitempty"` // gap between streamed items; default 60s
	MaxPerClient      int      `json:"max_per_client,omitempty"`      // default 20
}

// HostsConfig defines host connection settings.
type HostsConfig struct {
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max inbound frame; default 4MB
	AccessKeyTTL    Duration `json:"access_key_ttl,omitempty"`    // renewed on each heartbeat; default 1h
}

// ReleasesConfig defines host software update settings.
type ReleasesConfig struct {
	DownloadBaseURL string `json:"download_base_url,omitempty"`
	DefaultGroup    string `json:"default_group,omitempty"` // default "production"
	// MinimumVersions is the fallback minimum host version per release
	// group, used when no active release can be looked up.
	MinimumVersions map[string]string `json:"minimum_versions,omitempty"`
}

// TicketsConfig defines direct-connect ticket signing.
type TicketsConfig struct {
	Secret string   `json:"secret,omitempty"` // empty disables direct-connect tickets
	TTL    Duration `json:"ttl,omitempty"`    // default 5m
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines per-key API rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration. It accepts a Go duration
// string or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. Files ending in .yaml or .yml are
// parsed as YAML; anything else as JSON, with comments and trailing commas
// allowed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes config data in the format implied by ext, then validates it
// and applies defaults.
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		// Re-encode so both formats share the json tags and Duration parsing.
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		data = b
	default:
		data = jsonc.ToJSON(data)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	if c.Tickets.Secret != "" && len(c.Tickets.Secret) < 32 {
		return fmt.Errorf("tickets.secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Tickets.Secret] {
		return fmt.Errorf("tickets.secret is a well-known weak secret, generate a new one")
	}
	for group, v := range c.Releases.MinimumVersions {
		if _, err := semver.NewVersion(v); err != nil {
			return fmt.Errorf("releases.minimum_versions[%s]: %w", group, err)
		}
	}
	if c.Session.IdleTimeout.Duration < 0 || c.Session.RequestTimeout.Duration < 0 ||
		c.Session.StreamItemTimeout.Duration < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "inferhub.db"
	}
	if c.Orchestrator.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Orchestrator.ID = host
		} else {
			c.Orchestrator.ID = "inferhub"
		}
	}
	if c.Session.IdleTimeout.Duration == 0 {
		c.Session.IdleTimeout.Duration = 600 * time.Second
	}
	if c.Session.SweepInterval.Duration == 0 {
		c.Session.SweepInterval.Duration = 30 * time.Second
	}
	if c.Session.RequestTimeout.Duration == 0 {
		c.Session.RequestTimeout.Duration = 10 * time.Second
	}
	if c.Session.StreamItemTimeout.Duration == 0 {
		c.Session.StreamItemTimeout.Duration = 60 * time.Second
	}
	if c.Session.MaxPerClient == 0 {
		c.Session.MaxPerClient = 20
	}
	if c.Hosts.MaxMessageBytes == 0 {
		c.Hosts.MaxMessageBytes = 4 * 1024 * 1024 // 4MB
	}
	if c.Hosts.AccessKeyTTL.Duration == 0 {
		c.Hosts.AccessKeyTTL.Duration = time.Hour
	}
	if c.Releases.DefaultGroup == "" {
		c.Releases.DefaultGroup = "production"
	}
	if c.Tickets.TTL.Duration == 0 {
		c.Tickets.TTL.Duration = 5 * time.Minute
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}

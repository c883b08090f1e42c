// Package config loads the service configuration from YAML with environment
// overrides and validates it before anything is started.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/org/authcore/internal/audit"
	"github.com/org/authcore/internal/auth"
	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/policy"
	"github.com/org/authcore/internal/session"
	"github.com/org/authcore/internal/threat"
)

// DefaultPath is used when AUTHCORE_CONFIG is unset.
const DefaultPath = "config.yaml"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StorageConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	DBUrl         string `yaml:"db_url"`
	MigrationsDir string `yaml:"migrations_dir"`
}

type AuditConfig struct {
	File        audit.FileConfig `yaml:"file"`
	MaxInMemory int              `yaml:"max_in_memory"`
}

// RateLimitConfig bounds requests per client address at the HTTP layer.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	// TrustedProxies lists CIDRs (or single addresses) whose X-Forwarded-For
	// header is believed. Empty means the connection address is always used.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Production bool `yaml:"production"`
	RequireTLS bool `yaml:"require_tls"`
	RequireMFA bool `yaml:"require_mfa"`

	UnsealShares    int    `yaml:"unseal_shares"`
	UnsealThreshold int    `yaml:"unseal_threshold"`
	HybridKeyBits   int    `yaml:"hybrid_key_bits"`
	DevRootKeyFile  string `yaml:"dev_root_key_file"`

	Storage   StorageConfig       `yaml:"storage"`
	Token     auth.Config         `yaml:"token"`
	Session   session.Policy      `yaml:"session"`
	Threat    threat.Config       `yaml:"threat"`
	Audit     AuditConfig         `yaml:"audit"`
	RateLimit RateLimitConfig     `yaml:"rate_limit"`
	Roles     map[string][]string `yaml:"roles"`
}

// Default returns a development configuration.
func Default() Config {
	return Config{
		ListenAddr:      ":8200",
		LogLevel:        "info",
		LogFormat:       "console",
		UnsealShares:    5,
		UnsealThreshold: 3,
		HybridKeyBits:   3072,
		Storage: StorageConfig{
			Driver:        DriverFile,
			Path:          "data",
			MigrationsDir: "migrations",
		},
		Token: auth.Config{
			Issuer:     "authcore",
			Audience:   "authcore-api",
			Algorithm:  "HS256",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Leeway:     10 * time.Second,
		},
		Session: session.DefaultPolicy(),
		Threat:  threat.DefaultConfig(),
		Audit: AuditConfig{
			File:        audit.FileConfig{Path: "logs/audit.jsonl", MaxSizeMB: 100, MaxBackups: 10, MaxAgeDays: 365},
			MaxInMemory: 100000,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
	}
}

// Path returns AUTHCORE_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("AUTHCORE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; found reports whether it existed.
func Load(path string) (cfg *Config, found bool, err error) {
	c := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, false, fmt.Errorf("reading %s: %w", path, err)
	default:
		found = true
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, true, core.Wrap(core.KindConfigInvalid, "parse", fmt.Errorf("parsing %s: %w", path, err))
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, found, err
	}
	return &c, found, nil
}

// Parse decodes YAML over the defaults without touching the environment.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, core.Wrap(core.KindConfigInvalid, "parse", err)
	}
	return &c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("AUTHCORE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("AUTHCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AUTHCORE_SIGNING_SECRET"); v != "" {
		c.Token.SigningSecret = v
	}
	if v := os.Getenv("AUTHCORE_SIGNING_ALGORITHM"); v != "" {
		c.Token.Algorithm = v
	}
	if v := os.Getenv("AUTHCORE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("AUTHCORE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.DBUrl = v
	}
	if v := os.Getenv("AUTHCORE_TRUSTED_PROXIES"); v != "" {
		c.TrustedProxies = strings.Split(v, ",")
	}
	for name, dst := range map[string]*bool{
		"AUTHCORE_PRODUCTION":  &c.Production,
		"AUTHCORE_REQUIRE_TLS": &c.RequireTLS,
		"AUTHCORE_REQUIRE_MFA": &c.RequireMFA,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return core.Errorf(core.KindConfigInvalid, "env", "%s: %v", name, err)
		}
		*dst = b
	}
	return nil
}

// ParseTrustedProxies parses CIDRs and bare addresses into prefixes.
func ParseTrustedProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, raw := range list {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("%q is not a CIDR", v)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("%q is not an address", v)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

var weakSecrets = map[string]bool{
	"secret":                    true,
	"changeme":                  true,
	"change-me":                 true,
	"password":                  true,
	"default":                   true,
	"development":               true,
	"jwt-secret":                true,
	"your-secret-key":           true,
	"your-256-bit-secret":       true,
	"supersecret":               true,
	"secretkey":                 true,
	"dev-secret-change-in-prod": true,
}

// WeakSecret reports whether s is a known placeholder or a single repeated
// character.
func WeakSecret(s string) bool {
	l := strings.ToLower(strings.TrimSpace(s))
	if weakSecrets[l] {
		return true
	}
	for _, w := range []string{"changeme", "change-me", "your-secret", "placeholder"} {
		if strings.Contains(l, w) {
			return true
		}
	}
	return len(l) > 0 && strings.Count(l, l[:1]) == len(l)
}

// Validate checks every rule and reports all violations in one
// ConfigInvalid error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	t := c.Token
	if !auth.ValidAlgorithm(t.Algorithm) {
		add("token.algorithm %q is not one of HS256, HS384, HS512, RS256, ES256", t.Algorithm)
	}
	if auth.IsHMACAlgorithm(t.Algorithm) {
		switch {
		case t.SigningSecret == "":
			add("token.signing_secret is required for %s", t.Algorithm)
		case len(t.SigningSecret) < auth.MinHMACSecret:
			add("token.signing_secret must be at least %d bytes", auth.MinHMACSecret)
		case WeakSecret(t.SigningSecret):
			add("token.signing_secret is a known weak value")
		}
	}
	if t.Issuer == "" || t.Audience == "" {
		add("token.issuer and token.audience are required")
	}
	maxAccess := 60 * time.Minute
	if c.Production {
		maxAccess = 30 * time.Minute
	}
	if t.AccessTTL < 5*time.Minute || t.AccessTTL > maxAccess {
		add("token.access_ttl %s must be within [5m, %s]", t.AccessTTL, maxAccess)
	}
	if t.RefreshTTL <= t.AccessTTL {
		add("token.refresh_ttl must exceed token.access_ttl")
	}
	if t.Leeway < 0 || t.Leeway > time.Minute {
		add("token.leeway must be within [0, 1m]")
	}

	s := c.Session
	if s.MaxConcurrent < 1 {
		add("session.max_concurrent must be at least 1")
	}
	if s.MaxTTL <= 0 || s.MaxTTL > 24*time.Hour {
		add("session.max_ttl %s must be within (0, 24h]", s.MaxTTL)
	}
	if s.DefaultTTL <= 0 || s.DefaultTTL > s.MaxTTL {
		add("session.default_ttl must be positive and at most session.max_ttl")
	}
	if s.RenewThreshold < 0 || s.IdleTimeout < 0 {
		add("session.renew_threshold and session.idle_timeout must not be negative")
	}

	if c.Production {
		if !c.RequireTLS {
			add("production requires require_tls")
		}
		if !c.RequireMFA {
			add("production requires require_mfa")
		}
		if c.DevRootKeyFile != "" {
			add("dev_root_key_file is not allowed in production")
		}
	}
	if c.RequireTLS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		add("require_tls needs tls_cert and tls_key")
	}

	switch c.Storage.Driver {
	case DriverMemory:
		if c.Production {
			add("storage.driver memory is not allowed in production")
		}
	case DriverFile, DriverSQLite:
		if c.Storage.Path == "" {
			add("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case DriverPostgres:
		if c.Storage.DBUrl == "" {
			add("storage.db_url (or DATABASE_URL) is required for the postgres driver")
		}
	default:
		add("storage.driver %q is not one of memory, file, sqlite, postgres", c.Storage.Driver)
	}

	if c.UnsealThreshold < 1 || c.UnsealShares < c.UnsealThreshold || c.UnsealShares > 255 {
		add("unseal_threshold must be within [1, unseal_shares] and unseal_shares at most 255")
	}
	if c.HybridKeyBits < 2048 {
		add("hybrid_key_bits must be at least 2048")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		add("rate_limit values must not be negative")
	}
	if _, err := ParseTrustedProxies(c.TrustedProxies); err != nil {
		add("trusted_proxies: %v", err)
	}
	if err := c.Threat.Validate(); err != nil {
		add("threat: %v", err)
	}
	if _, err := policy.NewRegistry(c.Roles); err != nil {
		add("roles: %v", err)
	}

	if len(problems) == 0 {
		return nil
	}
	return core.E(core.KindConfigInvalid, "validation", strings.Join(problems, "; "))
}

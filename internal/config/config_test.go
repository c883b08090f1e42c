package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/core"
)

const strongSecret = "k9Q2mX7vR4tL8wZ1pN6bH3jF5sD0gC2aYe"

func validConfig() *Config {
	c := Default()
	c.Token.SigningSecret = strongSecret
	return &c
}

func TestDefaultsValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	c := Default()
	c.Token.Algorithm = "ES256"
	if err := c.Validate(); err != nil {
		t.Fatalf("asymmetric config without a secret should validate: %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authcore.yaml")
	yamlDoc := `
listen_addr: ":9000"
token:
  algorithm: HS512
  access_ttl: 20m
session:
  max_concurrent: 5
  auto_extend: false
threat:
  brute_force_threshold: 7
roles:
  auditor: ["read:audit", "export:audit"]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTHCORE_SIGNING_SECRET", strongSecret)
	t.Setenv("DATABASE_URL", "postgres://localhost/authcore")
	t.Setenv("AUTHCORE_REQUIRE_MFA", "true")

	cfg, found, err := Load(path)
	if err != nil || !found {
		t.Fatalf("Load = %v, found = %v", err, found)
	}
	switch {
	case cfg.ListenAddr != ":9000":
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	case cfg.Token.Algorithm != "HS512" || cfg.Token.AccessTTL != 20*time.Minute:
		t.Errorf("token = %+v", cfg.Token)
	case cfg.Token.Issuer != "authcore":
		t.Errorf("default issuer lost: %q", cfg.Token.Issuer)
	case cfg.Session.MaxConcurrent != 5 || cfg.Session.AutoExtend:
		t.Errorf("session = %+v", cfg.Session)
	case cfg.Session.MaxTTL != 24*time.Hour:
		t.Errorf("default max_ttl lost: %s", cfg.Session.MaxTTL)
	case cfg.Threat.BruteForceThreshold != 7 || cfg.Threat.RateThreshold != 100:
		t.Errorf("threat = %+v", cfg.Threat)
	case cfg.Token.SigningSecret != strongSecret:
		t.Errorf("env secret not applied")
	case cfg.Storage.DBUrl != "postgres://localhost/authcore":
		t.Errorf("DATABASE_URL not applied")
	case !cfg.RequireMFA:
		t.Errorf("AUTHCORE_REQUIRE_MFA not applied")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, found, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || found {
		t.Fatalf("Load = %v, found = %v", err, found)
	}
	if cfg.ListenAddr != ":8200" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
}

func TestLoadRejectsBadEnvAndYAML(t *testing.T) {
	t.Setenv("AUTHCORE_PRODUCTION", "maybe")
	if _, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("bad bool accepted: %v", err)
	}
	if _, err := Parse([]byte("token: [unclosed")); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("bad yaml accepted: %v", err)
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.Token.SigningSecret = "" }, "signing_secret is required"},
		{"missing secret hs512", func(c *Config) { c.Token.SigningSecret = ""; c.Token.Algorithm = "HS512" }, "required for HS512"},
		{"short secret", func(c *Config) { c.Token.SigningSecret = "tooshort" }, "at least 32 bytes"},
		{"weak secret", func(c *Config) { c.Token.SigningSecret = strings.Repeat("a", 40) }, "weak"},
		{"placeholder secret", func(c *Config) { c.Token.SigningSecret = "please-changeme-before-deploying-this" }, "weak"},
		{"bad algorithm", func(c *Config) { c.Token.Algorithm = "none" }, "token.algorithm"},
		{"access ttl too short", func(c *Config) { c.Token.AccessTTL = time.Minute }, "access_ttl"},
		{"access ttl too long", func(c *Config) { c.Token.AccessTTL = 2 * time.Hour }, "access_ttl"},
		{"session ttl over a day", func(c *Config) { c.Session.MaxTTL = 25 * time.Hour }, "session.max_ttl"},
		{"zero concurrency", func(c *Config) { c.Session.MaxConcurrent = 0 }, "max_concurrent"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"postgres without url", func(c *Config) { c.Storage.Driver = DriverPostgres }, "db_url"},
		{"threshold above shares", func(c *Config) { c.UnsealThreshold = 6 }, "unseal_threshold"},
		{"bad threat config", func(c *Config) { c.Threat.RateThreshold = 0 }, "threat"},
		{"bad role grant", func(c *Config) { c.Roles = map[string][]string{"x": {"nocolon"}} }, "roles"},
		{"tls without files", func(c *Config) { c.RequireTLS = true }, "tls_cert"},
		{"bad proxy cidr", func(c *Config) { c.TrustedProxies = []string{"10.0.0.0/33"} }, "trusted_proxies"},
		{"bad proxy address", func(c *Config) { c.TrustedProxies = []string{"proxy.internal"} }, "trusted_proxies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Fatalf("Validate = %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestProductionTightensRules(t *testing.T) {
	c := validConfig()
	c.Production = true
	c.Token.AccessTTL = 45 * time.Minute
	err := c.Validate()
	if err == nil {
		t.Fatal("production accepted a 45m access ttl without tls or mfa")
	}
	for _, want := range []string{"[5m, 30m0s]", "require_tls", "require_mfa"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	c.Token.AccessTTL = 15 * time.Minute
	c.RequireTLS, c.RequireMFA = true, true
	c.TLSCertFile, c.TLSKeyFile = "cert.pem", "key.pem"
	if err := c.Validate(); err != nil {
		t.Fatalf("hardened production config rejected: %v", err)
	}

	c.Token.SigningSecret = ""
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "signing_secret is required") {
		t.Fatalf("missing production secret accepted: %v", err)
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{"10.1.2.3/8", " 192.0.2.10 ", "", "2001:db8::/32"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.10/32", "2001:db8::/32"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("prefix %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTrustedProxiesFromEnv(t *testing.T) {
	t.Setenv("AUTHCORE_TRUSTED_PROXIES", "10.0.0.0/8,172.16.0.1")
	cfg, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "172.16.0.1" {
		t.Fatalf("trusted_proxies = %v", cfg.TrustedProxies)
	}
}

func TestWeakSecret(t *testing.T) {
	for s, want := range map[string]bool{
		"secret":          true,
		"  ChangeMe ":     true,
		"zzzzzzzzzzzzzzz": true,
		strongSecret:      false,
	} {
		if got := WeakSecret(s); got != want {
			t.Errorf("WeakSecret(%q) = %v", s, got)
		}
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	applied  []*Config
	rejected []error
	signal   chan struct{}
}

func (h *recordingHandler) ApplyConfig(_ context.Context, cfg *Config) error {
	h.mu.Lock()
	h.applied = append(h.applied, cfg)
	h.mu.Unlock()
	h.signal <- struct{}{}
	return nil
}

func (h *recordingHandler) RejectConfig(_ context.Context, err error) {
	h.mu.Lock()
	h.rejected = append(h.rejected, err)
	h.mu.Unlock()
	h.signal <- struct{}{}
}

func TestWatchAppliesAndRejects(t *testing.T) {
	t.Setenv("AUTHCORE_SIGNING_SECRET", strongSecret)
	path := filepath.Join(t.TempDir(), "authcore.yaml")
	if err := os.WriteFile(path, []byte("session:\n  max_concurrent: 3\n"), 0600); err != nil {
		t.Fatal(err)
	}
	h := &recordingHandler{signal: make(chan struct{}, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, h, zerolog.Nop()) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	wait := func() {
		t.Helper()
		select {
		case <-h.signal:
		case <-time.After(5 * time.Second):
			t.Fatal("no reload observed")
		}
	}

	if err := os.WriteFile(path, []byte("session:\n  max_concurrent: 4\n"), 0600); err != nil {
		t.Fatal(err)
	}
	wait()
	if err := os.WriteFile(path, []byte("session:\n  max_concurrent: 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	wait()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch = %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.applied) != 1 || h.applied[0].Session.MaxConcurrent != 4 {
		t.Fatalf("applied = %+v", h.applied)
	}
	if len(h.rejected) != 1 || !errors.Is(h.rejected[0], core.ErrConfigInvalid) {
		t.Fatalf("rejected = %v", h.rejected)
	}
}

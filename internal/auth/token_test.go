package auth

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/pkg/models"
)

const testSecret = "0123456789abcdef0123456789abcdef-test-only"

// memSecrets is an in-memory SecretStore.
type memSecrets struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemSecrets() *memSecrets { return &memSecrets{data: map[string][]byte{}} }

func (m *memSecrets) Retrieve(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[name]
	if !ok {
		return nil, core.E(core.KindSecretNotFound, "", name)
	}
	return append([]byte(nil), v...), nil
}

func (m *memSecrets) Store(_ context.Context, name string, value []byte, _ models.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = append([]byte(nil), value...)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var epoch = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func testConfig(alg string) Config {
	return Config{
		Issuer:        "authcore-test",
		Audience:      "clinical-api",
		Algorithm:     alg,
		SigningSecret: testSecret,
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		Leeway:        0,
	}
}

func newService(t *testing.T, cfg Config) (*TokenService, *clock, *memSecrets) {
	t.Helper()
	if cfg.Algorithm != "" && !strings.HasPrefix(cfg.Algorithm, "HS") {
		cfg.SigningSecret = ""
	}
	clk := &clock{t: epoch}
	store := newMemSecrets()
	s, err := NewTokenService(context.Background(), cfg, store, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return s, clk, store
}

func TestAccessTokenRoundTrip(t *testing.T) {
	for _, alg := range []string{"HS256", "HS512", "RS256", "ES256"} {
		t.Run(alg, func(t *testing.T) {
			s, _, _ := newService(t, testConfig(alg))
			ctx := context.Background()
			req := AccessRequest{
				Subject:       "dr-house",
				Role:          "physician",
				Permissions:   []string{"read:patient", "write:patient"},
				OrgID:         "ppth",
				Department:    "diagnostics",
				SecurityLevel: models.LevelHigh,
				SessionID:     "sess-1",
				Audience:      []string{"fhir-gateway"},
			}
			tok, issued, err := s.IssueAccessToken(ctx, req)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			got, err := s.VerifyAccessToken(ctx, tok)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if got.Subject != req.Subject || got.Role != req.Role || got.OrgID != req.OrgID ||
				got.Department != req.Department || got.SecurityLevel != req.SecurityLevel ||
				got.SessionID != req.SessionID {
				t.Errorf("claims mismatch: %+v", got)
			}
			if strings.Join(got.Permissions, ",") != "read:patient,write:patient" {
				t.Errorf("permissions = %v", got.Permissions)
			}
			if len(got.Audience) != 2 || got.Audience[0] != "clinical-api" || got.Audience[1] != "fhir-gateway" {
				t.Errorf("audience = %v", got.Audience)
			}
			if got.ID == "" || got.ID != issued.ID {
				t.Errorf("jti = %q, issued %q", got.ID, issued.ID)
			}
			if !got.ExpiresAt.Time.Equal(epoch.Add(15 * time.Minute)) {
				t.Errorf("exp = %v", got.ExpiresAt.Time)
			}
			if !got.NotBefore.Time.Equal(epoch) || !got.IssuedAt.Time.Equal(epoch) {
				t.Errorf("nbf/iat = %v/%v", got.NotBefore.Time, got.IssuedAt.Time)
			}
		})
	}
}

func TestDefaultSecurityLevel(t *testing.T) {
	s, _, _ := newService(t, testConfig("HS256"))
	_, claims, err := s.IssueAccessToken(context.Background(), AccessRequest{Subject: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if claims.SecurityLevel != models.LevelMedium {
		t.Errorf("level = %s", claims.SecurityLevel)
	}
	if _, _, err := s.IssueAccessToken(context.Background(), AccessRequest{Subject: "a", SecurityLevel: "cosmic"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, _, err := s.IssueAccessToken(context.Background(), AccessRequest{Subject: "a", Permissions: []string{"read"}}); err == nil {
		t.Error("expected error for malformed permission")
	}
}

func TestExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		leeway time.Duration
	}{
		{"no leeway", 0},
		{"10s leeway", 10 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig("HS256")
			cfg.Leeway = tc.leeway
			s, clk, _ := newService(t, cfg)
			tok, _, err := s.IssueAccessToken(ctx, AccessRequest{Subject: "nurse-1"})
			if err != nil {
				t.Fatal(err)
			}
			exp := epoch.Add(15 * time.Minute)

			clk.Set(exp.Add(tc.leeway - time.Second))
			if _, err := s.VerifyAccessToken(ctx, tok); err != nil {
				t.Fatalf("one second before boundary: %v", err)
			}
			clk.Set(exp.Add(tc.leeway))
			if _, err := s.VerifyAccessToken(ctx, tok); !errors.Is(err, core.ErrTokenExpired) {
				t.Fatalf("at boundary: expected TokenExpired, got %v", err)
			}
			clk.Set(exp.Add(tc.leeway + time.Hour))
			if _, err := s.VerifyAccessToken(ctx, tok); !errors.Is(err, core.ErrTokenExpired) {
				t.Fatalf("after boundary: expected TokenExpired, got %v", err)
			}
		})
	}
}

func TestNotYetValid(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := newService(t, testConfig("HS256"))
	tok, _, _ := s.IssueAccessToken(ctx, AccessRequest{Subject: "a"})
	clk.Set(epoch.Add(-time.Minute))
	if _, err := s.VerifyAccessToken(ctx, tok); !errors.Is(err, core.ErrTokenInvalid) || errors.Is(err, core.ErrTokenExpired) {
		t.Errorf("expected TokenInvalid, got %v", err)
	}
}

func signRaw(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestMissingClaims(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t, testConfig("HS256"))
	base := func() *AccessClaims {
		return &AccessClaims{
			TokenType: TypeAccess,
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        "jti-1",
				Subject:   "nurse-1",
				Issuer:    "authcore-test",
				Audience:  jwt.ClaimStrings{"clinical-api"},
				IssuedAt:  jwt.NewNumericDate(epoch),
				ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Minute)),
			},
		}
	}
	cases := map[string]func(c *AccessClaims){
		"exp": func(c *AccessClaims) { c.ExpiresAt = nil },
		"iat": func(c *AccessClaims) { c.IssuedAt = nil },
		"sub": func(c *AccessClaims) { c.Subject = "" },
		"jti": func(c *AccessClaims) { c.ID = "" },
	}
	for name, drop := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			drop(c)
			_, err := s.VerifyAccessToken(ctx, signRaw(t, c))
			if !errors.Is(err, core.ErrMissingClaim) {
				t.Errorf("expected missing_claim, got %v", err)
			}
		})
	}

	if _, err := s.VerifyAccessToken(ctx, signRaw(t, base())); err != nil {
		t.Errorf("complete claim set should verify: %v", err)
	}
}

func TestMalformedAndBadSignature(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t, testConfig("HS256"))
	tok, _, _ := s.IssueAccessToken(ctx, AccessRequest{Subject: "a"})

	parts := strings.Split(tok, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	for name, bad := range map[string]string{
		"garbage":   "not-a-jwt",
		"two parts": parts[0] + "." + parts[1],
		"signature": tampered,
	} {
		if _, err := s.VerifyAccessToken(ctx, bad); !errors.Is(err, core.ErrTokenMalformed) {
			t.Errorf("%s: expected malformed, got %v", name, err)
		}
	}

	other, _, _ := newService(t, Config{
		Issuer: "authcore-test", Audience: "clinical-api", Algorithm: "HS256",
		SigningSecret: "a-completely-different-secret-of-sufficient-length",
		AccessTTL:     15 * time.Minute,
	})
	foreign, _, _ := other.IssueAccessToken(ctx, AccessRequest{Subject: "a"})
	if _, err := s.VerifyAccessToken(ctx, foreign); !errors.Is(err, core.ErrTokenMalformed) {
		t.Errorf("foreign key: expected malformed, got %v", err)
	}
}

func TestAlgorithmConfusionRejected(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t, testConfig("RS256"))
	c := &AccessClaims{
		TokenType: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID: "x", Subject: "a", Issuer: "authcore-test",
			Audience:  jwt.ClaimStrings{"clinical-api"},
			IssuedAt:  jwt.NewNumericDate(epoch),
			ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Minute)),
		},
	}
	if _, err := s.VerifyAccessToken(ctx, signRaw(t, c)); !errors.Is(err, core.ErrTokenInvalid) {
		t.Errorf("HS256 token against RS256 service: expected TokenInvalid, got %v", err)
	}
}

func TestRefreshTokens(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := newService(t, testConfig("HS256"))

	rt, err := s.IssueRefreshToken(ctx, "nurse-1", "sess-9")
	if err != nil {
		t.Fatal(err)
	}
	sub, sid, err := s.VerifyRefreshToken(ctx, rt)
	if err != nil || sub != "nurse-1" || sid != "sess-9" {
		t.Fatalf("VerifyRefreshToken = %q, %q, %v", sub, sid, err)
	}

	if _, err := s.VerifyAccessToken(ctx, rt); !errors.Is(err, core.ErrWrongTokenType) {
		t.Errorf("refresh as access: expected wrong_type, got %v", err)
	}

	at, _, _ := s.IssueAccessToken(ctx, AccessRequest{Subject: "nurse-1"})
	if _, _, err := s.VerifyRefreshToken(ctx, at); !errors.Is(err, core.ErrRefreshInvalid) {
		t.Errorf("access as refresh: expected RefreshInvalid, got %v", err)
	}

	clk.Set(epoch.Add(25 * time.Hour))
	if _, _, err := s.VerifyRefreshToken(ctx, rt); !errors.Is(err, core.ErrRefreshInvalid) {
		t.Errorf("expired refresh: expected RefreshInvalid, got %v", err)
	}
}

func TestSigningKeySeededAndReloaded(t *testing.T) {
	ctx := context.Background()
	s, _, store := newService(t, testConfig("HS256"))

	stored, err := store.Retrieve(ctx, SigningKeyName)
	if err != nil || string(stored) != testSecret {
		t.Fatalf("seeded key = %q, %v", stored, err)
	}

	old, _, _ := s.IssueAccessToken(ctx, AccessRequest{Subject: "a"})
	fresh, _ := GenerateSigningMaterial("HS256")
	_ = store.Store(ctx, SigningKeyName, fresh, models.ClassCritical)
	if err := s.ReloadKeys(ctx); err != nil {
		t.Fatalf("ReloadKeys: %v", err)
	}
	if _, err := s.VerifyAccessToken(ctx, old); !errors.Is(err, core.ErrTokenMalformed) {
		t.Errorf("token signed with rotated-out key should fail, got %v", err)
	}
	tok, _, _ := s.IssueAccessToken(ctx, AccessRequest{Subject: "a"})
	if _, err := s.VerifyAccessToken(ctx, tok); err != nil {
		t.Errorf("new token should verify: %v", err)
	}
}

func TestShortSecretRejected(t *testing.T) {
	cfg := testConfig("HS256")
	cfg.SigningSecret = "too-short"
	_, err := NewTokenService(context.Background(), cfg, newMemSecrets())
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("expected ConfigInvalid, got %v", err)
	}
	cfg.Algorithm = "none"
	cfg.SigningSecret = testSecret
	if _, err := NewTokenService(context.Background(), cfg, newMemSecrets()); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("alg none: expected ConfigInvalid, got %v", err)
	}
}

func TestHMACWithoutSecretRejected(t *testing.T) {
	cfg := testConfig("HS256")
	cfg.SigningSecret = ""
	store := newMemSecrets()
	_, err := NewTokenService(context.Background(), cfg, store)
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
	if _, err := store.Retrieve(context.Background(), SigningKeyName); !errors.Is(err, core.ErrSecretNotFound) {
		t.Errorf("no material should be seeded, got %v", err)
	}
}

func TestChangedSecretLogsWarning(t *testing.T) {
	ctx := context.Background()
	store := newMemSecrets()
	if _, err := NewTokenService(ctx, testConfig("HS256"), store); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cfg := testConfig("HS256")
	cfg.SigningSecret = "a-completely-different-secret-of-sufficient-length"
	s, err := NewTokenService(ctx, cfg, store, WithLogger(zerolog.New(&buf)))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "differs from the stored signing key") {
		t.Fatalf("no warning logged: %s", buf.String())
	}
	tok, _, _ := s.IssueAccessToken(ctx, AccessRequest{Subject: "a"})
	first, _, _ := newService(t, testConfig("HS256"))
	if _, err := first.VerifyAccessToken(ctx, tok); err != nil {
		t.Errorf("stored key should still sign: %v", err)
	}

	buf.Reset()
	if _, err := NewTokenService(ctx, testConfig("HS256"), store, WithLogger(zerolog.New(&buf))); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "differs") {
		t.Errorf("unexpected warning with matching secret: %s", buf.String())
	}
}

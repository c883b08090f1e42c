// Package auth issues and verifies signed, time-bounded JWT credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/ids"
	"github.com/org/authcore/internal/metrics"
	"github.com/org/authcore/pkg/models"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Config controls issuance and verification.
type Config struct {
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	RefreshAudience string        `yaml:"refresh_audience"`
	Algorithm       string        `yaml:"algorithm"`
	SigningSecret   string        `yaml:"signing_secret"`
	AccessTTL       time.Duration `yaml:"access_ttl"`
	RefreshTTL      time.Duration `yaml:"refresh_ttl"`
	Leeway          time.Duration `yaml:"leeway"`
}

// AccessRequest describes the credential to issue.
type AccessRequest struct {
	Subject       string
	Role          string
	Permissions   []string
	OrgID         string
	Department    string
	SecurityLevel models.SecurityLevel
	SessionID     string
	Audience      []string
}

// AccessClaims is the claim set carried by an access token.
type AccessClaims struct {
	Role          string               `json:"role"`
	Permissions   []string             `json:"permissions"`
	OrgID         string               `json:"org_id,omitempty"`
	Department    string               `json:"department,omitempty"`
	SecurityLevel models.SecurityLevel `json:"security_level"`
	SessionID     string               `json:"session_id,omitempty"`
	TokenType     string               `json:"token_type"`
	jwt.RegisteredClaims
}

// RefreshClaims is the claim set carried by a refresh token.
type RefreshClaims struct {
	SessionID string `json:"session_id,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies credentials. Signing keys are swapped
// atomically so issuance and verification never take a lock.
type TokenService struct {
	cfg   Config
	store SecretStore
	keys  atomic.Pointer[keySet]
	now   func() time.Time
	log   zerolog.Logger
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *TokenService) { s.log = l }
}

// NewTokenService creates a service and loads its signing keys from store.
func NewTokenService(ctx context.Context, cfg Config, store SecretStore, opts ...Option) (*TokenService, error) {
	if cfg.RefreshAudience == "" {
		cfg.RefreshAudience = cfg.Audience + ":refresh"
	}
	s := &TokenService{cfg: cfg, store: store, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "token_service").Logger()
	if err := s.ReloadKeys(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TokenService) signingKeys() (*keySet, error) {
	ks := s.keys.Load()
	if ks == nil {
		return nil, core.E(core.KindInternal, "no_keys", "signing keys not loaded")
	}
	return ks, nil
}

// IssueAccessToken signs an access token for req.
func (s *TokenService) IssueAccessToken(_ context.Context, req AccessRequest) (string, *AccessClaims, error) {
	if req.Subject == "" {
		return "", nil, errors.New("subject is required")
	}
	level, ok := models.ParseSecurityLevel(string(req.SecurityLevel), models.LevelMedium)
	if !ok {
		return "", nil, fmt.Errorf("unknown security level %q", req.SecurityLevel)
	}
	for _, p := range req.Permissions {
		if _, err := models.ParsePermission(p); err != nil {
			return "", nil, fmt.Errorf("permission %q: %w", p, err)
		}
	}
	ks, err := s.signingKeys()
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	aud := jwt.ClaimStrings{s.cfg.Audience}
	for _, a := range req.Audience {
		if a != "" && !slices.Contains(aud, a) {
			aud = append(aud, a)
		}
	}
	claims := &AccessClaims{
		Role:          req.Role,
		Permissions:   slices.Clone(req.Permissions),
		OrgID:         req.OrgID,
		Department:    req.Department,
		SecurityLevel: level,
		SessionID:     req.SessionID,
		TokenType:     TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.NewUUID(),
			Subject:   req.Subject,
			Issuer:    s.cfg.Issuer,
			Audience:  aud,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	}
	token, err := jwt.NewWithClaims(ks.method, claims).SignedString(ks.sign)
	if err != nil {
		return "", nil, fmt.Errorf("signing access token: %w", err)
	}
	metrics.TokensIssued.WithLabelValues(TypeAccess).Inc()
	return token, claims, nil
}

// IssueRefreshToken signs a refresh token bound to subject and, optionally, a session.
func (s *TokenService) IssueRefreshToken(_ context.Context, subject, sessionID string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	ks, err := s.signingKeys()
	if err != nil {
		return "", err
	}
	now := s.now()
	claims := &RefreshClaims{
		SessionID: sessionID,
		TokenType: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.NewUUID(),
			Subject:   subject,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.RefreshAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshTTL)),
		},
	}
	token, err := jwt.NewWithClaims(ks.method, claims).SignedString(ks.sign)
	if err != nil {
		return "", fmt.Errorf("signing refresh token: %w", err)
	}
	metrics.TokensIssued.WithLabelValues(TypeRefresh).Inc()
	return token, nil
}

func (s *TokenService) parse(token string, claims jwt.Claims) error {
	ks, err := s.signingKeys()
	if err != nil {
		return err
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{ks.method.Alg()}),
		jwt.WithLeeway(s.cfg.Leeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(s.cfg.Issuer),
	)
	_, err = parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return ks.verify, nil
	})
	return err
}

// classify maps jwt validation errors onto the core taxonomy.
func classify(err error) *core.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return core.Wrap(core.KindTokenExpired, "", err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return core.Wrap(core.KindTokenInvalid, "missing_claim", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return core.Wrap(core.KindTokenInvalid, "not_yet_valid", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return core.Wrap(core.KindTokenInvalid, "claims", err)
	default:
		return core.Wrap(core.KindTokenInvalid, "malformed", err)
	}
}

func requireRegistered(c *jwt.RegisteredClaims) error {
	switch {
	case c.ExpiresAt == nil:
		return core.E(core.KindTokenInvalid, "missing_claim", "exp is required")
	case c.IssuedAt == nil:
		return core.E(core.KindTokenInvalid, "missing_claim", "iat is required")
	case c.Subject == "":
		return core.E(core.KindTokenInvalid, "missing_claim", "sub is required")
	case c.ID == "":
		return core.E(core.KindTokenInvalid, "missing_claim", "jti is required")
	}
	return nil
}

// VerifyAccessToken checks signature, temporal claims, required claims,
// issuer, audience and token type, and returns the claims.
func (s *TokenService) VerifyAccessToken(_ context.Context, token string) (*AccessClaims, error) {
	claims, err := s.verifyAccess(token)
	result := "ok"
	if err != nil {
		result = string(core.KindOf(err))
	}
	metrics.TokenVerifications.WithLabelValues(result).Inc()
	return claims, err
}

func (s *TokenService) verifyAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(token, claims); err != nil {
		var ce *core.Error
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, classify(err)
	}
	if err := requireRegistered(&claims.RegisteredClaims); err != nil {
		return nil, err
	}
	if claims.TokenType != TypeAccess {
		return nil, core.Errorf(core.KindTokenInvalid, "wrong_type", "token type %q is not an access token", claims.TokenType)
	}
	if !slices.Contains(claims.Audience, s.cfg.Audience) {
		return nil, core.E(core.KindTokenInvalid, "claims", "audience mismatch")
	}
	return claims, nil
}

// VerifyRefreshToken validates a refresh token and returns its subject and session id.
// Every failure, including expiry, is reported as RefreshInvalid.
func (s *TokenService) VerifyRefreshToken(_ context.Context, token string) (subject, sessionID string, err error) {
	claims := &RefreshClaims{}
	if err := s.parse(token, claims); err != nil {
		reason := string(classify(err).Kind)
		return "", "", core.Wrap(core.KindRefreshInvalid, reason, err)
	}
	if err := requireRegistered(&claims.RegisteredClaims); err != nil {
		return "", "", core.Wrap(core.KindRefreshInvalid, "missing_claim", err)
	}
	if claims.TokenType != TypeRefresh {
		return "", "", core.E(core.KindRefreshInvalid, "wrong_type", "not a refresh token")
	}
	if !slices.Contains(claims.Audience, s.cfg.RefreshAudience) {
		return "", "", core.E(core.KindRefreshInvalid, "claims", "audience mismatch")
	}
	return claims.Subject, claims.SessionID, nil
}

// AccessTTL is the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// Algorithm is the configured signing algorithm.
func (s *TokenService) Algorithm() string { return s.cfg.Algorithm }

package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/crypto"
	"github.com/org/authcore/pkg/models"
)

// SigningKeyName is the credential store entry holding token signing material.
const SigningKeyName = "token-signing-key"

// MinHMACSecret is the shortest accepted HMAC signing secret in bytes.
const MinHMACSecret = 32

// SecretStore is the slice of the credential store the token service needs.
type SecretStore interface {
	Retrieve(ctx context.Context, name string) ([]byte, error)
	Store(ctx context.Context, name string, value []byte, class models.Classification) error
}

type keySet struct {
	method jwt.SigningMethod
	sign   any
	verify any
}

func methodFor(alg string) (jwt.SigningMethod, error) {
	switch alg {
	case "HS256", "HS384", "HS512", "RS256", "ES256":
		return jwt.GetSigningMethod(alg), nil
	}
	return nil, core.Errorf(core.KindConfigInvalid, "algorithm", "signing algorithm %q is not allowed", alg)
}

// ValidAlgorithm reports whether alg is on the signing allow-list.
func ValidAlgorithm(alg string) bool {
	_, err := methodFor(alg)
	return err == nil
}

// IsHMACAlgorithm reports whether alg signs with a shared secret.
func IsHMACAlgorithm(alg string) bool {
	switch alg {
	case "HS256", "HS384", "HS512":
		return true
	}
	return false
}

func isHMAC(m jwt.SigningMethod) bool {
	_, ok := m.(*jwt.SigningMethodHMAC)
	return ok
}

// GenerateSigningMaterial creates fresh material for alg: random bytes for
// HMAC, a PKCS#8 PEM private key otherwise.
func GenerateSigningMaterial(alg string) ([]byte, error) {
	switch alg {
	case "HS256", "HS384", "HS512":
		return crypto.RandomBytes(64)
	case "RS256":
		k, err := crypto.GenerateRSAKey(2048)
		if err != nil {
			return nil, err
		}
		return crypto.MarshalPrivateKeyPEM(k)
	case "ES256":
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ecdsa key: %w", err)
		}
		return crypto.MarshalPrivateKeyPEM(k)
	}
	return nil, core.Errorf(core.KindConfigInvalid, "algorithm", "signing algorithm %q is not allowed", alg)
}

func parseKeySet(method jwt.SigningMethod, material []byte) (*keySet, error) {
	if isHMAC(method) {
		if len(material) < MinHMACSecret {
			return nil, core.Errorf(core.KindConfigInvalid, "secret_length",
				"signing secret is %d bytes, need at least %d", len(material), MinHMACSecret)
		}
		return &keySet{method: method, sign: material, verify: material}, nil
	}

	key, err := crypto.ParsePrivateKeyPEM(material)
	if err != nil {
		return nil, core.Wrap(core.KindConfigInvalid, "signing_key", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if method.Alg() != "RS256" {
			break
		}
		return &keySet{method: method, sign: k, verify: &k.PublicKey}, nil
	case *ecdsa.PrivateKey:
		if method.Alg() != "ES256" || k.Curve != elliptic.P256() {
			break
		}
		return &keySet{method: method, sign: k, verify: &k.PublicKey}, nil
	}
	return nil, core.Errorf(core.KindConfigInvalid, "signing_key", "stored key %T does not fit %s", key, method.Alg())
}

// ReloadKeys reads signing material from the credential store and swaps it in.
// On first start the store is seeded from the configured secret (HMAC) or a
// freshly generated key pair (RS256/ES256).
func (s *TokenService) ReloadKeys(ctx context.Context) error {
	method, err := methodFor(s.cfg.Algorithm)
	if err != nil {
		return err
	}
	material, err := s.store.Retrieve(ctx, SigningKeyName)
	switch {
	case errors.Is(err, core.ErrSecretNotFound):
		material, err = s.seedMaterial(ctx)
	case err == nil && s.keys.Load() == nil:
		s.warnSecretMismatch(method, material)
	}
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	defer crypto.Zero(material)

	ks, err := parseKeySet(method, material)
	if err != nil {
		return err
	}
	if isHMAC(method) {
		// material is zeroed on return; keep an independent copy.
		cp := append([]byte(nil), material...)
		ks.sign, ks.verify = cp, cp
	}
	s.keys.Store(ks)
	s.log.Info().Str("alg", method.Alg()).Msg("token signing keys loaded")
	return nil
}

func (s *TokenService) seedMaterial(ctx context.Context) ([]byte, error) {
	var (
		material []byte
		err      error
	)
	switch {
	case s.cfg.SigningSecret != "":
		material = []byte(s.cfg.SigningSecret)
	case IsHMACAlgorithm(s.cfg.Algorithm):
		return nil, core.Errorf(core.KindConfigInvalid, "signing_secret",
			"a signing secret is required for %s", s.cfg.Algorithm)
	default:
		material, err = GenerateSigningMaterial(s.cfg.Algorithm)
		if err != nil {
			return nil, err
		}
	}
	if err := s.store.Store(ctx, SigningKeyName, material, models.ClassCritical); err != nil {
		return nil, err
	}
	s.log.Info().Str("alg", s.cfg.Algorithm).Msg("seeded token signing material")
	return material, nil
}

// warnSecretMismatch logs when the configured HMAC secret is not the stored
// one. The stored key wins; a changed secret only takes effect via rotation.
func (s *TokenService) warnSecretMismatch(method jwt.SigningMethod, stored []byte) {
	if !isHMAC(method) || s.cfg.SigningSecret == "" {
		return
	}
	if subtle.ConstantTimeCompare(stored, []byte(s.cfg.SigningSecret)) == 1 {
		return
	}
	s.log.Warn().
		Str("key", SigningKeyName).
		Msg("configured signing_secret differs from the stored signing key; the stored key is used, rotate secrets to change it")
}

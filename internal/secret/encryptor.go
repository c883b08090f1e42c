package secret

import (
	"crypto/rsa"
	"sync/atomic"
	"time"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/crypto"
	"github.com/org/authcore/pkg/models"
)

const (
	AlgSymmetric = "AES-256-GCM"
	AlgHybrid    = "AES-256-GCM+RSA-OAEP-SHA256"
)

// Encryptor implements envelope encryption for secrets and PHI payloads.
// Every package gets a fresh DEK. Lower classifications wrap the DEK with the
// KEK held by the seal manager; restricted and critical wrap it with the RSA
// public key.
type Encryptor struct {
	seal *core.SealManager
	key  atomic.Pointer[rsa.PrivateKey]
	now  func() time.Time
}

func NewEncryptor(seal *core.SealManager) *Encryptor {
	return &Encryptor{seal: seal, now: time.Now}
}

// SetKeyPair installs the RSA key pair used for hybrid packages.
func (e *Encryptor) SetKeyPair(priv *rsa.PrivateKey) {
	e.key.Store(priv)
}

// HasKeyPair reports whether hybrid packages can be produced.
func (e *Encryptor) HasKeyPair() bool {
	return e.key.Load() != nil
}

// header is bound to the ciphertext as GCM additional data and as the OAEP label.
func header(mode models.EncryptionMode, class models.Classification, alg string) []byte {
	return []byte("authcore/v1|" + string(mode) + "|" + string(class) + "|" + alg)
}

// Encrypt seals payload according to its classification.
func (e *Encryptor) Encrypt(payload []byte, class models.Classification) (*models.EncryptedPackage, error) {
	if !class.Valid() {
		return nil, core.Errorf(core.KindInternal, "bad_classification", "unknown classification %q", class)
	}
	mode, alg := models.ModeSymmetric, AlgSymmetric
	if class.RequiresHybrid() {
		mode, alg = models.ModeHybrid, AlgHybrid
	}
	aad := header(mode, class, alg)

	dek, err := crypto.GenerateDEK()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)

	ct, nonce, err := crypto.Seal(dek, payload, aad)
	if err != nil {
		return nil, err
	}

	var wrapped []byte
	switch mode {
	case models.ModeHybrid:
		priv := e.key.Load()
		if priv == nil {
			return nil, core.E(core.KindInternal, "no_key_pair", "hybrid key pair not loaded")
		}
		wrapped, err = crypto.WrapKeyRSA(&priv.PublicKey, dek, aad)
	default:
		var kek []byte
		kek, err = e.seal.KEK()
		if err != nil {
			return nil, err
		}
		wrapped, err = crypto.WrapKey(kek, dek, aad)
		crypto.Zero(kek)
	}
	if err != nil {
		return nil, err
	}

	return &models.EncryptedPackage{
		Ciphertext:     ct,
		Nonce:          nonce,
		Mode:           mode,
		Classification: class,
		Algorithm:      alg,
		CreatedAt:      e.now().UTC(),
		WrappedKey:     wrapped,
	}, nil
}

// Decrypt opens a package produced by Encrypt. Any failure is reported as
// DecryptionFailed and no plaintext is returned.
func (e *Encryptor) Decrypt(pkg *models.EncryptedPackage) ([]byte, error) {
	if pkg == nil {
		return nil, core.E(core.KindDecryptionFailed, "empty", "nil package")
	}
	aad := header(pkg.Mode, pkg.Classification, pkg.Algorithm)

	var (
		dek []byte
		err error
	)
	switch pkg.Mode {
	case models.ModeSymmetric:
		if pkg.Algorithm != AlgSymmetric {
			return nil, core.Errorf(core.KindDecryptionFailed, "algorithm", "unexpected algorithm %q", pkg.Algorithm)
		}
		kek, kerr := e.seal.KEK()
		if kerr != nil {
			return nil, kerr
		}
		dek, err = crypto.UnwrapKey(kek, pkg.WrappedKey, aad)
		crypto.Zero(kek)
	case models.ModeHybrid:
		if pkg.Algorithm != AlgHybrid {
			return nil, core.Errorf(core.KindDecryptionFailed, "algorithm", "unexpected algorithm %q", pkg.Algorithm)
		}
		priv := e.key.Load()
		if priv == nil {
			return nil, core.E(core.KindDecryptionFailed, "no_key_pair", "hybrid key pair not loaded")
		}
		dek, err = crypto.UnwrapKeyRSA(priv, pkg.WrappedKey, aad)
	default:
		return nil, core.Errorf(core.KindDecryptionFailed, "unknown_mode", "unknown encryption mode %q", pkg.Mode)
	}
	if err != nil {
		return nil, decryptErr("unwrap", err)
	}
	defer crypto.Zero(dek)

	pt, err := crypto.Open(dek, pkg.Ciphertext, pkg.Nonce, aad)
	if err != nil {
		return nil, decryptErr("open", err)
	}
	return pt, nil
}

func decryptErr(reason string, err error) error {
	return core.Wrap(core.KindDecryptionFailed, reason, err)
}

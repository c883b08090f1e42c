package secret

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/crypto"
	"github.com/org/authcore/internal/metrics"
	"github.com/org/authcore/internal/storage"
	"github.com/org/authcore/pkg/models"
)

const (
	secretPrefix  = "secrets/"
	keyPairRecord = "keys/encryption"
)

// Info describes a stored secret without its value.
type Info struct {
	Name           string                `json:"name"`
	Classification models.Classification `json:"classification"`
	CreatedAt      time.Time             `json:"created_at"`
	RotatedAt      *time.Time            `json:"rotated_at,omitempty"`
}

type record struct {
	Info
	Package *models.EncryptedPackage `json:"package"`
}

// Generator produces replacement material for a secret during rotation.
type Generator func() ([]byte, error)

// Store is the durable, encrypted credential store. One record per name.
type Store struct {
	backend storage.Backend
	enc     *Encryptor
	log     zerolog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	generators map[string]Generator
	pinned     []string
}

func NewStore(backend storage.Backend, enc *Encryptor, log zerolog.Logger) *Store {
	return &Store{
		backend:    backend,
		enc:        enc,
		log:        log.With().Str("component", "credential_store").Logger(),
		now:        time.Now,
		generators: make(map[string]Generator),
	}
}

// GenerateSecret returns n random bytes.
func GenerateSecret(n int) ([]byte, error) {
	return crypto.RandomBytes(n)
}

func (s *Store) GenerateSecret(n int) ([]byte, error) {
	return GenerateSecret(n)
}

// RegisterGenerator sets how RotateAll regenerates name. Secrets without a
// generator are replaced with random bytes of the same length.
func (s *Store) RegisterGenerator(name string, g Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generators[name] = g
}

// Pin excludes every secret whose name starts with prefix from RotateAll.
func (s *Store) Pin(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = append(s.pinned, prefix)
}

func (s *Store) isPinned(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pinned {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}

func (s *Store) Store(ctx context.Context, name string, value []byte, class models.Classification) (err error) {
	defer func() { metrics.SecretOps.WithLabelValues("store", metrics.Outcome(err)).Inc() }()
	if err := validName(name); err != nil {
		return err
	}
	rec := record{Info: Info{Name: name, Classification: class, CreatedAt: s.now().UTC()}}
	if prev, err := s.load(ctx, name); err == nil {
		rec.CreatedAt = prev.CreatedAt
		t := s.now().UTC()
		rec.RotatedAt = &t
	} else if !errors.Is(err, core.ErrSecretNotFound) {
		return err
	}
	return s.write(ctx, rec, value)
}

func (s *Store) write(ctx context.Context, rec record, value []byte) error {
	pkg, err := s.enc.Encrypt(value, rec.Classification)
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", rec.Name, err)
	}
	rec.Package = pkg
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling secret record: %w", err)
	}
	if err := s.backend.Put(ctx, secretPrefix+rec.Name, b); err != nil {
		return fmt.Errorf("storing %s: %w", rec.Name, err)
	}
	s.log.Debug().Str("secret", rec.Name).Str("classification", string(rec.Classification)).
		Str("mode", string(pkg.Mode)).Msg("secret stored")
	return nil
}

func (s *Store) load(ctx context.Context, name string) (*record, error) {
	b, err := s.backend.Get(ctx, secretPrefix+name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, core.Errorf(core.KindSecretNotFound, "", "secret %q not found", name)
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, core.Wrap(core.KindDecryptionFailed, "corrupt_record", err)
	}
	return &rec, nil
}

// Retrieve decrypts and returns the value stored under name.
func (s *Store) Retrieve(ctx context.Context, name string) (value []byte, err error) {
	defer func() { metrics.SecretOps.WithLabelValues("retrieve", metrics.Outcome(err)).Inc() }()
	if err := validName(name); err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.enc.Decrypt(rec.Package)
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	_, err := s.backend.Get(ctx, secretPrefix+name)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete overwrites the record with random bytes of the same length and then removes it.
func (s *Store) Delete(ctx context.Context, name string) (err error) {
	defer func() { metrics.SecretOps.WithLabelValues("delete", metrics.Outcome(err)).Inc() }()
	if err := validName(name); err != nil {
		return err
	}
	key := secretPrefix + name
	b, err := s.backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return core.Errorf(core.KindSecretNotFound, "", "secret %q not found", name)
	}
	if err != nil {
		return err
	}
	junk, err := crypto.RandomBytes(len(b))
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, key, junk); err != nil {
		return fmt.Errorf("overwriting %s: %w", name, err)
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	s.log.Info().Str("secret", name).Msg("secret deleted")
	return nil
}

// List returns metadata for every stored secret, ordered by name.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	entries, err := s.backend.Scan(ctx, secretPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		var rec record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			s.log.Warn().Str("key", e.Key).Err(err).Msg("skipping unreadable secret record")
			continue
		}
		out = append(out, rec.Info)
	}
	return out, nil
}

// RotateAll replaces every stored secret that is not pinned with fresh
// material and returns the new values by name. A secret that fails to rotate keeps its old value and
// the first such error is returned alongside the successful rotations.
func (s *Store) RotateAll(ctx context.Context) (map[string][]byte, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	rotated := make(map[string][]byte, len(infos))
	var firstErr error
	for _, info := range infos {
		if s.isPinned(info.Name) {
			continue
		}
		v, err := s.rotate(ctx, info)
		if err != nil {
			s.log.Error().Err(err).Str("secret", info.Name).Msg("secret rotation failed")
			metrics.SecretOps.WithLabelValues("rotate", "error").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.SecretOps.WithLabelValues("rotate", "ok").Inc()
		rotated[info.Name] = v
	}
	s.log.Info().Int("rotated", len(rotated)).Int("total", len(infos)).Msg("secret rotation complete")
	return rotated, firstErr
}

func (s *Store) rotate(ctx context.Context, info Info) ([]byte, error) {
	s.mu.RLock()
	gen := s.generators[info.Name]
	s.mu.RUnlock()

	var (
		v   []byte
		err error
	)
	if gen != nil {
		v, err = gen()
	} else {
		var old []byte
		old, err = s.Retrieve(ctx, info.Name)
		if err != nil {
			return nil, err
		}
		v, err = crypto.RandomBytes(len(old))
		crypto.Zero(old)
	}
	if err != nil {
		return nil, err
	}
	t := s.now().UTC()
	info.RotatedAt = &t
	if err := s.write(ctx, record{Info: info}, v); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadOrCreateKeyPair restores the hybrid-mode RSA key pair from the backend,
// generating and persisting a new one of the given size on first start. The
// private key is stored symmetric-encrypted under the KEK.
func (s *Store) LoadOrCreateKeyPair(ctx context.Context, bits int) (*rsa.PrivateKey, error) {
	b, err := s.backend.Get(ctx, keyPairRecord)
	switch {
	case err == nil:
		var pkg models.EncryptedPackage
		if err := json.Unmarshal(b, &pkg); err != nil {
			return nil, core.Wrap(core.KindDecryptionFailed, "corrupt_record", err)
		}
		pemBytes, err := s.enc.Decrypt(&pkg)
		if err != nil {
			return nil, fmt.Errorf("decrypting key pair: %w", err)
		}
		defer crypto.Zero(pemBytes)
		priv, err := crypto.ParseRSAPrivateKeyPEM(pemBytes)
		if err != nil {
			return nil, err
		}
		s.enc.SetKeyPair(priv)
		return priv, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	priv, err := crypto.GenerateRSAKey(bits)
	if err != nil {
		return nil, err
	}
	pemBytes, err := crypto.MarshalPrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(pemBytes)
	pkg, err := s.enc.Encrypt(pemBytes, models.ClassConfidential)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(pkg)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Put(ctx, keyPairRecord, out); err != nil {
		return nil, fmt.Errorf("storing key pair: %w", err)
	}
	s.enc.SetKeyPair(priv)
	s.log.Info().Int("bits", bits).Msg("generated hybrid encryption key pair")
	return priv, nil
}

package secret

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/crypto"
	"github.com/org/authcore/internal/storage"
	"github.com/org/authcore/pkg/models"
)

func newUnsealed(t *testing.T) *core.SealManager {
	t.Helper()
	root, err := crypto.GenerateRootKey()
	if err != nil {
		t.Fatal(err)
	}
	sm := core.NewSealManager(3)
	if err := sm.UnsealWithRootKey(root); err != nil {
		t.Fatal(err)
	}
	return sm
}

func newTestStore(t *testing.T, backend storage.Backend) (*Store, *Encryptor) {
	t.Helper()
	enc := NewEncryptor(newUnsealed(t))
	s := NewStore(backend, enc, zerolog.Nop())
	if _, err := s.LoadOrCreateKeyPair(context.Background(), 2048); err != nil {
		t.Fatalf("LoadOrCreateKeyPair: %v", err)
	}
	return s, enc
}

func TestEncryptDecryptModes(t *testing.T) {
	_, enc := newTestStore(t, storage.NewMemoryBackend())
	payload := []byte(`{"patient":"p-77","dx":"J45.909"}`)

	tests := []struct {
		class models.Classification
		mode  models.EncryptionMode
	}{
		{models.ClassPublic, models.ModeSymmetric},
		{models.ClassInternal, models.ModeSymmetric},
		{models.ClassConfidential, models.ModeSymmetric},
		{models.ClassRestricted, models.ModeHybrid},
		{models.ClassCritical, models.ModeHybrid},
	}
	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			pkg, err := enc.Encrypt(payload, tt.class)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if pkg.Mode != tt.mode {
				t.Errorf("mode = %s, want %s", pkg.Mode, tt.mode)
			}
			if len(pkg.WrappedKey) == 0 {
				t.Error("expected wrapped key")
			}
			got, err := enc.Decrypt(pkg)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("round trip mismatch: %q", got)
			}
		})
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	_, enc := newTestStore(t, storage.NewMemoryBackend())

	for _, class := range []models.Classification{models.ClassConfidential, models.ClassCritical} {
		mutations := map[string]func(p *models.EncryptedPackage){
			"ciphertext": func(p *models.EncryptedPackage) { p.Ciphertext[0] ^= 0x01 },
			"nonce":      func(p *models.EncryptedPackage) { p.Nonce[0] ^= 0x01 },
			"wrapped":    func(p *models.EncryptedPackage) { p.WrappedKey[len(p.WrappedKey)-1] ^= 0x01 },
			"downgrade": func(p *models.EncryptedPackage) {
				if p.Classification == models.ClassCritical {
					p.Classification = models.ClassRestricted
				} else {
					p.Classification = models.ClassInternal
				}
			},
			"mode": func(p *models.EncryptedPackage) { p.Mode = "quantum" },
		}
		for name, mutate := range mutations {
			t.Run(string(class)+"/"+name, func(t *testing.T) {
				pkg, err := enc.Encrypt([]byte("lab result"), class)
				if err != nil {
					t.Fatal(err)
				}
				mutate(pkg)
				got, err := enc.Decrypt(pkg)
				if !errors.Is(err, core.ErrDecryptionFailed) {
					t.Fatalf("expected DecryptionFailed, got %v", err)
				}
				if got != nil {
					t.Error("no plaintext should be returned on failure")
				}
			})
		}
	}
}

func TestEncryptWhileSealed(t *testing.T) {
	sm := newUnsealed(t)
	enc := NewEncryptor(sm)
	sm.Seal()
	if _, err := enc.Encrypt([]byte("x"), models.ClassInternal); !errors.Is(err, core.ErrSealed) {
		t.Errorf("expected Sealed, got %v", err)
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, storage.NewMemoryBackend())

	if _, err := s.Retrieve(ctx, "db-password"); !errors.Is(err, core.ErrSecretNotFound) {
		t.Fatalf("expected SecretNotFound, got %v", err)
	}
	if err := s.Store(ctx, "db-password", []byte("hunter2hunter2"), models.ClassRestricted); err != nil {
		t.Fatalf("Store: %v", err)
	}
	ok, err := s.Exists(ctx, "db-password")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	got, err := s.Retrieve(ctx, "db-password")
	if err != nil || string(got) != "hunter2hunter2" {
		t.Fatalf("Retrieve = %q, %v", got, err)
	}

	infos, err := s.List(ctx)
	if err != nil || len(infos) != 1 || infos[0].Name != "db-password" {
		t.Fatalf("List = %+v, %v", infos, err)
	}

	if err := s.Delete(ctx, "db-password"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := s.Exists(ctx, "db-password"); ok {
		t.Error("secret should be gone")
	}
	if err := s.Delete(ctx, "db-password"); !errors.Is(err, core.ErrSecretNotFound) {
		t.Errorf("second delete: expected SecretNotFound, got %v", err)
	}
	if err := s.Store(ctx, "../escape", []byte("x"), models.ClassPublic); err == nil {
		t.Error("expected invalid name error")
	}
}

type recordingBackend struct {
	storage.Backend
	puts [][]byte
}

func (r *recordingBackend) Put(ctx context.Context, key string, value []byte) error {
	if key == "secrets/api-key" {
		r.puts = append(r.puts, bytes.Clone(value))
	}
	return r.Backend.Put(ctx, key, value)
}

func TestDeleteOverwritesBeforeRemoval(t *testing.T) {
	ctx := context.Background()
	rb := &recordingBackend{Backend: storage.NewMemoryBackend()}
	s, _ := newTestStore(t, rb)

	if err := s.Store(ctx, "api-key", []byte("abc123"), models.ClassInternal); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "api-key"); err != nil {
		t.Fatal(err)
	}
	if len(rb.puts) != 2 {
		t.Fatalf("expected store + overwrite puts, got %d", len(rb.puts))
	}
	if len(rb.puts[1]) != len(rb.puts[0]) {
		t.Errorf("overwrite length %d != record length %d", len(rb.puts[1]), len(rb.puts[0]))
	}
	if bytes.Equal(rb.puts[1], rb.puts[0]) {
		t.Error("overwrite should differ from the original record")
	}
}

func TestRotateAll(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, storage.NewMemoryBackend())

	_ = s.Store(ctx, "a", []byte("0123456789abcdef"), models.ClassConfidential)
	_ = s.Store(ctx, "b", []byte("short"), models.ClassCritical)
	s.RegisterGenerator("b", func() ([]byte, error) { return []byte("generated"), nil })

	rotated, err := s.RotateAll(ctx)
	if err != nil {
		t.Fatalf("RotateAll: %v", err)
	}
	if len(rotated) != 2 {
		t.Fatalf("expected 2 rotated, got %d", len(rotated))
	}
	if len(rotated["a"]) != 16 || string(rotated["a"]) == "0123456789abcdef" {
		t.Errorf("a not rotated to fresh 16 bytes: %q", rotated["a"])
	}
	if string(rotated["b"]) != "generated" {
		t.Errorf("b = %q", rotated["b"])
	}
	got, _ := s.Retrieve(ctx, "a")
	if !bytes.Equal(got, rotated["a"]) {
		t.Error("stored value should match returned rotation")
	}
	infos, _ := s.List(ctx)
	for _, info := range infos {
		if info.RotatedAt == nil {
			t.Errorf("%s missing rotated_at", info.Name)
		}
	}
}

func TestKeyPairSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")
	fb, err := storage.NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	root, _ := crypto.GenerateRootKey()

	sm1 := core.NewSealManager(2)
	_ = sm1.UnsealWithRootKey(root)
	s1 := NewStore(fb, NewEncryptor(sm1), zerolog.Nop())
	if _, err := s1.LoadOrCreateKeyPair(ctx, 2048); err != nil {
		t.Fatal(err)
	}
	if err := s1.Store(ctx, "phi-key", []byte("restricted material"), models.ClassRestricted); err != nil {
		t.Fatal(err)
	}

	sm2 := core.NewSealManager(2)
	_ = sm2.UnsealWithRootKey(root)
	s2 := NewStore(fb, NewEncryptor(sm2), zerolog.Nop())
	if _, err := s2.LoadOrCreateKeyPair(ctx, 2048); err != nil {
		t.Fatal(err)
	}
	got, err := s2.Retrieve(ctx, "phi-key")
	if err != nil || string(got) != "restricted material" {
		t.Fatalf("Retrieve after restart = %q, %v", got, err)
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret(48)
	if err != nil || len(a) != 48 {
		t.Fatalf("GenerateSecret = %d bytes, %v", len(a), err)
	}
	b, _ := GenerateSecret(48)
	if bytes.Equal(a, b) {
		t.Error("secrets should differ")
	}
}

package api

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeCert(t *testing.T, notAfter time.Time) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "authcore.test"},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "cert.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckCert(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	s := &Server{log: zerolog.Nop()}

	if err := s.checkCert(writeCert(t, now.Add(90*24*time.Hour)), now); err != nil {
		t.Fatalf("valid cert: %v", err)
	}
	if err := s.checkCert(writeCert(t, now.Add(24*time.Hour)), now); err != nil {
		t.Fatalf("cert close to expiry should only warn: %v", err)
	}
	if err := s.checkCert(writeCert(t, now.Add(-time.Hour)), now); err == nil {
		t.Fatal("expired cert accepted")
	}

	junk := filepath.Join(t.TempDir(), "junk.pem")
	os.WriteFile(junk, []byte("not pem"), 0600) //nolint:errcheck
	if err := s.checkCert(junk, now); err == nil {
		t.Fatal("junk file accepted")
	}
}

package api

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// certExpiryWarning is how close to NotAfter a serving certificate starts
// producing warnings.
const certExpiryWarning = 30 * 24 * time.Hour

// certExpiry returns NotAfter of the first certificate in the PEM file.
func certExpiry(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, errors.New("no PEM certificate block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert.NotAfter, nil
}

// checkCert refuses an expired serving certificate and warns when one is
// close to expiry.
func (s *Server) checkCert(path string, now time.Time) error {
	notAfter, err := certExpiry(path)
	if err != nil {
		return fmt.Errorf("tls certificate %s: %w", path, err)
	}
	left := notAfter.Sub(now)
	switch {
	case left <= 0:
		return fmt.Errorf("tls certificate %s expired at %s", path, notAfter.Format(time.RFC3339))
	case left < certExpiryWarning:
		s.log.Warn().Str("file", path).Time("not_after", notAfter).Msg("tls certificate expires soon")
	}
	return nil
}

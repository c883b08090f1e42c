package core

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/org/authcore/internal/crypto"
)

// KEKInfo is the HKDF info string the credential store KEK is derived with.
const KEKInfo = "authcore-kek-v1"

// SealManager holds master-key custody. The KEK lives in memory only while unsealed.
type SealManager struct {
	mu        sync.RWMutex
	kek       []byte
	sealed    bool
	threshold int
	shares    [][]byte
}

// NewSealManager creates a sealed manager that needs threshold shares to unseal.
func NewSealManager(threshold int) *SealManager {
	return &SealManager{
		sealed:    true,
		threshold: threshold,
	}
}

func (s *SealManager) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// SharesProvided returns how many unseal shares have been collected so far.
func (s *SealManager) SharesProvided() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shares)
}

func (s *SealManager) Threshold() int {
	return s.threshold
}

// Unseal submits one share. It reports true once the KEK has been reconstructed.
func (s *SealManager) Unseal(share []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sealed {
		return true, nil
	}
	for _, existing := range s.shares {
		if bytes.Equal(existing, share) {
			return false, errors.New("duplicate share")
		}
	}
	s.shares = append(s.shares, bytes.Clone(share))
	if len(s.shares) < s.threshold {
		return false, nil
	}

	rootKey, err := crypto.CombineShards(s.shares)
	s.resetShares()
	if err != nil {
		return false, fmt.Errorf("reconstructing root key: %w", err)
	}
	defer crypto.Zero(rootKey)
	if err := s.unsealLocked(rootKey); err != nil {
		return false, err
	}
	return true, nil
}

// UnsealWithRootKey unseals directly from the raw master key.
func (s *SealManager) UnsealWithRootKey(rootKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetShares()
	return s.unsealLocked(rootKey)
}

func (s *SealManager) unsealLocked(rootKey []byte) error {
	kek, err := crypto.DeriveKEK(rootKey, KEKInfo)
	if err != nil {
		return err
	}
	s.kek = kek
	s.sealed = false
	return nil
}

func (s *SealManager) resetShares() {
	for _, sh := range s.shares {
		crypto.Zero(sh)
	}
	s.shares = nil
}

// Seal wipes the KEK from memory.
func (s *SealManager) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Zero(s.kek)
	s.kek = nil
	s.sealed = true
	s.resetShares()
}

// KEK returns a copy of the current KEK, or ErrSealed.
func (s *SealManager) KEK() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sealed {
		return nil, E(KindSealed, "", "master key is sealed")
	}
	return bytes.Clone(s.kek), nil
}

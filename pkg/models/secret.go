package models

import "time"

// Classification is the data-sensitivity tag used for encryption at rest.
type Classification string

const (
	ClassPublic       Classification = "public"
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
	ClassRestricted   Classification = "restricted"
	ClassCritical     Classification = "critical"
)

var classificationRank = map[Classification]int{
	ClassPublic:       1,
	ClassInternal:     2,
	ClassConfidential: 3,
	ClassRestricted:   4,
	ClassCritical:     5,
}

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	_, ok := classificationRank[c]
	return ok
}

// RequiresHybrid reports whether payloads of this classification use hybrid encryption.
func (c Classification) RequiresHybrid() bool {
	return classificationRank[c] >= classificationRank[ClassRestricted]
}

// EncryptionMode selects how the data key of a package is protected.
type EncryptionMode string

const (
	ModeSymmetric EncryptionMode = "symmetric"
	ModeHybrid    EncryptionMode = "hybrid"
)

// EncryptedPackage is the envelope produced by the encryption service.
// WrappedKey holds the per-package data key, wrapped by the vault KEK (symmetric)
// or by the service RSA public key (hybrid).
type EncryptedPackage struct {
	Ciphertext     []byte         `json:"ciphertext"`
	Nonce          []byte         `json:"nonce"`
	Mode           EncryptionMode `json:"mode"`
	Classification Classification `json:"classification"`
	Algorithm      string         `json:"algorithm"`
	CreatedAt      time.Time      `json:"created_at"`
	WrappedKey     []byte         `json:"wrapped_key"`
}

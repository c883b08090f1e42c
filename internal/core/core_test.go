package core

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/org/authcore/internal/crypto"
)

func TestErrorIsMatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("verify: %w", E(KindTokenInvalid, "missing_claim", "sub is required"))

	if !errors.Is(err, ErrTokenInvalid) {
		t.Error("expected match on kind")
	}
	if !errors.Is(err, ErrMissingClaim) {
		t.Error("expected match on kind and reason")
	}
	if errors.Is(err, ErrTokenMalformed) {
		t.Error("different reason should not match")
	}
	if errors.Is(err, ErrTokenExpired) {
		t.Error("different kind should not match")
	}
	if KindOf(err) != KindTokenInvalid {
		t.Errorf("KindOf = %s", KindOf(err))
	}
}

func TestPublicMessageHidesDetail(t *testing.T) {
	err := E(KindDecryptionFailed, "", "gcm open failed for secrets/db-password")
	if got := PublicMessage(err); got != "internal error" {
		t.Errorf("PublicMessage = %q", got)
	}
	if got := PublicMessage(errors.New("boom")); got != "internal error" {
		t.Errorf("PublicMessage(plain) = %q", got)
	}
}

func TestErrorWithCopiesContext(t *testing.T) {
	base := E(KindPermissionDenied, "", "denied")
	a := base.With("actor", "nurse-1")
	if base.Context != nil {
		t.Error("With should not mutate the receiver")
	}
	if a.Context["actor"] != "nurse-1" {
		t.Errorf("context = %v", a.Context)
	}
}

func TestSealManagerUnsealWithShares(t *testing.T) {
	root, _ := crypto.GenerateRootKey()
	shares, err := crypto.SplitRootKey(root, 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	sm := NewSealManager(3)
	if _, err := sm.KEK(); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}

	for i := 0; i < 2; i++ {
		done, err := sm.Unseal(shares[i])
		if err != nil || done {
			t.Fatalf("share %d: done=%v err=%v", i, done, err)
		}
	}
	if _, err := sm.Unseal(shares[1]); err == nil {
		t.Error("duplicate share should be rejected")
	}
	done, err := sm.Unseal(shares[4])
	if err != nil || !done {
		t.Fatalf("final share: done=%v err=%v", done, err)
	}

	kek, err := sm.KEK()
	if err != nil {
		t.Fatal(err)
	}
	want, _ := crypto.DeriveKEK(root, KEKInfo)
	if !bytes.Equal(kek, want) {
		t.Error("KEK mismatch")
	}

	sm.Seal()
	if !sm.IsSealed() {
		t.Error("expected sealed")
	}
	if _, err := sm.KEK(); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed after Seal, got %v", err)
	}
}

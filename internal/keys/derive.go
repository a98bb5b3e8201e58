package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// subKeyInfoPrefix namespaces derivations so no other HKDF user of the same
// master key can collide with vault purposes.
const subKeyInfoPrefix = "vaultd/"

// DeriveSubKey derives a purpose-bound sub-key from a master key using
// HKDF-SHA256.
//
// Derivation is deterministic: the same (masterKey, purpose) always yields
// the same sub-key, so sub-keys are never persisted -- only the master key
// is stored, and each memory category gets a cryptographically distinct key
// at no extra state cost.
func DeriveSubKey(masterKey []byte, purpose string) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, NewError(CodeInvalidKey, "derive_sub_key",
			fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey)))
	}
	if purpose == "" {
		return nil, NewError(CodeInvalidKey, "derive_sub_key", fmt.Errorf("purpose required"))
	}

	r := hkdf.New(sha256.New, masterKey, nil, []byte(subKeyInfoPrefix+purpose))
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, NewError(CodeKeyGenerationFailed, "derive_sub_key", err)
	}
	return sub, nil
}

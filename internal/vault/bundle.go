package vault

import (
	"encoding/json"
	"fmt"
	"strings"
)

// bundleVersion is the current on-disk envelope format.
const bundleVersion = 1

// EncryptedBundle is the self-describing envelope stored in a record's
// content field when encryption is enabled. Ciphertext is
// base64(nonce || ciphertext || tag); KeyID names the master key the
// content was sealed under so decryption can resolve it without any
// out-of-band state.
type EncryptedBundle struct {
	Version    int    `json:"v"`
	KeyID      string `json:"key_id"`
	Ciphertext string `json:"ciphertext"`
}

// Encode serializes the bundle for storage in a string content field.
func (b *EncryptedBundle) Encode() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encoding bundle: %w", err)
	}
	return string(raw), nil
}

// DecodeBundle parses a stored envelope. It rejects content that does not
// look like a bundle so plaintext records are never misparsed.
func DecodeBundle(content string) (*EncryptedBundle, error) {
	if !strings.HasPrefix(strings.TrimSpace(content), "{") {
		return nil, fmt.Errorf("content is not an encrypted bundle")
	}
	var b EncryptedBundle
	if err := json.Unmarshal([]byte(content), &b); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	if b.Version != bundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	if b.KeyID == "" || b.Ciphertext == "" {
		return nil, fmt.Errorf("bundle missing key id or ciphertext")
	}
	return &b, nil
}

// Package util holds small shared helpers used at the edges of the
// module: ABI-artifact loading, hex conversion, and the symmetric
// encryption used to keep the solver's private key out of the deployment
// config in cleartext.
package util

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// hardhatArtifact is the subset of a Hardhat compilation artifact this
// package cares about: the contract's ABI fragment.
type hardhatArtifact struct {
	ABI json.RawMessage `json:"abi"`
}

// LoadABIFromHardhatArtifact reads a Hardhat artifact JSON file (as
// produced by `npx hardhat compile`) and parses its "abi" field.
func LoadABIFromHardhatArtifact(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: read artifact %s: %w", path, err)
	}
	var artifact hardhatArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return abi.ABI{}, fmt.Errorf("util: parse artifact %s: %w", path, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(artifact.ABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: parse abi in %s: %w", path, err)
	}
	return parsed, nil
}

// Hex2Bytes strips an optional 0x prefix and decodes the remainder.
func Hex2Bytes(s string) []byte {
	return common.FromHex(s)
}

// normalizeKey pads or truncates key to the 32 bytes AES-256 requires.
func normalizeKey(key []byte) []byte {
	out := make([]byte, 32)
	copy(out, key)
	return out
}

// Encrypt AES-256-GCM encrypts plaintext with key, returning a hex string
// of nonce||ciphertext.
func Encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(normalizeKey(key))
	if err != nil {
		return "", fmt.Errorf("util: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("util: build gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("util: read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. cmd/main.go uses it to recover the solver
// private key from the ENC_PK environment variable.
func Decrypt(key []byte, encryptedHex string) (string, error) {
	block, err := aes.NewCipher(normalizeKey(key))
	if err != nil {
		return "", fmt.Errorf("util: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("util: build gcm: %w", err)
	}
	raw, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return "", fmt.Errorf("util: decode ciphertext: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("util: ciphertext shorter than nonce")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("util: decrypt: %w", err)
	}
	return string(plaintext), nil
}

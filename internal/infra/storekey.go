package infra

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const storeKeySize = 32 // 256-bit SQLCipher key

// StoreKeyFile holds the trial-store encryption key in a base64 file with 0600
// permissions. A passphrase is not used directly so that the key has full entropy.
type StoreKeyFile struct {
	path string
}

// NewStoreKeyFile creates a key file handle at path. A leading ~ is not expanded.
func NewStoreKeyFile(path string) *StoreKeyFile {
	return &StoreKeyFile{path: path}
}

// Path returns the key file path.
func (k *StoreKeyFile) Path() string {
	return k.path
}

// Exists reports whether the key file is present.
func (k *StoreKeyFile) Exists() bool {
	_, err := os.Stat(k.path)
	return err == nil
}

// Read loads and validates the key.
func (k *StoreKeyFile) Read() ([]byte, error) {
	encoded, err := os.ReadFile(k.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read store key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode store key: %w", err)
	}
	if len(key) != storeKeySize {
		return nil, fmt.Errorf("invalid store key size: got %d, want %d", len(key), storeKeySize)
	}
	return key, nil
}

// Write stores key, creating the parent directory with 0700.
func (k *StoreKeyFile) Write(key []byte) error {
	if len(key) != storeKeySize {
		return fmt.Errorf("invalid store key size: got %d, want %d", len(key), storeKeySize)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(k.path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write store key: %w", err)
	}
	return nil
}

// LoadOrCreate returns the existing key, generating and writing one on first use.
func (k *StoreKeyFile) LoadOrCreate() ([]byte, error) {
	if k.Exists() {
		return k.Read()
	}
	key, err := GenerateStoreKey()
	if err != nil {
		return nil, err
	}
	if err := k.Write(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateStoreKey creates a new random 256-bit key.
func GenerateStoreKey() ([]byte, error) {
	key := make([]byte, storeKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

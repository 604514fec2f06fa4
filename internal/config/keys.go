package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MasterKeySize is the length in bytes of a blob encryption master key.
const MasterKeySize = 32

// GenerateMasterKey creates a random blob encryption master key and saves it
// hex encoded to path with owner-only permissions.
func GenerateMasterKey(path string) error {
	var key [MasterKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate master key: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	// O_EXCL so a concurrent generator never overwrites a key already in use
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create master key: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key[:]) + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write master key: %w", err)
	}
	return f.Close()
}

// LoadMasterKey loads a hex encoded master key from disk.
func LoadMasterKey(path string) (*[MasterKeySize]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse master key: %w", err)
	}
	if len(raw) != MasterKeySize {
		return nil, fmt.Errorf("parse master key: want %d bytes, got %d", MasterKeySize, len(raw))
	}

	var key [MasterKeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// EnsureMasterKey loads an existing master key or generates a new one.
func EnsureMasterKey(path string) (*[MasterKeySize]byte, error) {
	key, err := LoadMasterKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := GenerateMasterKey(path); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, err
	}
	return LoadMasterKey(path)
}

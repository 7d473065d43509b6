package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	masterKeySize = 32

	// Domain strings for derived keys.
	JournalKeyDomain = "proctord-journal-hmac-v1"
	BridgeKeyDomain  = "proctord-bridge-jwt-v1"
)

// LoadOrCreateKey reads the hex-encoded master secret at path, generating a
// new one with mode 0600 if the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
		if len(key) < masterKeySize {
			return nil, fmt.Errorf("master key too short: %d bytes", len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("install master key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte key for domain from the master secret.
func DeriveKey(master []byte, domain string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, master, []byte(domain), nil)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", domain, err)
	}
	return out, nil
}

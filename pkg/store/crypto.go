package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const tokenKeyFile = "token.key"

// loadOrCreateKey returns the per-install key protecting the stored token
// at rest, generating one on first run.
func loadOrCreateKey(dir string) ([]byte, error) {
	path := filepath.Join(dir, tokenKeyFile)
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != 32 {
			return nil, fmt.Errorf("%s is corrupt: %d bytes", tokenKeyFile, len(key))
		}
		return key, nil
	case errors.Is(err, fs.ErrNotExist):
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		if err := writeFileAtomic(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("persisting token key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("reading token key: %w", err)
	}
}

// sealToken encrypts a token with AES-GCM. The 12-byte nonce is prepended
// to the ciphertext.
func sealToken(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCMWithNonceSize(block, 12)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aesgcm.Seal(nil, nonce, plaintext, nil)...), nil
}

// openToken decrypts a sealed token.
func openToken(key, sealed []byte) ([]byte, error) {
	if len(sealed) < 12 {
		return nil, fmt.Errorf("sealed token too short")
	}
	iv := sealed[:12]
	actualCipher := sealed[12:]
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCMWithNonceSize(block, 12)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, iv, actualCipher, nil)
}

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"runtime"

	"github.com/zalando/go-keyring"
)

const (
	keystoreService = "tai-desktop"
	keystoreUser    = "token-encryption-key"
)

// LoadOrCreateKey returns the keychain-held AES-256 key, generating and storing
// one on first launch
func LoadOrCreateKey() ([]byte, error) {
	stored, err := keyring.Get(keystoreService, keystoreUser)
	if err == nil && stored != "" {
		key, decodeErr := base64.StdEncoding.DecodeString(stored)
		if decodeErr == nil && len(key) == 32 {
			return key, nil
		}
		log.Printf("WARNING: Keychain entry %s/%s is not a valid key, replacing it", keystoreService, keystoreUser)
	} else if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		log.Printf("WARNING: Keystore lookup failed: %v", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	if err := keyring.Set(keystoreService, keystoreUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		// Linux without a secret service is tolerated for development;
		// saved tokens will not survive a restart
		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			return nil, fmt.Errorf("keychain storage required on %s: %w", runtime.GOOS, err)
		}
		log.Printf("WARNING: Failed to store key in keychain, saved tokens will be unreadable after restart: %v", err)
	}

	return key, nil
}

// DeleteKey removes the encryption key from the keychain
func DeleteKey() error {
	return keyring.Delete(keystoreService, keystoreUser)
}

// IsKeyStored checks if an encryption key exists in the keychain
func IsKeyStored() bool {
	_, err := keyring.Get(keystoreService, keystoreUser)
	return err == nil
}

package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/scrypt"
)

// The working key is persisted across restarts so data encrypted in a
// prior session stays readable. It is stored wrapped by a key derived
// from a device-bound secret, in an env file the way wallet secrets
// are stored.

const (
	envWrappedKey = "ENCRYPTED_STORAGE_KEY"
	envKeySalt    = "STORAGE_KEY_SALT"
)

// LoadOrCreateKey returns the cache working key, generating and
// persisting a new one on first run.
func LoadOrCreateKey(keyFilePath, deviceSecret string) ([]byte, error) {
	if _, err := os.Stat(keyFilePath); err == nil {
		return loadKey(keyFilePath, deviceSecret)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate storage key: %v", err)
	}
	if err := saveKey(keyFilePath, deviceSecret, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RemoveKeyFile deletes the persisted working key. Used by the
// lockdown path together with Cryptor.Wipe.
func RemoveKeyFile(keyFilePath string) error {
	err := os.Remove(keyFilePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove key file: %v", err)
	}
	return nil
}

func saveKey(keyFilePath, deviceSecret string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(keyFilePath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %v", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %v", err)
	}

	wrapped, err := wrapKey(key, deviceSecret, salt)
	if err != nil {
		return err
	}

	err = godotenv.Write(map[string]string{
		envWrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		envKeySalt:    base64.StdEncoding.EncodeToString(salt),
	}, keyFilePath)
	if err != nil {
		return fmt.Errorf("failed to write key file: %v", err)
	}

	if err := os.Chmod(keyFilePath, 0600); err != nil {
		return fmt.Errorf("failed to restrict key file permissions: %v", err)
	}
	return nil
}

func loadKey(keyFilePath, deviceSecret string) ([]byte, error) {
	values, err := godotenv.Read(keyFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %v", err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(values[envWrappedKey])
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped key: %v", err)
	}
	salt, err := base64.StdEncoding.DecodeString(values[envKeySalt])
	if err != nil {
		return nil, fmt.Errorf("failed to decode key salt: %v", err)
	}

	key, err := unwrapKey(wrapped, deviceSecret, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap storage key: %v", err)
	}
	return key, nil
}

func wrapKey(key []byte, deviceSecret string, salt []byte) ([]byte, error) {
	aead, err := deriveAEAD(deviceSecret, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %v", err)
	}
	return aead.Seal(nonce, nonce, key, nil), nil
}

func unwrapKey(wrapped []byte, deviceSecret string, salt []byte) ([]byte, error) {
	aead, err := deriveAEAD(deviceSecret, salt)
	if err != nil {
		return nil, err
	}

	if len(wrapped) < aead.NonceSize() {
		return nil, fmt.Errorf("wrapped key too short")
	}
	nonce, ciphertext := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func deriveAEAD(deviceSecret string, salt []byte) (cipher.AEAD, error) {
	wrappingKey, err := scrypt.Key([]byte(deviceSecret), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %v", err)
	}

	block, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create wrapping cipher: %v", err)
	}
	return cipher.NewGCM(block)
}

// Package security implements the at-rest encryption envelope shared by the
// write-ahead log and the snapshot store: a SEC1 envelope wrapping
// XChaCha20-Poly1305 ciphertext, with a process-wide, init-once master key
// cache and backwards-compatible decryption of legacy unenveloped bytes.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/gbasin/scriptum/internal/coreerr"
)

const (
	masterKeyBytes = 32
	nonceBytes     = 24
	envMasterKey   = "SCRIPTUM_DAEMON_MASTER_KEY_BASE64"
)

var envelopeMagic = [4]byte{'S', 'E', 'C', '1'}

var (
	keyOnce   sync.Once
	keyCached [masterKeyBytes]byte
	keyErr    error
)

// KeyFilePath returns the default on-disk location of the generated master
// key, used when neither the environment variable nor an existing key file
// is present. This module has no OS keychain binding available in its
// dependency set (see DESIGN.md), so an owner-only key file under the
// user's scriptum home directory stands in for the keychain the original
// implementation targets.
func KeyFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".scriptum", "master.key"), nil
}

// ResetCachedMasterKeyForTests clears the process-wide master key cache so
// a subsequent call to an encrypt/decrypt function re-reads the environment
// variable or key file. Exists solely so tests in this module and its
// dependents can exercise distinct deterministic keys without process
// isolation.
func ResetCachedMasterKeyForTests() {
	keyOnce = sync.Once{}
}

// masterKey returns the process-wide 32-byte master key, loading it at most
// once: from SCRIPTUM_DAEMON_MASTER_KEY_BASE64 if set, otherwise from (or
// freshly written to) the on-disk key file.
func masterKey() ([masterKeyBytes]byte, error) {
	keyOnce.Do(func() {
		keyCached, keyErr = loadOrCreateMasterKey()
	})
	return keyCached, keyErr
}

func loadOrCreateMasterKey() ([masterKeyBytes]byte, error) {
	var key [masterKeyBytes]byte

	if v, ok := os.LookupEnv(envMasterKey); ok {
		decoded, err := decodeKey(v)
		if err != nil {
			return key, fmt.Errorf("%s must be a base64url-no-pad 32-byte key: %w", envMasterKey, err)
		}
		return decoded, nil
	}

	path, err := KeyFilePath()
	if err != nil {
		return key, fmt.Errorf("failed to resolve master key path: %w", err)
	}

	if raw, err := os.ReadFile(path); err == nil {
		decoded, err := decodeKey(string(raw))
		if err != nil {
			return key, fmt.Errorf("stored master key at %s is invalid: %w", path, err)
		}
		return decoded, nil
	} else if !os.IsNotExist(err) {
		return key, fmt.Errorf("failed to read master key at %s: %w", path, err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("failed to generate master key: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(key[:])

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return key, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return key, fmt.Errorf("failed to persist master key at %s: %w", path, err)
	}
	return key, nil
}

func decodeKey(encoded string) ([masterKeyBytes]byte, error) {
	var key [masterKeyBytes]byte
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("master key is not valid base64url-no-pad: %w", err)
	}
	if len(decoded) != masterKeyBytes {
		return key, fmt.Errorf("master key must be %d bytes, got %d", masterKeyBytes, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// EncryptAtRest wraps plaintext in a SEC1 envelope using the process-wide
// master key: 4-byte magic, 24-byte nonce, XChaCha20-Poly1305 ciphertext.
func EncryptAtRest(plaintext []byte) ([]byte, error) {
	key, err := masterKey()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "load master key")
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "construct cipher")
	}
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "generate nonce")
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	envelope := make([]byte, 0, len(envelopeMagic)+nonceBytes+len(ciphertext))
	envelope = append(envelope, envelopeMagic[:]...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, ciphertext...)
	return envelope, nil
}

// DecryptAtRest reverses EncryptAtRest. Payloads that do not start with the
// SEC1 magic are returned unchanged, for backwards compatibility with
// records written before at-rest encryption landed.
func DecryptAtRest(payload []byte) ([]byte, error) {
	if len(payload) < len(envelopeMagic) || [4]byte(payload[:4]) != envelopeMagic {
		return payload, nil
	}

	key, err := masterKey()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Integrity, err, "load master key")
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Integrity, err, "construct cipher")
	}

	if len(payload) < len(envelopeMagic)+nonceBytes {
		return nil, coreerr.Wrap(coreerr.Integrity, fmt.Errorf("encrypted payload is truncated"), "decrypt at rest")
	}
	nonceStart := len(envelopeMagic)
	nonceEnd := nonceStart + nonceBytes
	nonce := payload[nonceStart:nonceEnd]
	ciphertext := payload[nonceEnd:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Integrity, err, "decrypt at rest")
	}
	return plaintext, nil
}

// EnsureOwnerOnlyFile tightens path's permissions to 0600 if it exists and
// is not already so. A failure to tighten permissions is fatal for callers
// that require owner-only durability files (WAL, snapshots).
func EnsureOwnerOnlyFile(path string) error {
	return ensureMode(path, 0o600)
}

// EnsureOwnerOnlyDir tightens path's permissions to 0700 if it exists and
// is not already so.
func EnsureOwnerOnlyDir(path string) error {
	return ensureMode(path, 0o700)
}

func ensureMode(path string, mode os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return coreerr.Wrap(coreerr.Durability, err, "stat "+path)
	}
	if info.Mode().Perm() != mode {
		if err := os.Chmod(path, mode); err != nil {
			return coreerr.Wrap(coreerr.Durability, err, "chmod "+path)
		}
	}
	return nil
}

// OpenPrivateAppend opens path for append, creating it with owner-only
// permissions if it does not exist.
func OpenPrivateAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

// OpenPrivateTruncate opens path for a fresh write, creating or truncating
// it with owner-only permissions.
func OpenPrivateTruncate(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
}

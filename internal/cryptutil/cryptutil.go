// Package cryptutil implements the envelope-encryption primitives shared by
// the Config Store, the Metadata store, and the encrypted SQLite container:
// scrypt passphrase stretching, AES-GCM encryption with a seed||counter
// nonce, and CSPRNG token generation.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/scrypt"
)

// EncryptedMarker is the literal two-byte prefix spec.md §4.1 requires on
// every opaque ciphertext value.
const EncryptedMarker = "::"

// ScryptN, ScryptR, ScryptP are the passphrase-stretching parameters
// mandated by spec.md §4.1 (n=2**17, r=8, p=1).
const (
	ScryptN = 1 << 17
	ScryptR = 8
	ScryptP = 1
)

// ErrNotEncrypted is returned by Decrypt when the value lacks EncryptedMarker.
var ErrNotEncrypted = errors.New("cryptutil: value is not encrypted")

// ErrIntegrity is returned when a ciphertext fails to authenticate.
var ErrIntegrity = errors.New("cryptutil: integrity check failed")

// StretchPassphrase derives a 32-byte "pass key" from a passphrase and salt
// using scrypt(n=2^17, r=8, p=1), per spec.md §4.1.
func StretchPassphrase(passphrase, salt []byte) ([]byte, error) {
	return scrypt.Key(passphrase, salt, ScryptN, ScryptR, ScryptP, 32)
}

// MasterKey is a 32-byte AES-256 key. HashConfigKey turns a random "config
// key" into the active master key via SHA-256, giving the indirection
// spec.md §4.1 describes: passphrase -> pass key -> decrypts config key ->
// hash(config key) = master key.
type MasterKey [32]byte

// HashConfigKey derives the master AES key from the raw config key.
func HashConfigKey(configKey []byte) MasterKey {
	return MasterKey(sha256.Sum256(configKey))
}

// nonceCounter is process-wide and monotonic; combined with a per-process
// random seed it forms the nonce for every value encrypted in this process,
// per spec.md §4.1 ("a per-value nonce constructed as (process-random seed
// || monotonic counter)").
var nonceCounter atomic.Uint64

// NonceSeed is 4 bytes of process-random seed, generated once at startup
// and prefixed to every nonce's counter half.
type NonceSeed [4]byte

// NewNonceSeed generates a fresh random seed from the CSPRNG.
func NewNonceSeed() (NonceSeed, error) {
	var s NonceSeed
	if _, err := rand.Read(s[:]); err != nil {
		return s, err
	}
	return s, nil
}

// nextNonce builds a 12-byte GCM nonce as seed(4) || counter(8).
func (s NonceSeed) nextNonce() [12]byte {
	var n [12]byte
	copy(n[:4], s[:])
	binary.BigEndian.PutUint64(n[4:], nonceCounter.Add(1))
	return n
}

// Encrypt encrypts plaintext under key using AES-256-GCM with a
// seed||counter nonce, prefixing the literal EncryptedMarker.
func Encrypt(key MasterKey, seed NonceSeed, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("cryptutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cryptutil: new gcm: %w", err)
	}
	nonce := seed.nextNonce()
	ciphertext := gcm.Seal(nil, nonce[:], plaintext, nil)
	out := make([]byte, 0, len(EncryptedMarker)+len(nonce)+len(ciphertext))
	out = append(out, EncryptedMarker...)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return string(out), nil
}

// Decrypt reverses Encrypt. It tries every key generation supplied, newest
// first is not required by the caller — callers should pass keys in the
// order they wish to try (spec.md: "all decryption paths try every
// generation in order").
func Decrypt(keys []MasterKey, value string) ([]byte, error) {
	if len(value) < len(EncryptedMarker) || value[:len(EncryptedMarker)] != EncryptedMarker {
		return nil, ErrNotEncrypted
	}
	body := []byte(value[len(EncryptedMarker):])
	if len(body) < 12 {
		return nil, fmt.Errorf("cryptutil: %w: truncated value", ErrIntegrity)
	}
	nonce, ciphertext := body[:12], body[12:]

	var lastErr error
	for _, key := range keys {
		block, err := aes.NewCipher(key[:])
		if err != nil {
			lastErr = err
			continue
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no keys supplied")
	}
	return nil, fmt.Errorf("cryptutil: %w: %v", ErrIntegrity, lastErr)
}

// IsEncrypted reports whether a stored value carries the encrypted marker.
func IsEncrypted(value string) bool {
	return len(value) >= len(EncryptedMarker) && value[:len(EncryptedMarker)] == EncryptedMarker
}

// GenerateToken returns a CSPRNG-derived bearer token with at least 80 bits
// of entropy, base64url-encoded without padding, per spec.md §3 invariants.
func GenerateToken() (string, error) {
	buf := make([]byte, 16) // 128 bits, comfortably above the 80-bit floor
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return b64url(buf), nil
}

// GenerateSecret returns a random path secret used to authenticate the RPC
// surface's path-prefix scheme (spec.md §4.2).
func GenerateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return b64url(buf), nil
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

package openpgpworker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"sync"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// parseKeyBytes parses keydata as either ASCII-armored or raw binary
// OpenPGP key material, trying armored first since that's the more
// common wire form for keys fetched over HTTP (WKD, keyservers).
func parseKeyBytes(keydata []byte) (openpgp.EntityList, error) {
	if block, err := armor.Decode(bytes.NewReader(keydata)); err == nil {
		return openpgp.ReadKeyRing(block.Body)
	}
	return openpgp.ReadKeyRing(bytes.NewReader(keydata))
}

// ErrNoPrivateKey is returned by Decrypt/Sign when the requested
// entity has no usable private key material.
var ErrNoPrivateKey = errors.New("openpgpworker: entity has no private key")

// Session caches certificate and private-key lookups for the lifetime
// of one client session, per spec.md §2's "caches certificate and
// private-key lookups per session" note.
type Session struct {
	mu       sync.Mutex
	entities map[string]openpgp.EntityList // address -> public entities
	unlocked map[string]*openpgp.Entity    // fingerprint -> decrypted private entity
}

// NewSession returns an empty per-connection cache.
func NewSession() *Session {
	return &Session{
		entities: map[string]openpgp.EntityList{},
		unlocked: map[string]*openpgp.Entity{},
	}
}

// CachePublic remembers entities as the resolved keys for address.
func (s *Session) CachePublic(address string, entities openpgp.EntityList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[address] = entities
}

// CachedPublic returns a previously cached lookup for address, if any.
func (s *Session) CachedPublic(address string) (openpgp.EntityList, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[address]
	return e, ok
}

// Unlock decrypts entity's private key material with passphrase and
// caches the result under its primary key fingerprint so subsequent
// Decrypt/Sign calls in the same session skip re-entering it.
func (s *Session) Unlock(entity *openpgp.Entity, passphrase []byte) error {
	if entity.PrivateKey == nil {
		return ErrNoPrivateKey
	}
	if entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("openpgpworker: unlocking private key: %w", err)
		}
	}
	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
				return fmt.Errorf("openpgpworker: unlocking subkey: %w", err)
			}
		}
	}
	fpr := fmt.Sprintf("%x", entity.PrimaryKey.Fingerprint)
	s.mu.Lock()
	s.unlocked[fpr] = entity
	s.mu.Unlock()
	return nil
}

// UnlockedEntity returns the cached unlocked entity for fingerprint,
// if Unlock has already been called for it in this session.
func (s *Session) UnlockedEntity(fingerprint string) (*openpgp.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.unlocked[fingerprint]
	return e, ok
}

// Encrypt produces an ASCII-armored OpenPGP message encrypting
// plaintext to recipients, optionally signed by signer.
func Encrypt(recipients openpgp.EntityList, signer *openpgp.Entity, plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	armorWriter, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, err
	}
	plainWriter, err := openpgp.Encrypt(armorWriter, recipients, signer, nil, nil)
	if err != nil {
		armorWriter.Close()
		return nil, fmt.Errorf("openpgpworker: encrypt: %w", err)
	}
	if _, err := plainWriter.Write(plaintext); err != nil {
		return nil, fmt.Errorf("openpgpworker: writing plaintext: %w", err)
	}
	if err := plainWriter.Close(); err != nil {
		return nil, fmt.Errorf("openpgpworker: closing message writer: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("openpgpworker: closing armor writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecryptResult is the outcome of decrypting a message: the plaintext
// and, if the message carried a signature, its verification status.
type DecryptResult struct {
	Plaintext []byte
	Signer    *openpgp.Entity // nil if unsigned or signature unverifiable
}

// Decrypt decrypts an ASCII-armored OpenPGP message using keyring to
// resolve both the recipient's private key and, if present, the
// sender's public key for signature verification.
func Decrypt(keyring openpgp.EntityList, ciphertext []byte) (DecryptResult, error) {
	block, err := armor.Decode(bytes.NewReader(ciphertext))
	if err != nil {
		return DecryptResult{}, fmt.Errorf("openpgpworker: decoding armor: %w", err)
	}
	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return DecryptResult{}, fmt.Errorf("openpgpworker: decrypt: %w", err)
	}
	plaintext, err := ioutil.ReadAll(md.UnverifiedBody)
	if err != nil {
		return DecryptResult{}, fmt.Errorf("openpgpworker: reading plaintext: %w", err)
	}
	result := DecryptResult{Plaintext: plaintext}
	if md.SignedBy != nil && md.SignatureError == nil {
		result.Signer = md.SignedBy.Entity
	}
	return result, nil
}

// Sign produces a detached ASCII-armored signature of plaintext with
// signer's unlocked private key.
func Sign(signer *openpgp.Entity, plaintext io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, signer, plaintext, nil); err != nil {
		return nil, fmt.Errorf("openpgpworker: sign: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify checks a detached ASCII-armored signature of plaintext
// against keyring, returning the signing entity on success.
func Verify(keyring openpgp.EntityList, plaintext io.Reader, signature []byte) (*openpgp.Entity, error) {
	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, plaintext, bytes.NewReader(signature), nil)
	if err != nil {
		return nil, fmt.Errorf("openpgpworker: verify: %w", err)
	}
	return signer, nil
}

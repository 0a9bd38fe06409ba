// Package config implements the Config Store from spec.md §4.1: a
// sectioned key/value store with encryption-at-rest for sensitive values,
// atomic saves, rotating backups, and passphrase-derived master key
// indirection.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/moggie-project/moggie-worker/internal/cryptutil"
)

// ErrLocked is returned by any operation requiring the master key when the
// store has not been unlocked, per spec.md §7 ("need-passphrase").
var ErrLocked = errors.New("config: store is locked")

// ErrWrongPassphrase is returned when Unlock is given the wrong passphrase.
var ErrWrongPassphrase = errors.New("config: wrong passphrase")

const (
	sectionSecrets = "Secrets"

	optPassKeySalt  = "passkey_salt"
	masterKeyPrefix = "master_key_"
)

// Store is the Config Store. It is safe for concurrent use; all mutation
// goes through With, which serializes writers and saves once on exit if
// anything changed.
type Store struct {
	path       string
	backupDir  string
	maxBackups int

	mu       sync.Mutex
	sections map[string]map[string]string

	seed        cryptutil.NonceSeed
	masterKeys  []cryptutil.MasterKey // index 0 = oldest ... last = newest
	passKey     []byte                // scrypt-stretched passphrase, nil until Unlock
	passKeySalt []byte
}

// Open loads (or initializes) the Config Store at path. It does not unlock
// the store; callers must call Unlock (or InitializePassphrase on first
// run) before accessing encrypted values.
func Open(path string) (*Store, error) {
	seed, err := cryptutil.NewNonceSeed()
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:       path,
		backupDir:  filepath.Join(filepath.Dir(path), "backups"),
		maxBackups: 10,
		sections:   map[string]map[string]string{},
		seed:       seed,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", s.path, err)
	}
	sections := map[string]map[string]string{}
	if err := toml.Unmarshal(data, &sections); err != nil {
		return fmt.Errorf("config: parsing %s: %w", s.path, err)
	}
	s.sections = sections
	return nil
}

// InitializePassphrase is called on first launch: it derives a pass key
// from passphrase, generates the first config key generation, and unlocks
// the store. Calling it when Secrets already has master key material
// returns an error; use Unlock instead.
func (s *Store) InitializePassphrase(passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.listMasterKeyOptionsLocked()) > 0 {
		return errors.New("config: already initialized, use Unlock")
	}

	salt := make([]byte, 16)
	if _, err := readRandom(salt); err != nil {
		return err
	}
	passKey, err := cryptutil.StretchPassphrase([]byte(passphrase), salt)
	if err != nil {
		return err
	}
	s.passKey = passKey
	s.passKeySalt = salt
	s.setRawLocked(sectionSecrets, optPassKeySalt, base64.StdEncoding.EncodeToString(salt))

	if err := s.appendMasterKeyGenerationLocked(); err != nil {
		return err
	}
	return s.saveLocked()
}

// Unlock stretches passphrase and decrypts every master_key_N entry found
// in Secrets, populating s.masterKeys oldest-first. Returns ErrWrongPassphrase
// if any generation fails to decrypt.
func (s *Store) Unlock(passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saltB64, ok := s.getRawLocked(sectionSecrets, optPassKeySalt)
	if !ok {
		return errors.New("config: store not initialized")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("config: decoding passkey salt: %w", err)
	}
	passKey, err := cryptutil.StretchPassphrase([]byte(passphrase), salt)
	if err != nil {
		return err
	}

	names := s.listMasterKeyOptionsLocked()
	if len(names) == 0 {
		return errors.New("config: store not initialized")
	}
	keys := make([]cryptutil.MasterKey, 0, len(names))
	for _, name := range names {
		raw, _ := s.getRawLocked(sectionSecrets, name)
		plaintext, err := decryptWithPassKey(passKey, raw)
		if err != nil {
			return ErrWrongPassphrase
		}
		keys = append(keys, cryptutil.HashConfigKey(plaintext))
	}

	s.passKey = passKey
	s.passKeySalt = salt
	s.masterKeys = keys
	return nil
}

// MasterKeys returns the currently known master-key generations, oldest
// first, for handing to a sibling store (e.g. internal/metastore) that
// shares the same encryption domain. Empty if the store is locked.
func (s *Store) MasterKeys() []cryptutil.MasterKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cryptutil.MasterKey, len(s.masterKeys))
	copy(out, s.masterKeys)
	return out
}

// IsUnlocked reports whether the store currently holds a usable master key.
func (s *Store) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.masterKeys) > 0
}

// Lock discards the in-memory master keys and pass key. The config object
// remains readable for plaintext values.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passKey = nil
	s.masterKeys = nil
}

// RotateMasterKey appends a new config-key generation, becoming the
// generation used for all future encryption. Previously encrypted values
// remain readable because Decrypt tries every known generation.
func (s *Store) RotateMasterKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passKey == nil {
		return ErrLocked
	}
	if err := s.appendMasterKeyGenerationLocked(); err != nil {
		return err
	}
	return s.saveLocked()
}

// ChangePassphrase re-derives the pass key from newPassphrase and
// re-wraps every existing config-key generation under it. The set of
// master keys (and therefore every value encrypted under them) is
// unchanged — only the passphrase indirection layer moves.
func (s *Store) ChangePassphrase(oldPassphrase, newPassphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saltB64, ok := s.getRawLocked(sectionSecrets, optPassKeySalt)
	if !ok {
		return errors.New("config: store not initialized")
	}
	oldSalt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return err
	}
	oldPassKey, err := cryptutil.StretchPassphrase([]byte(oldPassphrase), oldSalt)
	if err != nil {
		return err
	}

	names := s.listMasterKeyOptionsLocked()
	configKeys := make([][]byte, 0, len(names))
	for _, name := range names {
		raw, _ := s.getRawLocked(sectionSecrets, name)
		plaintext, err := decryptWithPassKey(oldPassKey, raw)
		if err != nil {
			return ErrWrongPassphrase
		}
		configKeys = append(configKeys, plaintext)
	}

	newSalt := make([]byte, 16)
	if _, err := readRandom(newSalt); err != nil {
		return err
	}
	newPassKey, err := cryptutil.StretchPassphrase([]byte(newPassphrase), newSalt)
	if err != nil {
		return err
	}

	for i, name := range names {
		wrapped, err := encryptWithPassKey(newPassKey, s.seed, configKeys[i])
		if err != nil {
			return err
		}
		s.setRawLocked(sectionSecrets, name, wrapped)
	}
	s.setRawLocked(sectionSecrets, optPassKeySalt, base64.StdEncoding.EncodeToString(newSalt))
	s.passKey = newPassKey
	s.passKeySalt = newSalt

	return s.saveLocked()
}

func (s *Store) appendMasterKeyGenerationLocked() error {
	configKey := make([]byte, 32)
	if _, err := readRandom(configKey); err != nil {
		return err
	}
	wrapped, err := encryptWithPassKey(s.passKey, s.seed, configKey)
	if err != nil {
		return err
	}
	next := len(s.listMasterKeyOptionsLocked()) + 1
	name := fmt.Sprintf("%s%d", masterKeyPrefix, next)
	s.setRawLocked(sectionSecrets, name, wrapped)
	s.masterKeys = append(s.masterKeys, cryptutil.HashConfigKey(configKey))
	return nil
}

func (s *Store) listMasterKeyOptionsLocked() []string {
	sec := s.sections[sectionSecrets]
	var names []string
	for opt := range sec {
		if len(opt) > len(masterKeyPrefix) && opt[:len(masterKeyPrefix)] == masterKeyPrefix {
			names = append(names, opt)
		}
	}
	sort.Strings(names) // "master_key_1" < "master_key_2" < ... lexically only up to 9; good enough for realistic rotation counts
	return names
}

// With serializes access for a mutation: fn runs under the store's lock via
// tx, and if any Set/Delete call marks the store dirty, Save runs once on
// exit. This is the Go-native analogue of the original's reentrant
// "with config:" context manager (spec.md §9): nested mutation must thread
// the same *Tx through helper functions rather than re-entering With.
func (s *Store) With(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.dirty {
		return s.saveLocked()
	}
	return nil
}

// Tx is the mutation handle passed to With's callback.
type Tx struct {
	store *Store
	dirty bool
}

// Set stores section/option = value, encrypting it first if the pair is in
// the keys-must-be-private set (§4.1).
func (t *Tx) Set(section, option string, value any) error {
	wire, err := encodeValue(value)
	if err != nil {
		return err
	}
	if mustBePrivate(section, option) {
		if len(t.store.masterKeys) == 0 {
			return ErrLocked
		}
		wire, err = cryptutil.Encrypt(t.store.masterKeys[len(t.store.masterKeys)-1], t.store.seed, []byte(wire))
		if err != nil {
			return err
		}
	}
	t.store.setRawLocked(section, option, wire)
	t.dirty = true
	return nil
}

// Delete removes section/option.
func (t *Tx) Delete(section, option string) {
	sec := t.store.sections[section]
	if sec == nil {
		return
	}
	if _, ok := sec[option]; ok {
		delete(sec, option)
		t.dirty = true
	}
}

// Get reads section/option, decrypting if necessary, into dst (a pointer
// to string, []byte, []string, or map[string]string).
func (s *Store) Get(section, option string, dst any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.getRawLocked(section, option)
	if !ok {
		return false, nil
	}
	if cryptutil.IsEncrypted(raw) {
		if len(s.masterKeys) == 0 {
			return false, ErrLocked
		}
		// Try newest-to-oldest first since that is the common case, but
		// Decrypt already tries every supplied generation.
		keys := make([]cryptutil.MasterKey, len(s.masterKeys))
		for i := range s.masterKeys {
			keys[i] = s.masterKeys[len(s.masterKeys)-1-i]
		}
		plaintext, err := cryptutil.Decrypt(keys, raw)
		if err != nil {
			return false, fmt.Errorf("config: %s.%s: %w", section, option, err)
		}
		return true, decodeValue(string(plaintext), dst)
	}
	return true, decodeValue(raw, dst)
}

// Sections returns the names of every numbered-section family currently
// present, e.g. Sections("Account") -> ["Account 1", "Account 2"].
func (s *Store) Sections(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name := range s.sections {
		if name == prefix || (len(name) > len(prefix) && name[:len(prefix)] == prefix && name[len(prefix)] == ' ') {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) getRawLocked(section, option string) (string, bool) {
	sec, ok := s.sections[section]
	if !ok {
		return "", false
	}
	v, ok := sec[option]
	return v, ok
}

func (s *Store) setRawLocked(section, option, value string) {
	sec := s.sections[section]
	if sec == nil {
		sec = map[string]string{}
		s.sections[section] = sec
	}
	sec[option] = value
}

// saveLocked atomically writes the store to disk (temp file + rename),
// chmods 0600, and best-effort rotates a backup. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	data, err := toml.Marshal(s.sections)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	preamble := "# Generated by moggie-worker. Do not edit while the worker is running.\n"
	data = append([]byte(preamble), data...)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return fmt.Errorf("config: chmod: %w", err)
	}

	rotateBackup(s.path, s.backupDir, s.maxBackups) // best-effort, never blocks a save

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

func mustBePrivate(section, option string) bool {
	norm := normalizeSectionName(section)
	key := norm + "." + option
	_, ok := privateKeys[key]
	if ok {
		return true
	}
	if section == sectionSecrets && len(option) > len(masterKeyPrefix) && option[:len(masterKeyPrefix)] == masterKeyPrefix {
		return true
	}
	return false
}

var sectionNumberRe = regexp.MustCompile(`\s+\d+$`)

// normalizeSectionName turns "Account 7" into "Account N" so the
// keys-must-be-private set can match every numbered section uniformly.
func normalizeSectionName(section string) string {
	return sectionNumberRe.ReplaceAllString(section, " N")
}

// privateKeys is the keys-must-be-private set from spec.md §4.1: certain
// (section, option) patterns are always written as encrypted, regardless
// of caller intent.
var privateKeys = map[string]struct{}{
	"Secrets.config_key":  {},
	"Account N.password":  {},
	"Access N.password":   {},
	"Account N.api_token": {},
}

func encodeValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return "S" + val, nil
	case []byte:
		return "B" + base64.StdEncoding.EncodeToString(val), nil
	case []string:
		j, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return "L" + string(j), nil
	case map[string]string:
		j, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return "D" + string(j), nil
	default:
		return "", fmt.Errorf("config: unsupported value type %T", v)
	}
}

func decodeValue(wire string, dst any) error {
	if wire == "" {
		return errors.New("config: empty wire value")
	}
	tag, body := wire[0], wire[1:]
	switch tag {
	case 'S':
		p, ok := dst.(*string)
		if !ok {
			return fmt.Errorf("config: value is string, dst is %T", dst)
		}
		*p = body
	case 'B':
		p, ok := dst.(*[]byte)
		if !ok {
			return fmt.Errorf("config: value is bytes, dst is %T", dst)
		}
		b, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return err
		}
		*p = b
	case 'L':
		p, ok := dst.(*[]string)
		if !ok {
			return fmt.Errorf("config: value is list, dst is %T", dst)
		}
		return json.Unmarshal([]byte(body), p)
	case 'D':
		p, ok := dst.(*map[string]string)
		if !ok {
			return fmt.Errorf("config: value is dict, dst is %T", dst)
		}
		return json.Unmarshal([]byte(body), p)
	default:
		return fmt.Errorf("config: unknown wire tag %q", tag)
	}
	return nil
}

func encryptWithPassKey(passKey []byte, seed cryptutil.NonceSeed, plaintext []byte) (string, error) {
	var key cryptutil.MasterKey
	copy(key[:], passKey)
	return cryptutil.Encrypt(key, seed, plaintext)
}

func decryptWithPassKey(passKey []byte, wire string) ([]byte, error) {
	var key cryptutil.MasterKey
	copy(key[:], passKey)
	return cryptutil.Decrypt([]cryptutil.MasterKey{key}, wire)
}

func readRandom(buf []byte) (int, error) {
	return rand.Read(buf)
}

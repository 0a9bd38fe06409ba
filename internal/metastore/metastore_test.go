package metastore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moggie-project/moggie-worker/internal/cryptutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	var key cryptutil.MasterKey
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	s, err := Open(filepath.Join(dir, "meta.log"), filepath.Join(dir, "meta.idx"), []cryptutil.MasterKey{key})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFingerprintNormalization(t *testing.T) {
	require.Equal(t, Fingerprint("<abc@example.com>"), Fingerprint("  <abc@example.com>  "))
	require.Equal(t, Fingerprint("abc@example.com"), Fingerprint("<abc@example.com>"))
	require.Equal(t, Fingerprint("abc@example.com"), Fingerprint("garbage <abc@example.com> trailer"))
}

func TestIndexingSameMessageTwiceYieldsOneKey(t *testing.T) {
	s := openTestStore(t)

	fp1, err := s.Index(Record{MessageID: "<dup@example.com>", Subject: "first", Tags: []string{"inbox"}})
	require.NoError(t, err)
	fp2, err := s.Index(Record{MessageID: "<dup@example.com>", Subject: "second", Tags: []string{"starred"}})
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	rec, ok, err := s.Get("<dup@example.com>")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", rec.Subject) // latest write wins for scalar fields
	require.ElementsMatch(t, []string{"inbox", "starred"}, rec.Tags)
}

func TestTagUnionIsCommutativeAndIdempotent(t *testing.T) {
	s1 := openTestStore(t)
	s1.Index(Record{MessageID: "<x@example.com>", Tags: []string{"a", "b"}})
	s1.Index(Record{MessageID: "<x@example.com>", Tags: []string{"b", "c"}})
	rec1, _, _ := s1.Get("<x@example.com>")

	s2 := openTestStore(t)
	s2.Index(Record{MessageID: "<x@example.com>", Tags: []string{"b", "c"}})
	s2.Index(Record{MessageID: "<x@example.com>", Tags: []string{"a", "b"}})
	rec2, _, _ := s2.Get("<x@example.com>")

	require.ElementsMatch(t, rec1.Tags, rec2.Tags)

	// idempotent: re-indexing with the same tags again changes nothing.
	s1.Index(Record{MessageID: "<x@example.com>", Tags: []string{"a", "b", "c"}})
	rec1again, _, _ := s1.Get("<x@example.com>")
	require.ElementsMatch(t, []string{"a", "b", "c"}, rec1again.Tags)
}

func TestPointersDeduplicateByTagPathOffset(t *testing.T) {
	s := openTestStore(t)
	s.Index(Record{
		MessageID: "<ptr@example.com>",
		Pointers:  []MailboxPointer{{StorageTag: "md", Path: "/inbox", Offset: 10}},
	})
	s.Index(Record{
		MessageID: "<ptr@example.com>",
		Pointers:  []MailboxPointer{{StorageTag: "md", Path: "/inbox", Offset: 10}, {StorageTag: "imap", Path: "INBOX", Offset: 42}},
	})

	rec, _, _ := s.Get("<ptr@example.com>")
	require.Len(t, rec.Pointers, 2)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	var key cryptutil.MasterKey
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	s, err := Open(filepath.Join(dir, "meta.log"), filepath.Join(dir, "meta.idx"), []cryptutil.MasterKey{key})
	require.NoError(t, err)
	_, err = s.Index(Record{MessageID: "<persist@example.com>", Subject: "hello"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(filepath.Join(dir, "meta.log"), filepath.Join(dir, "meta.idx"), []cryptutil.MasterKey{key})
	require.NoError(t, err)
	defer reopened.Close()

	rec, ok, err := reopened.Get("<persist@example.com>")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", rec.Subject)
}

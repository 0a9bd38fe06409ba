package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.rc")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InitializePassphrase("correct horse battery staple"))
	return s
}

func TestRoundTrip_PlaintextString(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.With(func(tx *Tx) error {
		return tx.Set("App", "log_level", "debug")
	}))

	var got string
	ok, err := s.Get("App", "log_level", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "debug", got)
}

func TestRoundTrip_AllValueKinds(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.With(func(tx *Tx) error {
		if err := tx.Set("App", "data_directory", "/var/lib/moggie"); err != nil {
			return err
		}
		if err := tx.Set("App", "raw_blob", []byte{0x01, 0x02, 0xff}); err != nil {
			return err
		}
		if err := tx.Set("App", "tags", []string{"inbox", "work"}); err != nil {
			return err
		}
		return tx.Set("App", "labels", map[string]string{"a": "1", "b": "2"})
	}))

	var str string
	ok, err := s.Get("App", "data_directory", &str)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/var/lib/moggie", str)

	var blob []byte
	ok, err = s.Get("App", "raw_blob", &blob)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0x01, 0x02, 0xff}, blob)

	var tags []string
	ok, err = s.Get("App", "tags", &tags)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"inbox", "work"}, tags)

	var labels map[string]string
	ok, err = s.Get("App", "labels", &labels)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, labels)
}

func TestPrivateKeysAreEncryptedAtRest(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.With(func(tx *Tx) error {
		return tx.SetAccount(1, Account{Username: "alice", Password: "hunter2"})
	}))

	raw, ok := s.getRawLocked("Account 1", "password")
	require.True(t, ok)
	require.True(t, isEncryptedWire(raw), "password must be stored encrypted, got %q", raw)

	acct, ok := s.Account(1)
	require.True(t, ok)
	require.Equal(t, "hunter2", acct.Password)
}

func isEncryptedWire(raw string) bool {
	return len(raw) > 2 && raw[:2] == "::"
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.rc")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InitializePassphrase("hunter2-passphrase"))
	require.NoError(t, s.With(func(tx *Tx) error {
		return tx.SetAccount(1, Account{Username: "bob", Password: "secretpw"})
	}))

	reopened, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Unlock("hunter2-passphrase"))

	acct, ok := reopened.Account(1)
	require.True(t, ok)
	require.Equal(t, "bob", acct.Username)
	require.Equal(t, "secretpw", acct.Password)
}

func TestMasterKeyRotationPreservesDecryption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.rc")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InitializePassphrase("pw"))
	require.NoError(t, s.With(func(tx *Tx) error {
		return tx.SetAccount(1, Account{Username: "alice", Password: "before-rotation"})
	}))

	require.NoError(t, s.RotateMasterKey())

	require.NoError(t, s.With(func(tx *Tx) error {
		return tx.SetAccount(2, Account{Username: "carol", Password: "after-rotation"})
	}))

	reopened, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Unlock("pw"))

	a1, ok := reopened.Account(1)
	require.True(t, ok)
	require.Equal(t, "before-rotation", a1.Password)

	a2, ok := reopened.Account(2)
	require.True(t, ok)
	require.Equal(t, "after-rotation", a2.Password)
}

func TestPassphraseRotationKeepsSameMasterKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.rc")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InitializePassphrase("old-passphrase"))
	require.NoError(t, s.With(func(tx *Tx) error {
		return tx.SetAccount(1, Account{Username: "dave", Password: "stays-readable"})
	}))

	require.NoError(t, s.ChangePassphrase("old-passphrase", "new-passphrase"))

	acct, ok := s.Account(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "stays-readable", acct.Password)

	reopened, err := Open(path)
	require.NoError(t, err)

	require.Error(t, reopened.Unlock("old-passphrase"))
	require.NoError(t, reopened.Unlock("new-passphrase"))

	acct, ok = reopened.Account(1)
	require.True(t, ok)
	require.Equal(t, "stays-readable", acct.Password)
}

func TestGetOnLockedStoreReturnsErrLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.rc")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InitializePassphrase("pw"))
	require.NoError(t, s.With(func(tx *Tx) error {
		return tx.SetAccount(1, Account{Username: "erin", Password: "locked-secret"})
	}))
	s.Lock()

	var pw string
	_, err = s.Get("Account 1", "password", &pw)
	require.ErrorIs(t, err, ErrLocked)
}

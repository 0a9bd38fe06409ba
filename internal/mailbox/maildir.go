// Package mailbox implements the on-disk mail storage readers from
// spec.md §6: maildir (via emersion/go-maildir), classic mbox, and the
// from-scratch "wervd" format (marker-header detection plus
// per-message decryption), grounded in
// moggie/storage/formats/mailpilev1.py's FormatMaildirWERVD.
package mailbox

import (
	"fmt"
	"os"

	"github.com/emersion/go-maildir"
)

// Message is one stored message as read back from any reader in this
// package: its raw RFC 822 bytes plus the storage-specific flags the
// format exposes.
type Message struct {
	Key   string
	Flags []string
	Raw   []byte
}

// MaildirReader lists and reads messages from a maildir tree using
// emersion/go-maildir, translating its Flag type to the plain string
// flags the rest of the system works with.
type MaildirReader struct {
	dir maildir.Dir
}

// OpenMaildir opens path as a maildir, initializing cur/new/tmp if
// they do not already exist.
func OpenMaildir(path string) (*MaildirReader, error) {
	dir := maildir.Dir(path)
	if err := dir.Init(); err != nil {
		return nil, fmt.Errorf("mailbox: init maildir %s: %w", path, err)
	}
	return &MaildirReader{dir: dir}, nil
}

// Keys lists every message key in the maildir (cur and new).
func (m *MaildirReader) Keys() ([]string, error) {
	keys, err := m.dir.Keys()
	if err != nil {
		return nil, fmt.Errorf("mailbox: listing maildir keys: %w", err)
	}
	return keys, nil
}

// Read fetches one message's raw bytes and flags by key.
func (m *MaildirReader) Read(key string) (Message, error) {
	path, err := m.dir.Filename(key)
	if err != nil {
		return Message{}, fmt.Errorf("mailbox: resolving maildir key %s: %w", key, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Message{}, fmt.Errorf("mailbox: reading %s: %w", path, err)
	}
	flags, err := m.dir.Flags(key)
	if err != nil {
		return Message{}, fmt.Errorf("mailbox: reading flags for %s: %w", key, err)
	}
	return Message{Key: key, Flags: flagStrings(flags), Raw: raw}, nil
}

// Append stores a new message with the given flags, returning its key.
func (m *MaildirReader) Append(raw []byte, flags []string) (string, error) {
	delivery, err := m.dir.Delivery()
	if err != nil {
		return "", fmt.Errorf("mailbox: starting maildir delivery: %w", err)
	}
	if _, err := delivery.Write(raw); err != nil {
		delivery.Abort()
		return "", fmt.Errorf("mailbox: writing message: %w", err)
	}
	key, err := delivery.Close()
	if err != nil {
		return "", fmt.Errorf("mailbox: closing delivery: %w", err)
	}
	if len(flags) > 0 {
		if err := m.dir.SetFlags(key, maildirFlags(flags)); err != nil {
			return key, fmt.Errorf("mailbox: setting flags on %s: %w", key, err)
		}
	}
	return key, nil
}

func flagStrings(flags []maildir.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

func maildirFlags(flags []string) []maildir.Flag {
	out := make([]maildir.Flag, len(flags))
	for i, f := range flags {
		out[i] = maildir.Flag(f)
	}
	return out
}

package mailbox

import (
	"bytes"
	"fmt"

	"github.com/moggie-project/moggie-worker/internal/cryptutil"
)

// wervdMarker is the header line that identifies a message body as
// per-message encrypted, our own domain's analogue of
// moggie/storage/formats/mailpilev1.py's MEP_MARKER_SINGLE detection
// (there keyed on legacy Mailpile ciphertext; here on our own
// cryptutil envelope format).
var wervdMarker = []byte("X-Moggie-Encrypted-Data: v1")

// WervdReader reads a maildir-shaped tree whose message bodies may be
// wrapped in cryptutil's envelope encryption, detected by a marker
// header rather than assumed unconditionally, so the same reader works
// for both encrypted and plaintext trees.
type WervdReader struct {
	inner  *MaildirReader
	keys   []cryptutil.MasterKey
	locked bool
}

// OpenWervd opens path as a maildir and attaches masterKeys (newest
// last) for decrypting any message found to carry the marker header.
// If masterKeys is empty, encrypted messages yield ErrLocked until
// Unlock supplies keys.
func OpenWervd(path string, masterKeys []cryptutil.MasterKey) (*WervdReader, error) {
	inner, err := OpenMaildir(path)
	if err != nil {
		return nil, err
	}
	return &WervdReader{inner: inner, keys: masterKeys, locked: len(masterKeys) == 0}, nil
}

// ErrLocked is returned by Read when a message is marked encrypted but
// no master key has been supplied yet.
var ErrLocked = fmt.Errorf("mailbox: wervd tree is locked")

// Unlock supplies the master key generations to use for decryption.
func (w *WervdReader) Unlock(masterKeys []cryptutil.MasterKey) {
	w.keys = masterKeys
	w.locked = len(masterKeys) == 0
}

// Keys lists every message key in the underlying maildir.
func (w *WervdReader) Keys() ([]string, error) { return w.inner.Keys() }

// Read fetches and, if the marker header is present, decrypts a
// message by key.
func (w *WervdReader) Read(key string) (Message, error) {
	msg, err := w.inner.Read(key)
	if err != nil {
		return Message{}, err
	}
	if !carriesMarker(msg.Raw) {
		return msg, nil
	}
	if w.locked {
		return Message{}, ErrLocked
	}

	plaintext, err := decryptWervdBody(w.keys, msg.Raw)
	if err != nil {
		return Message{}, fmt.Errorf("mailbox: decrypting %s: %w", key, err)
	}
	msg.Raw = plaintext
	return msg, nil
}

func carriesMarker(raw []byte) bool {
	headEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headEnd < 0 {
		headEnd = bytes.Index(raw, []byte("\n\n"))
	}
	if headEnd < 0 {
		headEnd = len(raw)
	}
	return bytes.Contains(raw[:headEnd], wervdMarker)
}

// decryptWervdBody splits raw into its plaintext header block and
// cryptutil-encrypted body (everything after the first blank line),
// decrypts the body, and reassembles a plain message.
func decryptWervdBody(keys []cryptutil.MasterKey, raw []byte) ([]byte, error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(raw, sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(raw, sep)
	}
	if idx < 0 {
		return nil, fmt.Errorf("no header/body separator found")
	}
	header := raw[:idx]
	body := raw[idx+len(sep):]

	plaintext, err := cryptutil.Decrypt(keys, string(bytes.TrimLeft(body, " \t\r\n")))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(header)+len(sep)+len(plaintext))
	out = append(out, header...)
	out = append(out, sep...)
	out = append(out, plaintext...)
	return out, nil
}

// EncryptForWervd wraps raw's body in cryptutil's envelope encryption
// under key, emitting the marker header so a later Read recognizes and
// decrypts it.
func EncryptForWervd(key cryptutil.MasterKey, seed cryptutil.NonceSeed, raw []byte) ([]byte, error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(raw, sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(raw, sep)
	}
	if idx < 0 {
		return nil, fmt.Errorf("mailbox: no header/body separator found")
	}
	header := raw[:idx]
	body := raw[idx+len(sep):]

	ciphertext, err := cryptutil.Encrypt(key, seed, body)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(wervdMarker)+len(sep)*2+len(ciphertext)+2)
	out = append(out, header...)
	out = append(out, '\r', '\n')
	out = append(out, wervdMarker...)
	out = append(out, sep...)
	out = append(out, ciphertext...)
	return out, nil
}

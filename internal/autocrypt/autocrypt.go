// Package autocrypt implements the per-peer Autocrypt state machine from
// spec.md §4.6: parsing the Autocrypt header, upserting peer records,
// and deriving an encryption recommendation. Storage is an injected
// Store, typically backed by internal/sqlitezip per spec.md §6's
// autocrypt.<namespace>.sqz container.
package autocrypt

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp"
)

// MaxKeyDataBytes is the clamp on Autocrypt key size resolved from the
// spec.md §9 Open Question: implementations should pick a sensible upper
// bound and report invalid-argument on overflow.
const MaxKeyDataBytes = 65536

// StaleAfter is the window after which a peer's most recent Autocrypt
// key is considered stale relative to last_seen (spec.md §4.6).
const StaleAfter = 35 * 24 * time.Hour

// EvictAfter is how long a peer with autocrypt_count <= 0 survives
// without seeing a usable header before its record is dropped.
const EvictAfter = 90 * 24 * time.Hour

// Recommendation values, per spec.md §4.6.
const (
	RecommendUnavailable = "unavailable"
	RecommendDiscourage  = "discourage"
	RecommendEncrypt     = "encrypt"
	RecommendAvailable   = "available"
)

// PeerRecord is the Autocrypt peer record from spec.md §3.
type PeerRecord struct {
	Address                string
	LastSeen               time.Time
	PreferEncrypt          string // "mutual", "nopreference", or ""
	AutocryptTimestamp     time.Time
	AutocryptCount         int
	PublicKey              []byte
	PublicKeyFingerprint   string
	PublicKeySource        string
	GossipKey              []byte
	GossipKeyFingerprint   string
	GossipKeySource        string
}

// Store persists PeerRecords, keyed by address.
type Store interface {
	Get(address string) (PeerRecord, bool, error)
	Put(PeerRecord) error
	Delete(address string) error
}

var (
	ErrMissingAddr       = errors.New("autocrypt: header missing addr attribute")
	ErrMissingKeyData    = errors.New("autocrypt: header missing keydata attribute")
	ErrUnknownAttribute  = errors.New("autocrypt: header has an unknown non-underscore attribute")
	ErrKeyDataTooLarge   = errors.New("autocrypt: keydata exceeds MaxKeyDataBytes")
	ErrNoFingerprint     = errors.New("autocrypt: keydata yields no usable fingerprint")
)

// Header is a parsed Autocrypt: header value.
type Header struct {
	Addr          string
	PreferEncrypt string
	KeyData       []byte
}

// ParseHeader parses the raw value of an Autocrypt header (the part
// after "Autocrypt:"), validating it has addr and keydata and no
// attributes outside {addr, prefer-encrypt, keydata} and underscore-
// prefixed extension attributes, per spec.md §4.6.
func ParseHeader(raw string) (*Header, error) {
	h := &Header{}
	haveAddr, haveKeyData := false, false

	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)

		switch {
		case name == "addr":
			h.Addr = value
			haveAddr = true
		case name == "prefer-encrypt":
			h.PreferEncrypt = value
		case name == "keydata":
			decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(value))
			if err != nil {
				return nil, fmt.Errorf("autocrypt: decoding keydata: %w", err)
			}
			if len(decoded) > MaxKeyDataBytes {
				return nil, ErrKeyDataTooLarge
			}
			h.KeyData = decoded
			haveKeyData = true
		case strings.HasPrefix(name, "_"):
			// underscore-prefixed extension attribute: ignored per spec.
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
		}
	}

	if !haveAddr {
		return nil, ErrMissingAddr
	}
	if !haveKeyData {
		return nil, ErrMissingKeyData
	}
	return h, nil
}

func stripWhitespace(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Fingerprint parses keydata as an OpenPGP public key (or key ring) and
// returns the primary key's fingerprint, satisfying spec.md §4.6's
// "parsed key yields >= 1 fingerprint" validity check.
func Fingerprint(keydata []byte) (string, error) {
	if kr, err := openpgp.ReadKeyRing(bytes.NewReader(keydata)); err == nil && len(kr) > 0 {
		return strings.ToUpper(hex.EncodeToString(kr[0].PrimaryKey.Fingerprint[:])), nil
	}
	// Not an ASCII-armored or binary key ring the openpgp package
	// recognizes: spec.md §4.6 requires >= 1 fingerprint for a header to
	// be usable, so garbage keydata is rejected outright here.
	return "", ErrNoFingerprint
}

// ProcessMessage implements the per-message state machine transition
// from spec.md §4.6. header is nil when the message carried no (or an
// invalid) Autocrypt header. Callers must not invoke this for messages
// whose content-type is multipart/report (spec.md §4.6's precondition).
// The effective date d = min(now, messageDate) is computed here.
func ProcessMessage(store Store, peerAddr string, messageDate, now time.Time, header *Header) (changed bool, err error) {
	d := messageDate
	if now.Before(d) {
		d = now
	}

	existing, found, err := store.Get(peerAddr)
	if err != nil {
		return false, err
	}

	if header != nil && header.Addr == peerAddr {
		fpr, fprErr := Fingerprint(header.KeyData)
		if fprErr == nil && fpr != "" && (!found || d.After(existing.AutocryptTimestamp)) {
			rec := existing
			rec.Address = peerAddr
			rec.AutocryptTimestamp = d
			rec.LastSeen = d
			rec.PublicKey = header.KeyData
			rec.PublicKeyFingerprint = fpr
			rec.PreferEncrypt = header.PreferEncrypt
			if found {
				rec.AutocryptCount = existing.AutocryptCount + 1
			} else {
				rec.AutocryptCount = 1
			}
			if err := store.Put(rec); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	if !found {
		return false, nil
	}
	if existing.AutocryptCount < 1 && existing.AutocryptTimestamp.Before(now.Add(-EvictAfter)) {
		if err := store.Delete(peerAddr); err != nil {
			return false, err
		}
		return true, nil
	}
	if d.After(existing.LastSeen) {
		existing.LastSeen = d
		existing.AutocryptCount--
		if err := store.Put(existing); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Recommendation derives the read-time encryption recommendation from a
// peer's current state, per spec.md §4.6.
func Recommendation(peer PeerRecord) string {
	if len(peer.PublicKey) == 0 {
		return RecommendUnavailable
	}
	if !peer.AutocryptTimestamp.After(peer.LastSeen.Add(-StaleAfter)) {
		return RecommendDiscourage
	}
	if peer.PreferEncrypt == "mutual" {
		return RecommendEncrypt
	}
	return RecommendAvailable
}

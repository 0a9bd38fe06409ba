package autocrypt

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// alicePubKeyB64 and bobPubKeyB64 are real (test-only) OpenPGP public key
// packets, base64-encoded, used so ProcessMessage's Fingerprint check -
// spec.md §4.6's "parsed key yields >= 1 fingerprint" - is exercised
// against genuine keydata rather than arbitrary bytes.
const (
	alicePubKeyB64 = "mI0EamzG6wEEAMUp1bWa+EocZEA7DTDNy/YcbaT1QWw8zbluCodZZF+Hb8A/pisxeUhW538rVd/kLWkTNNHrqdVqSGS3wYxdol2Fdd7bQe2JTlySCpp4dQU34w445NemMHVYVwnBSVw8ycomHIju6WCbv4dR0UM92OEedJwOU3SlRgzZPNY41F2RABEBAAG0HkFsaWNlIFRlc3QgPGFsaWNlQGV4YW1wbGUuY29tPojOBBMBCgA4FiEEd+H8I4TzsPDOTajusdCBlOe+jTcFAmpsxusCGy8FCwkIBwIGFQoJCAsCBBYCAwECHgECF4AACgkQsdCBlOe+jTei9AP+KrUFuBkBE4bqkLTqNL0OEojXd8ttHV/ecyz9srAhhKSBraY19D05xSyW0lqt2bPwT6S3MIsW3tpIHQvxtOJsJovdq3wFEh0UKDybL2lvy7Uaxde0rSZiKh7/gOq3d90JYrmZyrIODrBD08LnLgkEOETQb42mAqOUYoDO6O+T1eY="
	bobPubKeyB64   = "mI0EamzHAAEEAL+KiyCdjw1kzzZruiBf2qwWKaeowm569dqEiPJFjcZ39xnmPWcBp/VcrUYxB/4bYg1hXdaUFU241rD8nLWjoii207EgEkLYegpMMLbYWEM/rjsaoVgXuji1s9EDJGXsJ8NfrkyssUb90TikriHthoe/PXWmcWhJ9JYu2HpWzL5LABEBAAG0GkJvYiBUZXN0IDxib2JAZXhhbXBsZS5jb20+iM4EEwEKADgWIQTGKHPkdMIKnLFbnMkp67zs8nGFEAUCamzHAAIbLwULCQgHAgYVCgkICwIEFgIDAQIeAQIXgAAKCRAp67zs8nGFEJORA/9VquLGg1YculfOd4vXw+54TA0RmQHWZxdzsQujExz9IqVY/PM1vruXDxhm4IjOS0RD35vOBng1UQmDDMznbOHAvI1s3WLHO6qqL+WjqRicqRQPpSKyZdXneDrFI//XGAH6L8SV76F/pWTwpo0+qMDifvpr79CuttReWbYdEC18uA=="
)

func mustDecodeKey(t *testing.T, b64 string) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	return raw
}

type memStore struct {
	peers map[string]PeerRecord
}

func newMemStore() *memStore { return &memStore{peers: map[string]PeerRecord{}} }

func (m *memStore) Get(address string) (PeerRecord, bool, error) {
	rec, ok := m.peers[address]
	return rec, ok, nil
}

func (m *memStore) Put(rec PeerRecord) error {
	m.peers[rec.Address] = rec
	return nil
}

func (m *memStore) Delete(address string) error {
	delete(m.peers, address)
	return nil
}

func TestParseHeaderRequiresAddrAndKeyData(t *testing.T) {
	_, err := ParseHeader("prefer-encrypt=mutual")
	require.ErrorIs(t, err, ErrMissingAddr)

	_, err = ParseHeader("addr=a@example.com")
	require.ErrorIs(t, err, ErrMissingKeyData)
}

func TestParseHeaderIgnoresUnderscoreAttributesRejectsUnknown(t *testing.T) {
	keydata := base64.StdEncoding.EncodeToString([]byte("fake-key-bytes"))

	h, err := ParseHeader("addr=a@example.com; _monkey=banana; keydata=" + keydata)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", h.Addr)

	_, err = ParseHeader("addr=a@example.com; bogus=1; keydata=" + keydata)
	require.ErrorIs(t, err, ErrUnknownAttribute)
}

func TestFingerprintRejectsGarbageKeyData(t *testing.T) {
	_, err := Fingerprint([]byte("not an openpgp key at all"))
	require.ErrorIs(t, err, ErrNoFingerprint)
}

func TestFingerprintParsesRealKey(t *testing.T) {
	fpr, err := Fingerprint(mustDecodeKey(t, alicePubKeyB64))
	require.NoError(t, err)
	require.NotEmpty(t, fpr)
}

func TestProcessMessageRejectsUnparseableKeyData(t *testing.T) {
	store := newMemStore()
	peer := "mallory@example.com"
	header := &Header{Addr: peer, PreferEncrypt: "mutual", KeyData: []byte("synthetic-key-bytes-for-mallory")}

	changed, err := ProcessMessage(store, peer, time.Now(), time.Now(), header)
	require.NoError(t, err)
	require.False(t, changed, "a header whose keydata doesn't parse as an OpenPGP key must be treated as absent")

	_, found, err := store.Get(peer)
	require.NoError(t, err)
	require.False(t, found)
}

func TestParseHeaderRejectsOversizeKeyData(t *testing.T) {
	big := make([]byte, MaxKeyDataBytes+1)
	keydata := base64.StdEncoding.EncodeToString(big)
	_, err := ParseHeader("addr=a@example.com; keydata=" + keydata)
	require.ErrorIs(t, err, ErrKeyDataTooLarge)
}

// TestAutocryptScenario covers spec.md §8's mutual-preference scenario: a
// first message with prefer-encrypt=mutual establishes an "encrypt"
// recommendation, and a later header-less message from the same peer
// decrements the count and advances last_seen.
func TestAutocryptScenario(t *testing.T) {
	store := newMemStore()
	peer := "alice@example.com"
	keydata := mustDecodeKey(t, alicePubKeyB64)
	header := &Header{
		Addr:          peer,
		PreferEncrypt: "mutual",
		KeyData:       keydata,
	}

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	changed, err := ProcessMessage(store, peer, base, base, header)
	require.NoError(t, err)
	require.True(t, changed)

	rec, found, err := store.Get(peer)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, rec.AutocryptCount)
	require.Equal(t, "mutual", rec.PreferEncrypt)
	require.Equal(t, RecommendEncrypt, Recommendation(rec))

	later := base.Add(24 * time.Hour)
	changed, err = ProcessMessage(store, peer, later, later, nil)
	require.NoError(t, err)
	require.True(t, changed)

	rec, found, err = store.Get(peer)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, rec.AutocryptCount)
	require.Equal(t, later, rec.LastSeen)
}

func TestRecommendationUnavailableWithoutKey(t *testing.T) {
	require.Equal(t, RecommendUnavailable, Recommendation(PeerRecord{}))
}

func TestRecommendationDiscourageWhenStale(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := PeerRecord{
		PublicKey:          []byte("x"),
		AutocryptTimestamp: now.Add(-2 * StaleAfter),
		LastSeen:           now,
		PreferEncrypt:      "mutual",
	}
	require.Equal(t, RecommendDiscourage, Recommendation(rec))
}

func TestProcessMessageIgnoresOlderTimestampUpdate(t *testing.T) {
	store := newMemStore()
	peer := "bob@example.com"
	newer := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-48 * time.Hour)

	bobKey := mustDecodeKey(t, bobPubKeyB64)
	header := &Header{Addr: peer, PreferEncrypt: "mutual", KeyData: bobKey}
	_, err := ProcessMessage(store, peer, newer, newer, header)
	require.NoError(t, err)

	staleHeader := &Header{Addr: peer, PreferEncrypt: "nopreference", KeyData: bobKey}
	changed, err := ProcessMessage(store, peer, older, newer, staleHeader)
	require.NoError(t, err)
	require.False(t, changed)

	rec, _, err := store.Get(peer)
	require.NoError(t, err)
	require.Equal(t, "mutual", rec.PreferEncrypt)
}

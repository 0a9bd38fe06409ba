package cryptutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	seed, err := NewNonceSeed()
	require.NoError(t, err)
	key := HashConfigKey([]byte("some config key"))

	ct, err := Encrypt(key, seed, []byte("hello world"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ct, EncryptedMarker))
	require.True(t, IsEncrypted(ct))

	pt, err := Decrypt([]MasterKey{key}, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), pt)
}

func TestEncryptNoncesNeverRepeat(t *testing.T) {
	seed, err := NewNonceSeed()
	require.NoError(t, err)
	key := HashConfigKey([]byte("k"))

	a, err := Encrypt(key, seed, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := Encrypt(key, seed, []byte("same plaintext"))
	require.NoError(t, err)
	require.NotEqual(t, a, b, "two encryptions of the same plaintext must differ by nonce")
}

func TestDecryptTriesEveryKeyGeneration(t *testing.T) {
	seed, err := NewNonceSeed()
	require.NoError(t, err)
	oldKey := HashConfigKey([]byte("old"))
	newKey := HashConfigKey([]byte("new"))

	ct, err := Encrypt(oldKey, seed, []byte("rotated"))
	require.NoError(t, err)

	pt, err := Decrypt([]MasterKey{newKey, oldKey}, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("rotated"), pt)
}

func TestDecryptUnknownKeyFailsIntegrity(t *testing.T) {
	seed, err := NewNonceSeed()
	require.NoError(t, err)
	key := HashConfigKey([]byte("k1"))
	wrong := HashConfigKey([]byte("k2"))

	ct, err := Encrypt(key, seed, []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt([]MasterKey{wrong}, ct)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestDecryptPlaintextValueIsNotEncrypted(t *testing.T) {
	_, err := Decrypt([]MasterKey{HashConfigKey([]byte("k"))}, "plain-value")
	require.ErrorIs(t, err, ErrNotEncrypted)
	require.False(t, IsEncrypted("plain-value"))
}

func TestGenerateTokenEntropyAndUniqueness(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.GreaterOrEqual(t, len(a), 16) // base64url(16 bytes) >= 80 bits of entropy
}

func TestGenerateSecretIsURLSafe(t *testing.T) {
	s, err := GenerateSecret()
	require.NoError(t, err)
	require.NotContains(t, s, "/")
	require.NotContains(t, s, "+")
}

func TestStretchPassphraseIsDeterministicPerSalt(t *testing.T) {
	salt := []byte("fixed-salt-0123456789ab")
	a, err := StretchPassphrase([]byte("correct horse battery staple"), salt)
	require.NoError(t, err)
	b, err := StretchPassphrase([]byte("correct horse battery staple"), salt)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := StretchPassphrase([]byte("a different passphrase"), salt)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
